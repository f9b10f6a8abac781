package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleSubmitTransaction submits a transaction for screening.
func (h *Handlers) HandleSubmitTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tx := map[string]any{}
	for _, field := range []string{"transaction_id", "amount", "merchant", "timestamp"} {
		v := req.GetString(field, "")
		if v == "" {
			return mcp.NewToolResultError(field + " is required"), nil
		}
		tx[field] = v
	}
	for _, field := range []string{"merchant_category", "user_id"} {
		if v := req.GetString(field, ""); v != "" {
			tx[field] = v
		}
	}

	raw, err := h.client.SubmitTransaction(ctx, tx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit transaction: %v", err)), nil
	}

	text, err := formatTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetTransaction looks up one transaction.
func (h *Handlers) HandleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}

	text, err := formatTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRetryTransaction reruns the pipeline for a pending transaction.
func (h *Handlers) HandleRetryTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.RetryTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to retry transaction: %v", err)), nil
	}

	text, err := formatTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListHistory lists a user's transactions.
func (h *Handlers) HandleListHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	status := req.GetString("status", "")
	cursor := req.GetString("cursor", "")
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListHistory(ctx, userID, status, cursor, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetDecision returns the decision record for a transaction.
func (h *Handlers) HandleGetDecision(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetDecision(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get decision: %v", err)), nil
	}

	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleDecisionSummary returns aggregate statistics.
func (h *Handlers) HandleDecisionSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.DecisionSummary(ctx, req.GetString("from", ""), req.GetString("to", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get decision summary: %v", err)), nil
	}

	text, err := formatSummary(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse summary: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// -----------------------------------------------------------------------------
// Formatting
// -----------------------------------------------------------------------------

func formatTransaction(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Transaction %s: %s\n", getString(m, "transaction_id"), getString(m, "status")))
	sb.WriteString(fmt.Sprintf("  User: %s\n", getString(m, "user_id")))
	sb.WriteString(fmt.Sprintf("  Amount: %s at %s", getString(m, "amount"), getString(m, "merchant")))
	if c := getString(m, "merchant_category"); c != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", c))
	}
	sb.WriteString("\n")
	if p, ok := getFloat(m, "fraud_probability"); ok {
		sb.WriteString(fmt.Sprintf("  Fraud probability: %.2f\n", p))
	}
	if c, ok := getFloat(m, "confidence"); ok {
		sb.WriteString(fmt.Sprintf("  Confidence: %.2f\n", c))
	}
	if r := getString(m, "decision_reasoning"); r != "" {
		sb.WriteString(fmt.Sprintf("  Reasoning: %s\n", r))
	}
	if flags := getStrings(m, "flags"); len(flags) > 0 {
		sb.WriteString(fmt.Sprintf("  Flags: %s\n", strings.Join(flags, ", ")))
	}
	if review, _ := m["manual_review_required"].(bool); review {
		sb.WriteString("  Manual review required\n")
	}
	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		Transactions []map[string]any `json:"transactions"`
		NextCursor   string           `json:"next_cursor"`
		HasMore      bool             `json:"has_more"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Transactions) == 0 {
		return "No transactions found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d transaction(s):\n\n", len(resp.Transactions)))
	for i, tx := range resp.Transactions {
		sb.WriteString(fmt.Sprintf("%d. %s  %s  %s at %s  (%s)\n", i+1,
			getString(tx, "transaction_id"),
			getString(tx, "status"),
			getString(tx, "amount"),
			getString(tx, "merchant"),
			getString(tx, "timestamp"),
		))
	}
	if resp.HasMore {
		sb.WriteString(fmt.Sprintf("\nMore results available. Next cursor: %s\n", resp.NextCursor))
	}
	return sb.String(), nil
}

func formatDecision(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Decision for %s: %s\n", getString(m, "transaction_id"), getString(m, "decision")))
	if p, ok := getFloat(m, "fraud_probability"); ok {
		sb.WriteString(fmt.Sprintf("  Fraud probability: %.2f\n", p))
	} else {
		sb.WriteString("  Fraud probability: unavailable\n")
	}
	if c, ok := getFloat(m, "confidence"); ok {
		sb.WriteString(fmt.Sprintf("  Confidence: %.2f\n", c))
	}
	sb.WriteString(fmt.Sprintf("  Reasoning: %s\n", getString(m, "reasoning")))
	if flags := getStrings(m, "flags"); len(flags) > 0 {
		sb.WriteString(fmt.Sprintf("  Flags: %s\n", strings.Join(flags, ", ")))
	}
	if notified, _ := m["notified"].(bool); notified {
		sb.WriteString("  Notifications delivered\n")
	}
	sb.WriteString(fmt.Sprintf("  Decided at: %s\n", getString(m, "timestamp")))
	return sb.String(), nil
}

func formatSummary(raw json.RawMessage) (string, error) {
	var s struct {
		Total         int            `json:"total"`
		ByDecision    map[string]int `json:"by_decision"`
		ManualReviews int            `json:"manual_reviews"`
		BlockRate     float64        `json:"block_rate"`
		FallbackRate  float64        `json:"fallback_rate"`
		FlagCounts    map[string]int `json:"flag_counts"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Decisions: %d\n", s.Total))
	for _, d := range []string{"APPROVE", "HOLD", "BLOCK"} {
		sb.WriteString(fmt.Sprintf("  %s: %d\n", d, s.ByDecision[d]))
	}
	sb.WriteString(fmt.Sprintf("  Block rate: %.1f%%\n", s.BlockRate*100))
	sb.WriteString(fmt.Sprintf("  Manual reviews: %d (scoring fallback %.1f%%)\n", s.ManualReviews, s.FallbackRate*100))
	if len(s.FlagCounts) > 0 {
		flags := make([]string, 0, len(s.FlagCounts))
		for f := range s.FlagCounts {
			flags = append(flags, f)
		}
		sort.Strings(flags)
		sb.WriteString("Flags:\n")
		for _, f := range flags {
			sb.WriteString(fmt.Sprintf("  %s: %d\n", f, s.FlagCounts[f]))
		}
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func getStrings(m map[string]any, key string) []string {
	items, _ := m[key].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
