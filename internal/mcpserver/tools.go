package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the fraudguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolSubmitTransaction = mcp.NewTool("submit_transaction",
	mcp.WithDescription(
		"Submit a payment transaction for fraud screening. "+
			"Returns the decision (APPROVED, HELD or BLOCKED), the fraud probability and the reasoning."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Unique transaction identifier")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Positive amount with at most 4 decimal places (e.g. '150.00')")),
	mcp.WithString("merchant",
		mcp.Required(),
		mcp.Description("Merchant name")),
	mcp.WithString("merchant_category",
		mcp.Description("Merchant category (e.g. 'retail', 'travel')")),
	mcp.WithString("timestamp",
		mcp.Required(),
		mcp.Description("When the payment happened, RFC 3339 (e.g. '2024-01-15T10:30:00Z')")),
	mcp.WithString("user_id",
		mcp.Description("Account owner. Defaults to the configured user; only admins may submit for others.")),
)

var ToolGetTransaction = mcp.NewTool("get_transaction",
	mcp.WithDescription(
		"Look up a transaction by ID with its current status and, once decided, the decision details."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID")),
)

var ToolRetryTransaction = mcp.NewTool("retry_transaction",
	mcp.WithDescription(
		"Rerun fraud screening for a transaction that is still PENDING after a system error."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The pending transaction ID")),
)

var ToolListHistory = mcp.NewTool("list_history",
	mcp.WithDescription(
		"List a user's transactions in ingestion order, optionally filtered by status. "+
			"Use next_cursor from a previous call to fetch the following page."),
	mcp.WithString("user_id",
		mcp.Description("Whose history to list. Defaults to the configured user.")),
	mcp.WithString("status",
		mcp.Description("Only transactions with this status"),
		mcp.Enum("PENDING", "APPROVED", "HELD", "BLOCKED")),
	mcp.WithString("cursor",
		mcp.Description("Pagination cursor from a previous result")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 50)")),
)

var ToolGetDecision = mcp.NewTool("get_decision",
	mcp.WithDescription(
		"Get the audit record of the fraud decision for a transaction: probability, confidence, flags and reasoning."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID")),
)

var ToolDecisionSummary = mcp.NewTool("decision_summary",
	mcp.WithDescription(
		"Aggregate decision statistics over a time range: counts per decision, block rate and manual reviews. "+
			"Requires the admin role."),
	mcp.WithString("from",
		mcp.Description("Inclusive start, RFC 3339")),
	mcp.WithString("to",
		mcp.Description("Exclusive end, RFC 3339")),
)
