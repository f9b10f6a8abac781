package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudguard/internal/auth"
	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/decisionlog"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/transaction"
	"github.com/mbd888/fraudguard/internal/validation"
)

// Error kinds returned in the error_kind field.
const (
	KindValidation        = "validation_error"
	KindNotFound          = "not_found"
	KindAlreadyDecided    = "already_decided"
	KindDuplicate         = "duplicate"
	KindCapacityExhausted = "capacity_exhausted"
	KindForbidden         = "forbidden"
	KindUnavailable       = "unavailable"
	KindSystem            = "system_error"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	ErrorKind string         `json:"error_kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
}

// TransactionResponse is the submission and status payload.
type TransactionResponse struct {
	TransactionID     string          `json:"transaction_id"`
	UserID            string          `json:"user_id"`
	Status            string          `json:"status"`
	FraudProbability  *float64        `json:"fraud_probability"`
	DecisionReasoning string          `json:"decision_reasoning,omitempty"`
	Decision          string          `json:"decision,omitempty"`
	Confidence        *float64        `json:"confidence,omitempty"`
	ManualReview      bool            `json:"manual_review_required"`
	Flags             []string        `json:"flags,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Merchant          string          `json:"merchant"`
	MerchantCategory  string          `json:"merchant_category,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
	DecidedAt         *time.Time      `json:"decided_at,omitempty"`
}

func newTransactionResponse(tx *transaction.Transaction, rec *decision.Record) TransactionResponse {
	resp := TransactionResponse{
		TransactionID:    tx.ID,
		UserID:           tx.UserID,
		Status:           decision.StatusLabel(tx.Status),
		FraudProbability: tx.FraudProbability,
		Amount:           tx.Amount,
		Merchant:         tx.Merchant,
		MerchantCategory: tx.MerchantCategory,
		Timestamp:        tx.Timestamp,
		DecidedAt:        tx.DecidedAt,
	}
	if rec != nil {
		conf := rec.Confidence
		resp.DecisionReasoning = rec.Reasoning
		resp.Decision = string(rec.Decision)
		resp.Confidence = &conf
		resp.ManualReview = rec.ManualReview
		resp.Flags = rec.Flags
	}
	return resp
}

// Handler provides HTTP endpoints for the decision pipeline.
type Handler struct {
	service *Service
}

// NewHandler creates a new pipeline handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up routes for authenticated callers.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.SubmitTransaction)
	r.GET("/transactions", h.ListHistory)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/retry", h.RetryTransaction)
	r.GET("/decisions/:transactionId", h.GetDecision)
}

// RegisterAdminRoutes sets up routes that require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/decisions", h.ListDecisions)
	r.GET("/decisions/summary", h.DecisionSummary)
}

// SubmitTransaction handles POST /v1/transactions
func (h *Handler) SubmitTransaction(c *gin.Context) {
	id, _ := auth.GetIdentity(c)

	var in transaction.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, validation.Errors{{Field: "body", Constraint: "must be a JSON object"}})
		return
	}
	if strings.TrimSpace(in.UserID) == "" && !id.IsAdmin() {
		in.UserID = id.UserID
	}
	if !id.CanAccess(strings.TrimSpace(in.UserID)) {
		writeError(c, ErrForbidden)
		return
	}

	v, err := h.service.Submit(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newTransactionResponse(v.Transaction, v.Record))
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	v, ok := h.ownedView(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newTransactionResponse(v.Transaction, v.Record))
}

// RetryTransaction handles POST /v1/transactions/:id/retry
func (h *Handler) RetryTransaction(c *gin.Context) {
	if _, ok := h.ownedView(c, c.Param("id")); !ok {
		return
	}
	v, err := h.service.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTransactionResponse(v.Transaction, v.Record))
}

// ListHistory handles GET /v1/transactions
func (h *Handler) ListHistory(c *gin.Context) {
	id, _ := auth.GetIdentity(c)

	q := HistoryQuery{UserID: id.UserID, Cursor: c.Query("cursor")}
	if uid := c.Query("user_id"); uid != "" {
		if !id.CanAccess(uid) {
			writeError(c, ErrForbidden)
			return
		}
		q.UserID = uid
	}

	var errs validation.Errors
	if raw := c.Query("status"); raw != "" {
		st, ok := transaction.ParseStatus(raw)
		if !ok {
			errs = append(errs, validation.FieldError{Field: "status", Constraint: validation.ConstraintOneOf})
		}
		q.Status = st
	}
	q.From, q.To, errs = parseRange(c, errs)
	q.Limit, errs = parseLimit(c, errs)
	if len(errs) > 0 {
		writeError(c, errs)
		return
	}

	page, err := h.service.History(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	items := make([]TransactionResponse, len(page.Transactions))
	for i, tx := range page.Transactions {
		items[i] = newTransactionResponse(tx, nil)
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": items,
		"count":        len(items),
		"next_cursor":  page.NextCursor,
		"has_more":     page.HasMore,
	})
}

// GetDecision handles GET /v1/decisions/:transactionId
func (h *Handler) GetDecision(c *gin.Context) {
	id, _ := auth.GetIdentity(c)

	rec, err := h.service.Decision(c.Request.Context(), c.Param("transactionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !id.CanAccess(rec.UserID) {
		writeError(c, ErrForbidden)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListDecisions handles GET /v1/admin/decisions
func (h *Handler) ListDecisions(c *gin.Context) {
	from, to, errs := parseRange(c, nil)
	limit, errs := parseLimit(c, errs)
	if len(errs) > 0 {
		writeError(c, errs)
		return
	}

	records, err := h.service.Decisions(c.Request.Context(), from, to, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []*decision.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"decisions": records, "count": len(records)})
}

// DecisionSummary handles GET /v1/admin/decisions/summary
func (h *Handler) DecisionSummary(c *gin.Context) {
	from, to, errs := parseRange(c, nil)
	if len(errs) > 0 {
		writeError(c, errs)
		return
	}

	summary, err := h.service.Summary(c.Request.Context(), from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ownedView loads a transaction and checks the caller may see it. It writes
// the error response itself.
func (h *Handler) ownedView(c *gin.Context, txID string) (*View, bool) {
	id, _ := auth.GetIdentity(c)

	v, err := h.service.Get(c.Request.Context(), txID)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if !id.CanAccess(v.Transaction.UserID) {
		writeError(c, ErrForbidden)
		return nil, false
	}
	return v, true
}

func parseRange(c *gin.Context, errs validation.Errors) (time.Time, time.Time, validation.Errors) {
	var from, to time.Time
	for _, field := range []string{"from", "to"} {
		raw := c.Query(field)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			errs = append(errs, validation.FieldError{Field: field, Constraint: validation.ConstraintTimestamp})
			continue
		}
		if field == "from" {
			from = ts
		} else {
			to = ts
		}
	}
	return from, to, errs
}

func parseLimit(c *gin.Context, errs validation.Errors) (int, validation.Errors) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, errs
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, append(errs, validation.FieldError{Field: "limit", Constraint: validation.ConstraintPositive})
	}
	return n, errs
}

// writeError maps err onto the uniform error body.
func writeError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}

func errorResponse(err error) (int, ErrorResponse) {
	var (
		verrs  validation.Errors
		sysErr *SystemError
	)
	switch {
	case errors.As(err, &verrs):
		return http.StatusBadRequest, ErrorResponse{
			ErrorKind: KindValidation,
			Message:   verrs.Error(),
			Details:   map[string]any{"fields": []validation.FieldError(verrs)},
		}
	case errors.Is(err, transaction.ErrNotFound), errors.Is(err, decisionlog.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{ErrorKind: KindNotFound, Message: err.Error(), Details: map[string]any{}}
	case errors.Is(err, transaction.ErrAlreadyDecided):
		return http.StatusConflict, ErrorResponse{ErrorKind: KindAlreadyDecided, Message: err.Error(), Details: map[string]any{}}
	case errors.Is(err, transaction.ErrDuplicate):
		return http.StatusConflict, ErrorResponse{ErrorKind: KindDuplicate, Message: err.Error(), Details: map[string]any{}}
	case errors.Is(err, transaction.ErrCapacityExhausted):
		return http.StatusServiceUnavailable, ErrorResponse{ErrorKind: KindCapacityExhausted, Message: err.Error(), Details: map[string]any{}}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, ErrorResponse{ErrorKind: KindForbidden, Message: err.Error(), Details: map[string]any{}}
	case errors.As(err, &sysErr):
		return http.StatusInternalServerError, ErrorResponse{
			ErrorKind: KindSystem,
			Message:   "internal error",
			Details:   map[string]any{"stage": sysErr.Stage},
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, ErrorResponse{
			ErrorKind: KindUnavailable,
			Message:   "request abandoned while waiting for a concurrent run",
			Details:   map[string]any{},
		}
	default:
		return http.StatusInternalServerError, ErrorResponse{ErrorKind: KindSystem, Message: "internal error", Details: map[string]any{}}
	}
}
