package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/auth"
	"github.com/mbd888/fraudguard/internal/scoring"
)

func setupTestRouter(t *testing.T, scorer Scorer) (*gin.Engine, *rig) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := newRig(t, scorer)
	handler := NewHandler(r.svc)

	engine := gin.New()
	v1 := engine.Group("/v1")
	v1.Use(auth.Middleware(), auth.RequireIdentity())
	handler.RegisterRoutes(v1)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireRole(auth.RoleAdmin))
	handler.RegisterAdminRoutes(admin)
	return engine, r
}

func do(t *testing.T, h http.Handler, method, path, user, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(auth.HeaderUserID, user)
	}
	if role != "" {
		req.Header.Set(auth.HeaderRole, role)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const scenarioBody = `{"user_id":"u1","amount":150.00,"merchant":"Online Store","merchant_category":"retail","timestamp":"2024-01-15T10:30:00Z"}`

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandler_SubmitScenarios(t *testing.T) {
	tests := []struct {
		p        float64
		status   string
		notified int
	}{
		{0.15, "APPROVED", 0},
		{0.5, "HELD", 1},
		{0.95, "BLOCKED", 1},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			router, r := setupTestRouter(t, fixedScorer(tt.p))

			w := do(t, router, http.MethodPost, "/v1/transactions", "u1", "", scenarioBody)
			require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

			body := decodeBody(t, w)
			assert.Equal(t, tt.status, body["status"])
			assert.Equal(t, tt.p, body["fraud_probability"])
			assert.Equal(t, "2024-01-15T10:30:00Z", body["timestamp"])
			assert.NotEmpty(t, body["transaction_id"])
			assert.NotEmpty(t, body["decision_reasoning"])
			assert.Equal(t, tt.notified, r.notifier.count())
			if tt.notified > 0 {
				assert.Equal(t, body["transaction_id"], r.notifier.records[0].TransactionID)
			}
		})
	}
}

func TestHandler_SubmitNegativeAmount(t *testing.T) {
	router, r := setupTestRouter(t, fixedScorer(0.15))

	w := do(t, router, http.MethodPost, "/v1/transactions", "u1", "",
		`{"user_id":"u1","amount":-10,"merchant":"Online Store","merchant_category":"retail","timestamp":"2024-01-15T10:30:00Z"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, KindValidation, body["error_kind"])
	fields := body["details"].(map[string]any)["fields"].([]any)
	require.Len(t, fields, 1)
	assert.Equal(t, "amount", fields[0].(map[string]any)["field"])
	assert.Equal(t, "must be positive number", fields[0].(map[string]any)["constraint"])
	assert.Zero(t, r.store.Len())
}

func TestHandler_ResubmitDecidedID(t *testing.T) {
	router, r := setupTestRouter(t, fixedScorer(0.15))
	body := `{"transaction_id":"txn_abc","amount":"150.00","merchant":"Online Store","timestamp":"2024-01-15T10:30:00Z"}`

	w := do(t, router, http.MethodPost, "/v1/transactions", "u1", "", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/v1/transactions", "u1", "", body)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, KindAlreadyDecided, decodeBody(t, w)["error_kind"])
	assert.Equal(t, 1, r.log.Len())
}

func TestHandler_ScoringUnavailable(t *testing.T) {
	down := scoring.NewClient(scoring.ModelFunc(func(context.Context, scoring.Features) (float64, error) {
		return 0, errors.New("connection refused")
	}), scoring.WithLogger(quietLogger()))
	router, r := setupTestRouter(t, down)

	w := do(t, router, http.MethodPost, "/v1/transactions", "u1", "", scenarioBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, "HELD", body["status"])
	assert.Nil(t, body["fraud_probability"])
	assert.Equal(t, true, body["manual_review_required"])
	assert.Equal(t, 1, r.notifier.count())
}

func TestHandler_Unauthenticated(t *testing.T) {
	router, _ := setupTestRouter(t, fixedScorer(0.15))
	w := do(t, router, http.MethodPost, "/v1/transactions", "", "", scenarioBody)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decodeBody(t, w)["error_kind"])
}

func TestHandler_CannotSubmitForAnotherUser(t *testing.T) {
	router, r := setupTestRouter(t, fixedScorer(0.15))
	w := do(t, router, http.MethodPost, "/v1/transactions", "u2", "", scenarioBody)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, r.store.Len())

	w = do(t, router, http.MethodPost, "/v1/transactions", "ops", "admin", scenarioBody)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestHandler_UserIDDefaultsToCaller(t *testing.T) {
	router, _ := setupTestRouter(t, fixedScorer(0.15))
	w := do(t, router, http.MethodPost, "/v1/transactions", "u7", "",
		`{"amount":"12.5","merchant":"Cafe","timestamp":"2024-01-15T10:30:00Z"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "u7", decodeBody(t, w)["user_id"])
}

func TestHandler_GetTransactionOwnership(t *testing.T) {
	router, _ := setupTestRouter(t, fixedScorer(0.5))
	w := do(t, router, http.MethodPost, "/v1/transactions", "u1", "", scenarioBody)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeBody(t, w)["transaction_id"].(string)

	w = do(t, router, http.MethodGet, "/v1/transactions/"+id, "u1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "HELD", body["status"])
	assert.Equal(t, "HOLD", body["decision"])

	w = do(t, router, http.MethodGet, "/v1/transactions/"+id, "u2", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, http.MethodGet, "/v1/transactions/"+id, "ops", "admin", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/v1/transactions/txn_nope", "u1", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, KindNotFound, decodeBody(t, w)["error_kind"])
}

func TestHandler_RetryDecided(t *testing.T) {
	router, _ := setupTestRouter(t, fixedScorer(0.5))
	w := do(t, router, http.MethodPost, "/v1/transactions", "u1", "", scenarioBody)
	id := decodeBody(t, w)["transaction_id"].(string)

	w = do(t, router, http.MethodPost, "/v1/transactions/"+id+"/retry", "u1", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_RetryPending(t *testing.T) {
	scorer := &switchScorer{}
	scorer.set(0.2, nil)
	router, r := setupTestRouter(t, scorer)
	tx := r.ingest(t, scenarioInput())

	w := do(t, router, http.MethodPost, "/v1/transactions/"+tx.ID+"/retry", "u1", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "APPROVED", decodeBody(t, w)["status"])
}

func TestHandler_ListHistory(t *testing.T) {
	router, _ := setupTestRouter(t, fixedScorer(0.1))
	for i := 0; i < 3; i++ {
		w := do(t, router, http.MethodPost, "/v1/transactions", "u1", "", scenarioBody)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := do(t, router, http.MethodGet, "/v1/transactions?status=approved&limit=2", "u1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, true, body["has_more"])
	assert.NotEmpty(t, body["next_cursor"])

	w = do(t, router, http.MethodGet, "/v1/transactions?status=bogus&from=yesterday", "u1", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	fields := decodeBody(t, w)["details"].(map[string]any)["fields"].([]any)
	assert.Len(t, fields, 2)

	w = do(t, router, http.MethodGet, "/v1/transactions?user_id=u1", "u2", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, http.MethodGet, "/v1/transactions?user_id=u1", "ops", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), decodeBody(t, w)["count"])
}

func TestHandler_Decisions(t *testing.T) {
	router, _ := setupTestRouter(t, fixedScorer(0.95))
	w := do(t, router, http.MethodPost, "/v1/transactions", "u1", "", scenarioBody)
	id := decodeBody(t, w)["transaction_id"].(string)

	w = do(t, router, http.MethodGet, "/v1/decisions/"+id, "u1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "BLOCK", body["decision"])
	assert.Equal(t, true, body["notified"])

	w = do(t, router, http.MethodGet, "/v1/decisions/"+id, "u2", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, http.MethodGet, "/v1/admin/decisions", "u1", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, http.MethodGet, "/v1/admin/decisions?from="+time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339), "ops", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	w = do(t, router, http.MethodGet, "/v1/admin/decisions/summary", "ops", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sum := decodeBody(t, w)
	assert.Equal(t, float64(1), sum["total"])
	assert.Equal(t, float64(1), sum["by_decision"].(map[string]any)["BLOCK"])
}

func TestErrorResponse_SystemErrorWrappingContext(t *testing.T) {
	status, body := errorResponse(&SystemError{Stage: StageLearn, Err: context.Canceled})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, KindSystem, body.ErrorKind)
	assert.Equal(t, StageLearn, body.Details["stage"])

	status, body = errorResponse(context.DeadlineExceeded)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, KindUnavailable, body.ErrorKind)
}
