package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/config"
	"github.com/mbd888/fraudguard/internal/scoring"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                   "0",
		Env:                    "development",
		LogLevel:               "error",
		Version:                "test",
		MaxTransactions:        100,
		ScorerTimeout:          100 * time.Millisecond,
		ScorerBreakerThreshold: 2,
		ScorerBreakerCooldown:  time.Minute,
		NotifyMaxAttempts:      3,
		NotifyBaseDelay:        time.Millisecond,
		NotifyTimeout:          time.Second,
	}
}

func fixedModel(p float64) scoring.Model {
	return scoring.ModelFunc(func(ctx context.Context, f scoring.Features) (float64, error) {
		return p, nil
	})
}

// newTestServer creates a server backed by in-memory storage and a fixed model
func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithModel(fixedModel(0.15))}, opts...)
	s, err := New(testConfig(), opts...)
	require.NoError(t, err)
	return s
}

func request(t *testing.T, s *Server, method, path, userID, role, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

const scenario = `{
	"transaction_id": "tx-1",
	"user_id": "u1",
	"amount": "150.00",
	"merchant": "Online Store",
	"merchant_category": "retail",
	"timestamp": "2024-01-15T10:30:00Z"
}`

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := request(t, s, "GET", "/health", "", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)

	names := make([]string, 0, len(resp.Checks))
	details := make(map[string]string, len(resp.Checks))
	for _, c := range resp.Checks {
		names = append(names, c.Name)
		details[c.Name] = c.Detail
	}
	assert.ElementsMatch(t, []string{"transactions", "scorer", "notifications"}, names)
	assert.Equal(t, fmt.Sprintf("0/%d entries", s.store.Capacity()), details["transactions"])
	assert.Equal(t, "0 circuits closed", details["notifications"])
}

func TestHealthEndpoint_DegradedWhenScorerCircuitOpen(t *testing.T) {
	failing := scoring.ModelFunc(func(ctx context.Context, f scoring.Features) (float64, error) {
		return 0, errors.New("model down")
	})
	s := newTestServer(t, WithModel(failing))

	for _, id := range []string{"tx-a", "tx-b", "tx-c"} {
		body := strings.Replace(scenario, "tx-1", id, 1)
		w := request(t, s, "POST", "/v1/transactions", "u1", "", body)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"HELD"`)
	}

	w := request(t, s, "GET", "/health", "", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
	assert.Contains(t, w.Body.String(), "circuit open")
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := request(t, s, "GET", "/health/live", "", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Not ready until Run marks it
	w := request(t, s, "GET", "/health/ready", "", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = request(t, s, "GET", "/health/ready", "", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := make(map[string]bool)
	for _, r := range s.Router().Routes() {
		routes[r.Method+" "+r.Path] = true
	}

	for _, want := range []string{
		"GET /health",
		"GET /health/live",
		"GET /health/ready",
		"GET /metrics",
		"GET /ws",
		"POST /v1/transactions",
		"GET /v1/transactions",
		"GET /v1/transactions/:id",
		"POST /v1/transactions/:id/retry",
		"GET /v1/decisions/:transactionId",
		"GET /v1/admin/decisions",
		"GET /v1/admin/decisions/summary",
		"GET /v1/admin/stream/stats",
	} {
		assert.True(t, routes[want], "route %s not registered", want)
	}
}

func TestSubmitTransaction_FullChain(t *testing.T) {
	s := newTestServer(t)

	w := request(t, s, "POST", "/v1/transactions", "u1", "", scenario)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "tx-1", body["transaction_id"])
	assert.Equal(t, "APPROVED", body["status"])
	assert.InDelta(t, 0.15, body["fraud_probability"], 1e-9)

	w = request(t, s, "GET", "/v1/decisions/tx-1", "u1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "APPROVE")

	// Second submission of a decided id
	w = request(t, s, "POST", "/v1/transactions", "u1", "", scenario)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already_decided")
}

func TestSubmitTransaction_RequestIDPropagated(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestAPI_RequiresIdentity(t *testing.T) {
	s := newTestServer(t)

	w := request(t, s, "POST", "/v1/transactions", "", "", scenario)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = request(t, s, "GET", "/ws", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutes_RequireAdminRole(t *testing.T) {
	s := newTestServer(t)

	w := request(t, s, "GET", "/v1/admin/decisions/summary", "u1", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(t, s, "GET", "/v1/admin/decisions/summary", "ops", "admin", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = request(t, s, "GET", "/v1/admin/stream/stats", "ops", "admin", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPM = 1
	cfg.RateLimitBurst = 1
	s, err := New(cfg, WithModel(fixedModel(0.15)))
	require.NoError(t, err)
	defer s.rateLimiter.Stop()

	w := request(t, s, "GET", "/v1/transactions", "u1", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = request(t, s, "GET", "/v1/transactions", "u1", "", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Buckets are per caller
	w = request(t, s, "GET", "/v1/transactions", "u2", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_RejectsPrivateWebhook(t *testing.T) {
	cfg := testConfig()
	cfg.NotifyWebhookURL = "http://127.0.0.1:9000/hook"

	_, err := New(cfg, WithModel(fixedModel(0.15)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOTIFY_WEBHOOK_URL")

	cfg.NotifyAllowPrivate = true
	s, err := New(cfg, WithModel(fixedModel(0.15)))
	require.NoError(t, err)
	assert.Equal(t, []string{"log", "webhook"}, s.dispatcher.Channels())
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := request(t, s, "GET", "/nonexistent", "", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:%2A%2A%2A@db:5432/fraud", maskDSN("postgres://app:secret@db:5432/fraud"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
