package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPModel_Score(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var f Features
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f))
		assert.Equal(t, "retail", f.MerchantCategory)
		_, _ = w.Write([]byte(`{"fraud_probability": 0.95}`))
	}))
	defer srv.Close()

	p, err := NewHTTPModel(srv.URL, nil).Score(context.Background(), Features{MerchantCategory: "retail"})
	require.NoError(t, err)
	assert.Equal(t, 0.95, p)
}

func TestHTTPModel_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"server error", http.StatusInternalServerError, `oops`, "status 500"},
		{"bad json", http.StatusOK, `not json`, "decode"},
		{"missing field", http.StatusOK, `{}`, "missing fraud_probability"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPModel(srv.URL, nil).Score(context.Background(), Features{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHTTPModel_SlowServerFallsBackThroughClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(NewHTTPModel(srv.URL, srv.Client()), WithTimeout(20*time.Millisecond), WithLogger(quietLogger()))
	_, err := c.Score(context.Background(), Features{})
	assert.ErrorIs(t, err, ErrUnavailable)
}
