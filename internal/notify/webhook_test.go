package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/retry"
)

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"transaction_id":"txn_1"}`)
	sig := Sign(payload, "secret")
	assert.Len(t, sig, 64)
	assert.NotEqual(t, sig, Sign(payload, "other"))

	assert.True(t, Verify(payload, "secret", "sha256="+sig))
	assert.False(t, Verify(payload, "other", "sha256="+sig))
	assert.False(t, Verify(payload, "secret", sig))
}

func TestWebhookChannel_SendsSignedJSON(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("ops", srv.URL, "s3cret", srv.Client())
	msg := NewMessage(holdRecord())
	require.NoError(t, ch.Send(context.Background(), msg))

	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "decision.hold", gotHeader.Get(HeaderEvent))
	assert.Equal(t, msg.ID, gotHeader.Get(HeaderDelivery))
	assert.Equal(t, "1705314600", gotHeader.Get(HeaderTimestamp))
	assert.True(t, Verify(gotBody, "s3cret", gotHeader.Get(HeaderSignature)))

	var decoded Message
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "txn_1", decoded.TransactionID)
	assert.Equal(t, decision.Hold, decoded.Decision)
	assert.Equal(t, msg.Timestamp, decoded.Timestamp)
}

func TestWebhookChannel_NoSecretNoSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(HeaderSignature))
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookChannel("x", srv.URL, "", nil).Send(context.Background(), NewMessage(holdRecord())))
}

func TestWebhookChannel_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewWebhookChannel("x", srv.URL, "", nil).Send(context.Background(), NewMessage(holdRecord()))
			require.Error(t, err)
			var pe *retry.PermanentError
			assert.Equal(t, tt.permanent, errors.As(err, &pe))
		})
	}
}

func TestDispatcher_WebhookRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := fastDispatcher([]Route{{Channel: NewWebhookChannel("ops", srv.URL, "", srv.Client())}})
	require.NoError(t, d.Dispatch(context.Background(), holdRecord()))
	assert.Equal(t, int32(3), hits.Load())
}
