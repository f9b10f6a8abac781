package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/mbd888/fraudguard/internal/retry"
)

// Headers set on every webhook delivery.
const (
	HeaderEvent     = "X-Fraudguard-Event"
	HeaderDelivery  = "X-Fraudguard-Delivery"
	HeaderTimestamp = "X-Fraudguard-Timestamp"
	HeaderSignature = "X-Fraudguard-Signature"
)

// WebhookChannel POSTs messages as JSON, signed with HMAC-SHA256 when a
// secret is configured. The delivery id lets receivers drop duplicates.
type WebhookChannel struct {
	name   string
	url    string
	secret string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel. Timeouts come from the
// dispatcher's per-attempt context.
func NewWebhookChannel(name, url, secret string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookChannel{name: name, url: url, secret: secret, client: client}
}

func (w *WebhookChannel) Name() string { return w.name }

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, "decision."+strings.ToLower(string(msg.Decision)))
	req.Header.Set(HeaderDelivery, msg.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(msg.Timestamp.Unix(), 10))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected the message itself; resending will not help.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header value produced by Send.
func Verify(payload []byte, secret, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(Sign(payload, secret)))
}
