package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPModel calls a remote scoring endpoint. The request body is the JSON
// Features; the response must be {"fraud_probability": p}.
type HTTPModel struct {
	url    string
	client *http.Client
}

// NewHTTPModel creates a model backed by url. Timeouts come from the
// caller's context, so the http.Client carries none of its own.
func NewHTTPModel(url string, client *http.Client) *HTTPModel {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPModel{url: url, client: client}
}

type scoreResponse struct {
	FraudProbability *float64 `json:"fraud_probability"`
}

func (m *HTTPModel) Score(ctx context.Context, f Features) (float64, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("scorer returned status %d", resp.StatusCode)
	}

	var out scoreResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode scorer response: %w", err)
	}
	if out.FraudProbability == nil {
		return 0, fmt.Errorf("scorer response missing fraud_probability")
	}
	return *out.FraudProbability, nil
}
