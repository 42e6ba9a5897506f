package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultHTTPTimeout bounds a single step when the caller's context has no
// deadline.
const DefaultHTTPTimeout = 60 * time.Second

// HTTPCapability invokes a remote service that accepts a JSON Request and
// answers with a JSON Outcome.
type HTTPCapability struct {
	url    string
	client *http.Client
}

// NewHTTPCapability creates a capability backed by the endpoint at url. A nil
// client gets one with DefaultHTTPTimeout.
func NewHTTPCapability(url string, client *http.Client) *HTTPCapability {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &HTTPCapability{url: url, client: client}
}

// Invoke posts req and decodes the outcome. Non-2xx responses are errors.
func (c *HTTPCapability) Invoke(ctx context.Context, req Request) (Outcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Outcome{}, fmt.Errorf("invoke %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Outcome{}, fmt.Errorf("invoke %s: status %d: %s", c.url, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	return out, nil
}
