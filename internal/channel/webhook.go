package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Webhook POSTs each message as JSON to a provider endpoint.
type Webhook struct {
	url     string
	method  string
	headers map[string]string
	client  *http.Client
}

func NewWebhook(d Definition) (*Webhook, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("channel %s: url is required", d.ID)
	}
	method := d.Method
	if method == "" {
		method = http.MethodPost
	}
	return &Webhook{
		url:     d.URL,
		method:  method,
		headers: d.Headers,
		client:  &http.Client{Timeout: d.timeout()},
	}, nil
}

func (h *Webhook) Send(ctx context.Context, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, h.method, h.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
