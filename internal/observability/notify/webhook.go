package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds one webhook request when the caller sets none.
	DefaultTimeout = 5 * time.Second

	retryStep = 200 * time.Millisecond
)

// Webhook posts JSON documents to a single endpoint with linear-backoff retries.
type Webhook struct {
	URL        string
	Name       string // used in error messages, e.g. "slack"
	RetryLimit int
	Client     *http.Client
}

// NewHTTPClient returns a client with timeout, or DefaultTimeout when timeout is not positive.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// PostJSON encodes doc and delivers it, retrying up to RetryLimit times.
func (w Webhook) PostJSON(ctx context.Context, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", w.Name, err)
	}

	client := w.Client
	if client == nil {
		client = NewHTTPClient(0)
	}

	attempts := max(w.RetryLimit, 0) + 1
	var lastErr error
	for attempt := range attempts {
		if lastErr = w.post(ctx, client, body); lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(time.Duration(attempt+1) * retryStep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (w Webhook) post(ctx context.Context, client *http.Client, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", w.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", w.Name, err)
	}

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	closeErr := resp.Body.Close()
	if readErr != nil {
		return errors.Join(fmt.Errorf("read %s response: %w", w.Name, readErr), closeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close response body: %w", closeErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s webhook %s: %s", w.Name, resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Fallback returns value, or fallback when value is blank.
func Fallback(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
