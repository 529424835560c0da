// Package pagerduty raises job failure incidents through the PagerDuty Events API v2.
package pagerduty

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/target/mmk-orchestrator/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

const defaultName = "orchestrator"

// Config captures runtime configuration for the PagerDuty sink.
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	Endpoint   string // Optional: defaults to APIEndpoint
}

// Client publishes events via PagerDuty's Events API v2.
type Client struct {
	hook       notify.Webhook
	routingKey string
	source     string
	component  string
}

var _ notify.Sink = (*Client)(nil)

// NewClient constructs a PagerDuty events client. A routing key is required.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}

	hc := cfg.Client
	if hc == nil {
		hc = notify.NewHTTPClient(cfg.Timeout)
	}

	return &Client{
		hook: notify.Webhook{
			URL:        notify.Fallback(strings.TrimSpace(cfg.Endpoint), APIEndpoint),
			Name:       "pagerduty",
			RetryLimit: cfg.RetryLimit,
			Client:     hc,
		},
		routingKey: key,
		source:     notify.Fallback(strings.TrimSpace(cfg.Source), defaultName),
		component:  notify.Fallback(strings.TrimSpace(cfg.Component), defaultName),
	}, nil
}

// SendJobFailure submits a trigger event to PagerDuty.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	return c.hook.PostJSON(ctx, c.buildEvent(payload))
}

func (c *Client) buildEvent(payload notify.JobFailurePayload) map[string]any {
	severity := strings.ToLower(notify.Fallback(payload.Severity, notify.SeverityCritical))

	occurredAt := payload.OccurredAt.UTC()
	if payload.OccurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	custom := map[string]any{
		"job_id":      payload.JobID,
		"job_type":    payload.JobType,
		"queue":       payload.Queue,
		"worker_id":   payload.WorkerID,
		"retries":     strconv.Itoa(payload.Retries),
		"max_retries": strconv.Itoa(payload.MaxRetries),
		"retryable":   strconv.FormatBool(payload.Retryable),
		"error":       payload.Error,
		"error_class": payload.ErrorClass,
	}
	for k, v := range payload.Metadata {
		if _, exists := custom[k]; !exists {
			custom[k] = v
		}
	}

	// One incident per job: retries of the same job update it rather than open new ones.
	dedupKey := strings.Trim(payload.JobType+":"+payload.JobID, ":")

	return map[string]any{
		"routing_key":  c.routingKey,
		"event_action": "trigger",
		"dedup_key":    dedupKey,
		"payload": map[string]any{
			"summary": fmt.Sprintf("Job %s (%s) failed",
				notify.Fallback(payload.JobID, "unknown"),
				notify.Fallback(payload.JobType, "unknown"),
			),
			"severity":       severity,
			"source":         c.source,
			"component":      c.component,
			"group":          payload.Queue,
			"timestamp":      occurredAt.Format(time.RFC3339),
			"custom_details": custom,
		},
	}
}
