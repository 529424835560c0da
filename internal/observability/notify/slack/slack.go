// Package slack delivers job failure notifications to a Slack incoming webhook.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/target/mmk-orchestrator/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// JobURLPrefix, when set, turns the job id into a link (prefix + "/" + id).
	JobURLPrefix string
}

// Client delivers job failure notifications to a Slack webhook.
type Client struct {
	hook         notify.Webhook
	channel      string
	username     string
	jobURLPrefix string
}

var _ notify.Sink = (*Client)(nil)

// NewClient builds a Slack webhook client.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	hc := cfg.Client
	if hc == nil {
		hc = notify.NewHTTPClient(cfg.Timeout)
	}

	return &Client{
		hook: notify.Webhook{
			URL:        webhookURL,
			Name:       "slack",
			RetryLimit: cfg.RetryLimit,
			Client:     hc,
		},
		channel:      strings.TrimSpace(cfg.Channel),
		username:     notify.Fallback(strings.TrimSpace(cfg.Username), "orchestrator"),
		jobURLPrefix: strings.TrimSpace(cfg.JobURLPrefix),
	}, nil
}

// SendJobFailure posts a formatted message to Slack.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	return c.hook.PostJSON(ctx, c.formatMessage(payload))
}

func (c *Client) formatMessage(payload notify.JobFailurePayload) map[string]any {
	occurred := payload.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	var text strings.Builder
	text.WriteString("*Job failure*")
	if id := c.jobRef(payload.JobID); id != "" {
		text.WriteString(" ")
		text.WriteString(id)
	}
	if payload.JobType != "" {
		fmt.Fprintf(&text, " (%s)", escape(payload.JobType))
	}
	text.WriteByte('\n')

	field(&text, "Severity", notify.Fallback(payload.Severity, notify.SeverityCritical))
	field(&text, "Queue", payload.Queue)
	field(&text, "Worker", payload.WorkerID)
	field(&text, "Attempts", attempts(payload))
	field(&text, "Error class", payload.ErrorClass)
	field(&text, "Error", payload.Error)
	metadata(&text, payload.Metadata)
	field(&text, "Timestamp", occurred.UTC().Format(time.RFC3339))

	msg := map[string]any{
		"text":     strings.TrimRight(text.String(), "\n"),
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

func attempts(payload notify.JobFailurePayload) string {
	if payload.MaxRetries <= 0 && payload.Retries <= 0 {
		return ""
	}
	s := strconv.Itoa(payload.Retries) + "/" + strconv.Itoa(payload.MaxRetries) + " retries used"
	if payload.Retryable {
		s += ", will retry"
	}
	return s
}

// jobRef renders the job id, linked when a URL prefix is configured.
func (c *Client) jobRef(jobID string) string {
	id := escape(strings.TrimSpace(jobID))
	if id == "" {
		return ""
	}
	if c.jobURLPrefix == "" {
		return "`" + id + "`"
	}
	u, err := url.Parse(c.jobURLPrefix)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "`" + id + "`"
	}
	link, err := url.JoinPath(u.String(), strings.TrimSpace(jobID))
	if err != nil {
		return "`" + id + "`"
	}
	return fmt.Sprintf("<%s|%s>", link, id)
}

func escape(value string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(value)
}

func field(text *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	fmt.Fprintf(text, "• %s: %s\n", label, escape(value))
}

func metadata(text *strings.Builder, md map[string]string) {
	if len(md) == 0 {
		return
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	text.WriteString("• Metadata:\n")
	for _, k := range keys {
		fmt.Fprintf(text, "    • %s: %s\n", escape(k), escape(md[k]))
	}
}
