// Package redis holds the Redis-backed adapters.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultCancelChannel is the pub/sub channel used when none is configured.
const DefaultCancelChannel = "orchestrator:job-stop"

// CancelBusOptions configures a CancelBus.
type CancelBusOptions struct {
	Client  redis.UniversalClient // Required
	Channel string                // Optional: defaults to DefaultCancelChannel
	Logger  *slog.Logger          // Optional
}

// CancelBus fans job stop requests out to every supervisor over Redis pub/sub.
type CancelBus struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

type stopMessage struct {
	JobID string `json:"jobId"`
}

// NewCancelBus constructs a CancelBus.
func NewCancelBus(opts CancelBusOptions) (*CancelBus, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	channel := opts.Channel
	if channel == "" {
		channel = DefaultCancelChannel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CancelBus{
		client:  opts.Client,
		channel: channel,
		logger:  logger.With("component", "cancel_bus", "channel", channel),
	}, nil
}

// PublishStop announces that jobID should be stopped wherever it runs.
func (b *CancelBus) PublishStop(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("job id is required")
	}
	payload, err := json.Marshal(stopMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal stop: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe invokes fn for each stop request until ctx is cancelled.
func (b *CancelBus) Subscribe(ctx context.Context, fn func(ctx context.Context, jobID string)) error {
	if fn == nil {
		return errors.New("stop handler is required")
	}
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() {
		if err := sub.Close(); err != nil {
			b.logger.Debug("close subscription", "error", err)
		}
	}()

	// Wait for the subscription confirmation so a failed connection surfaces here.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("redis subscription closed")
			}
			jobID, err := parseStop(msg.Payload)
			if err != nil {
				b.logger.WarnContext(ctx, "discarding stop message", "error", err)
				continue
			}
			fn(ctx, jobID)
		}
	}
}

func parseStop(payload string) (string, error) {
	var m stopMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return "", fmt.Errorf("decode stop: %w", err)
	}
	if m.JobID == "" {
		return "", errors.New("stop message missing jobId")
	}
	return m.JobID, nil
}
