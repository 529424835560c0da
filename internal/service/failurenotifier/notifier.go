// Package failurenotifier fans job failure events out to the configured notification sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"

	"github.com/target/mmk-orchestrator/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// IncludeRetryable also notifies on failures that will be retried.
	// By default only failures with no retry budget left are sent.
	IncludeRetryable bool
}

// Service dispatches failure events to all registered sinks.
type Service struct {
	logger           *slog.Logger
	sinks            []SinkRegistration
	includeRetryable bool
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "failure_notifier")
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		if entry.Name == "" {
			entry.Name = "sink"
		}
		sinks = append(sinks, entry)
	}

	return &Service{
		logger:           logger,
		sinks:            sinks,
		includeRetryable: opts.IncludeRetryable,
	}
}

// NotifyJobFailure fans the payload out to every sink and waits for them.
// Delivery errors are logged, never returned.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if s == nil || len(s.sinks) == 0 {
		return
	}

	if payload.Retryable && !s.includeRetryable {
		s.logger.DebugContext(ctx, "skipping notification for retryable failure",
			"job_id", payload.JobID,
			"retries", payload.Retries,
			"max_retries", payload.MaxRetries,
		)
		return
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
		if payload.Retryable {
			payload.Severity = notify.SeverityWarning
		}
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendJobFailure(ctx, payload); err != nil {
				s.logger.ErrorContext(ctx, "failure notifier delivery error",
					"sink", entry.Name,
					"job_id", payload.JobID,
					"job_type", payload.JobType,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}
