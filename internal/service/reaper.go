package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/core"
	obserrors "github.com/target/mmk-orchestrator/internal/observability/errors"
	"github.com/target/mmk-orchestrator/internal/observability/metrics"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
)

// Sweep operations, also used as the "operation" metric tag.
const (
	OpFailStaleProcessing = "fail_stale_processing"
	OpDeleteCompleted     = "delete_completed"
	OpDeleteJobResults    = "delete_job_results"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo    core.ReaperRepository // Required
	Config  config.ReaperConfig
	Logger  *slog.Logger // Optional
	Metrics statsd.Sink  // Optional
}

// ReaperService runs the retention sweep over completed jobs and attempt history, plus the
// opt-in reconciliation of jobs stuck in processing.
type ReaperService struct {
	repo    core.ReaperRepository
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReaperService constructs a ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ReaperService{
		repo:    opts.Repo,
		config:  opts.Config,
		logger:  logger.With("component", "reaper"),
		metrics: opts.Metrics,
	}, nil
}

// SweepStep is the outcome of one operation in a sweep.
type SweepStep struct {
	Operation string
	Rows      int64
	Skipped   bool
	Err       error
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Steps   []SweepStep
	Elapsed time.Duration
}

// Rows returns the rows touched across all steps.
func (r *SweepReport) Rows() int64 {
	var n int64
	for _, s := range r.Steps {
		n += s.Rows
	}
	return n
}

// Err joins step errors, each prefixed with its operation.
func (r *SweepReport) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", stepLabel(s.Operation), s.Err))
		}
	}
	return errors.Join(errs...)
}

// Run sweeps once immediately, then every Interval plus up to 10% jitter, until ctx is done.
// Cancellation returns nil; a deadline returns ctx.Err().
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reaper",
		"interval", s.config.Interval,
		"processing_timeout", s.config.ProcessingTimeout,
		"completed_max_age_days", s.config.CompletedMaxAgeDays,
		"results_max_age_days", s.config.ResultsMaxAgeDays,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reaper stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-timer.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logSweepError(ctx, err)
			}
			timer.Reset(s.nextDelay())
		}
	}
}

func (s *ReaperService) nextDelay() time.Duration {
	interval := s.config.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	if spread := int64(interval / 10); spread > 0 {
		interval += time.Duration(rand.Int64N(spread))
	}
	return interval
}

// RunOnce performs a single sweep and returns its joined errors. When every failure is a context
// cancellation it returns context.Canceled.
func (s *ReaperService) RunOnce(ctx context.Context) error {
	report := s.Sweep(ctx)
	err := report.Err()
	if err == nil {
		return nil
	}
	if allCancelled(report) {
		return context.Canceled
	}
	return fmt.Errorf("cleanup failed: %w", err)
}

// Sweep runs every operation, continuing past failures, and emits reaper metrics.
func (s *ReaperService) Sweep(ctx context.Context) *SweepReport {
	start := time.Now()
	ops := []struct {
		name string
		run  func(context.Context) (int64, bool, error)
	}{
		{OpFailStaleProcessing, s.failStaleProcessing},
		{OpDeleteCompleted, s.deleteCompleted},
		{OpDeleteJobResults, s.deleteResults},
	}

	report := &SweepReport{Steps: make([]SweepStep, 0, len(ops))}
	for _, op := range ops {
		rows, skipped, err := op.run(ctx)
		report.Steps = append(report.Steps, SweepStep{Operation: op.name, Rows: rows, Skipped: skipped, Err: err})
		if err == nil && rows > 0 {
			s.logger.InfoContext(ctx, "reaper step removed rows", "operation", op.name, "rows", rows)
		}
	}
	report.Elapsed = time.Since(start)

	s.emit(report)
	return report
}

// failStaleProcessing is skipped unless ProcessingTimeout is set. It repeats full batches until a
// short one signals the backlog is drained.
func (s *ReaperService) failStaleProcessing(ctx context.Context) (int64, bool, error) {
	if s.config.ProcessingTimeout <= 0 {
		return 0, true, nil
	}
	var total int64
	for {
		n, err := s.repo.FailStaleProcessing(ctx, s.config.ProcessingTimeout, s.config.BatchSize)
		total += n
		if err != nil {
			return total, false, err
		}
		if n == 0 || n < int64(s.config.BatchSize) {
			return total, false, nil
		}
		if err := ctx.Err(); err != nil {
			return total, false, err
		}
	}
}

func (s *ReaperService) deleteCompleted(ctx context.Context) (int64, bool, error) {
	n, err := s.repo.DeleteOldCompleted(ctx, s.config.CompletedMaxAgeDays)
	return n, false, err
}

func (s *ReaperService) deleteResults(ctx context.Context) (int64, bool, error) {
	n, err := s.repo.DeleteOldResults(ctx, s.config.ResultsMaxAgeDays)
	return n, false, err
}

func (s *ReaperService) emit(report *SweepReport) {
	if s.metrics == nil {
		return
	}

	var firstErr error
	for _, step := range report.Steps {
		stepErr := ignoreCancellation(step.Err)
		if firstErr == nil {
			firstErr = stepErr
		}

		tags := map[string]string{"operation": step.Operation, "result": sweepResult(step.Rows, stepErr)}
		if stepErr != nil {
			tags["error_class"] = obserrors.Classify(stepErr)
		}
		s.metrics.Count("reaper.cleanup_operation", 1, tags)
		if stepErr == nil && step.Rows > 0 {
			s.metrics.Count("reaper.rows_processed", step.Rows, metrics.CloneTags(tags))
		}
	}

	tags := map[string]string{"result": sweepResult(report.Rows(), firstErr)}
	if firstErr != nil {
		tags["error_class"] = obserrors.Classify(firstErr)
	}
	s.metrics.Count("reaper.cleanup", 1, tags)
	if report.Elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", report.Elapsed, metrics.CloneTags(tags))
	}
	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func sweepResult(rows int64, err error) string {
	switch {
	case err != nil:
		return metrics.ResultError
	case rows == 0:
		return metrics.ResultNoop
	default:
		return metrics.ResultSuccess
	}
}

func (s *ReaperService) logSweepError(ctx context.Context, err error) {
	if isContextCancellation(err) {
		s.logger.DebugContext(ctx, "sweep cancelled", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, "sweep failed", "error", err)
}

func stepLabel(op string) string {
	switch op {
	case OpFailStaleProcessing:
		return "fail stale processing jobs"
	case OpDeleteCompleted:
		return "delete old completed jobs"
	case OpDeleteJobResults:
		return "delete old job results"
	}
	return op
}

func allCancelled(report *SweepReport) bool {
	for _, s := range report.Steps {
		if s.Err != nil && !isContextCancellation(s.Err) {
			return false
		}
	}
	return true
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func ignoreCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
