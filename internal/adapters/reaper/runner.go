// Package reaper binds the retention sweep to the Postgres job and result stores.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/data"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
	"github.com/target/mmk-orchestrator/internal/service"
)

// RunnerOptions holds the dependencies for creating a Runner. Either DB or Repo is required.
type RunnerOptions struct {
	DB      *sql.DB
	Repo    core.ReaperRepository // Optional: overrides the stores built from DB
	Config  config.ReaperConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// Runner drives a ReaperService, either as a long-running loop or as a single sweep.
type Runner struct {
	svc *service.ReaperService
}

// NewRunner wires the reaper service.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	repo := opts.Repo
	if repo == nil {
		if opts.DB == nil {
			return nil, errors.New("database connection is required")
		}
		repo = storeRepo{
			jobs:    data.NewJobRepo(opts.DB, data.RepoConfig{}),
			results: data.NewJobResultRepo(opts.DB, nil),
		}
	}

	svc, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:    repo,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}
	return &Runner{svc: svc}, nil
}

// Run loops until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	return r.svc.Run(ctx)
}

// RunOnce performs a single sweep.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.svc.RunOnce(ctx)
}

// Sweep performs a single sweep and returns the per-operation report.
func (r *Runner) Sweep(ctx context.Context) *service.SweepReport {
	return r.svc.Sweep(ctx)
}

// storeRepo splits ReaperRepository across the job and result stores.
type storeRepo struct {
	jobs    *data.JobRepo
	results *data.JobResultRepo
}

func (s storeRepo) FailStaleProcessing(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return s.jobs.FailStaleProcessing(ctx, maxAge, batchSize)
}

func (s storeRepo) DeleteOldCompleted(ctx context.Context, olderThanDays int) (int64, error) {
	return s.jobs.DeleteOldCompleted(ctx, olderThanDays)
}

func (s storeRepo) DeleteOldResults(ctx context.Context, olderThanDays int) (int64, error) {
	return s.results.DeleteOldResults(ctx, olderThanDays)
}
