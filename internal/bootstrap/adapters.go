package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/adapters/reaper"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
	"github.com/target/mmk-orchestrator/internal/service"
)

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Metrics statsd.Sink
}

// NewReaperRunner wires the reaper against Postgres.
func NewReaperRunner(cfg ReaperConfig) (*reaper.Runner, error) {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: statsd.Tagged(cfg.Metrics, map[string]string{"service": "reaper"}),
	})
	if err != nil {
		return nil, fmt.Errorf("create reaper runner: %w", err)
	}
	return runner, nil
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := NewReaperRunner(cfg)
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

// RunSupervisor consumes every configured queue until ctx is cancelled.
func RunSupervisor(ctx context.Context, supervisor *service.WorkerSupervisor) error {
	if supervisor == nil {
		return fmt.Errorf("supervisor is not configured")
	}
	if err := supervisor.ProcessJobs(ctx); err != nil {
		return fmt.Errorf("process jobs: %w", err)
	}
	return nil
}
