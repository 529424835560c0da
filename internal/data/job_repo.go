package data

import (
	"database/sql"
	"log/slog"
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
	// ListLimit caps List when the caller passes no limit.
	ListLimit int
	// PageSize is the batch size the Find* helpers page through results with.
	PageSize int
}

// JobRepo provides database operations for job management.
type JobRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       logger.With("component", "job_repo"),
	}
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (r *JobRepo) listLimit(requested int) int {
	switch {
	case requested > maxListLimit:
		return maxListLimit
	case requested > 0:
		return requested
	case r.cfg.ListLimit > 0:
		return r.cfg.ListLimit
	default:
		return defaultListLimit
	}
}

func (r *JobRepo) pageSize() int {
	if r.cfg.PageSize > 0 && r.cfg.PageSize <= maxListLimit {
		return r.cfg.PageSize
	}
	return maxListLimit
}

const jobColumns = `
  id,
  type,
  status,
  queue_name,
  worker_id,
  user_id,
  description,
  payload,
  result,
  metadata,
  error,
  priority,
  retries,
  max_retries,
  progress,
  started_at,
  finished_at,
  created_at,
  updated_at
`
