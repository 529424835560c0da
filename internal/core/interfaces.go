package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.
// Service implementations should depend on these interfaces, not concrete implementations.

// JobRepository defines the interface for job data operations.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error)
	FindByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error)
	FindByType(ctx context.Context, jobType model.JobType) ([]*model.Job, error)
	FindByQueue(ctx context.Context, queue string) ([]*model.Job, error)
	FindByWorker(ctx context.Context, workerID string) ([]*model.Job, error)
	FindByUser(ctx context.Context, userID string) ([]*model.Job, error)
	FindRetryable(ctx context.Context) ([]*model.Job, error)

	// MarkStarted claims the job for workerID when its current status is one of from
	// (pending when from is empty). It returns false without error when nothing was claimed.
	MarkStarted(ctx context.Context, id, workerID string, from ...model.JobStatus) (bool, error)
	UpdateProgress(ctx context.Context, id string, progress int) error
	// MarkCompleted and MarkFailed only move a processing job; false means the job was
	// missing or already left processing.
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) (bool, error)
	MarkFailed(ctx context.Context, id, errMsg string) (bool, error)
	// MarkCancelled cancels a non-terminal job and reports whether anything changed.
	MarkCancelled(ctx context.Context, id string) (bool, error)
	// RetryFailed spends one retry and rewinds a failed job to pending atomically.
	RetryFailed(ctx context.Context, id string) (*model.Job, error)
	Update(ctx context.Context, id string, patch *model.JobPatch) (*model.Job, error)

	GetStats(ctx context.Context) (*model.JobStats, error)
	DeleteOldCompleted(ctx context.Context, olderThanDays int) (int64, error)
}

// JobResultRepository defines the interface for the append-only attempt history.
type JobResultRepository interface {
	Create(ctx context.Context, res *model.JobResult) (*model.JobResult, error)
	FindByJobID(ctx context.Context, jobID string) ([]*model.JobResult, error)
	FindLatestByJobID(ctx context.Context, jobID string) (*model.JobResult, error)
	FindByFilter(ctx context.Context, filter model.JobResultFilter) ([]*model.JobResult, error)
	GetAverageProcessingTime(ctx context.Context, jobID *string) (float64, error)
	GetStats(ctx context.Context, jobID *string) (*model.JobResultStats, error)
	DeleteOldResults(ctx context.Context, olderThanDays int) (int64, error)
	DeleteByJobID(ctx context.Context, jobID string) (int64, error)
}

// ResultRecorder persists the outcome of an attempt and mirrors it onto the job.
type ResultRecorder interface {
	SaveJobResultIntoJob(ctx context.Context, res *model.JobResult) error
}

// JobCanceller cancels a non-terminal job and reports whether anything changed.
type JobCanceller interface {
	CancelJob(ctx context.Context, id string) (bool, error)
}

// ReaperRepository defines the interface for retention and reconciliation operations.
type ReaperRepository interface {
	// FailStaleProcessing marks jobs stuck in processing longer than maxAge as failed.
	// Processes up to batchSize jobs per call to prevent long locks.
	FailStaleProcessing(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// DeleteOldCompleted deletes completed jobs finished more than olderThanDays ago.
	DeleteOldCompleted(ctx context.Context, olderThanDays int) (int64, error)

	// DeleteOldResults deletes attempt rows created more than olderThanDays ago.
	DeleteOldResults(ctx context.Context, olderThanDays int) (int64, error)
}
