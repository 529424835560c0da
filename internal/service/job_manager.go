package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/data"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	apperrors "github.com/target/mmk-orchestrator/internal/errors"
	"github.com/target/mmk-orchestrator/internal/observability/metrics"
	"github.com/target/mmk-orchestrator/internal/observability/notify"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
	"github.com/target/mmk-orchestrator/internal/service/failurenotifier"
)

const jobStatsCacheKey = "jobs:stats"

// JobManagerOptions groups dependencies for JobManager.
type JobManagerOptions struct {
	Repo    core.JobRepository       // Required: job store
	Results core.JobResultRepository // Required: attempt history
	Broker  core.Broker              // Required: transport for new and retried jobs
	Cache   core.CacheRepository     // Optional: GetJobStats cache
	Metrics statsd.Sink              // Optional: metrics sink (StatsD-compatible)
	Logger  *slog.Logger             // Optional: structured logger
	Config  config.JobsConfig
	NewID   func() string // Optional: id generator, defaults to UUID v4

	FailureNotifier *failurenotifier.Service // Optional: failure notification fan-out
}

// JobManager is the orchestration façade over the job store, result store and broker.
//
// A job row is always written before its message is published, so a consumer never
// sees a message for a job that does not exist. A crash between the two leaves a
// pending job with no message.
type JobManager struct {
	repo    core.JobRepository
	results core.JobResultRepository
	broker  core.Broker
	cache   core.CacheRepository
	metrics statsd.Sink
	logger  *slog.Logger
	config  config.JobsConfig
	newID   func() string

	failureNotifier *failurenotifier.Service
}

var _ core.ResultRecorder = (*JobManager)(nil)

// NewJobManager constructs a new JobManager.
func NewJobManager(opts JobManagerOptions) (*JobManager, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Results == nil {
		return nil, errors.New("JobResultRepository is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	return &JobManager{
		repo:    opts.Repo,
		results: opts.Results,
		broker:  opts.Broker,
		cache:   opts.Cache,
		metrics: opts.Metrics,
		logger:  logger.With("component", "job_manager"),
		config:  opts.Config,
		newID:   newID,

		failureNotifier: opts.FailureNotifier,
	}, nil
}

// AddJob validates the request, persists a pending job and publishes it to the queue for its type.
func (m *JobManager) AddJob(ctx context.Context, req model.AddJobRequest) (*model.Job, error) {
	if !req.Type.Valid() {
		return nil, apperrors.ValidationField("type", "job type is required")
	}
	if err := validateDocument(req.Payload); err != nil {
		return nil, apperrors.ValidationField("payload", err.Error())
	}
	if req.Priority < 0 || req.Priority > model.MaxPriority {
		return nil, apperrors.ValidationField("priority", fmt.Sprintf("priority must be between 0 and %d", model.MaxPriority))
	}

	maxRetries := m.config.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		return nil, apperrors.ValidationField("maxRetries", "max retries must be >= 0")
	}

	var metadata json.RawMessage
	if len(req.RelatedIDs) > 0 {
		b, err := json.Marshal(map[string][]string{"related_ids": req.RelatedIDs})
		if err != nil {
			return nil, fmt.Errorf("encode related ids: %w", err)
		}
		metadata = b
	}

	job, err := m.repo.Create(ctx, &model.CreateJobRequest{
		ID:          m.newID(),
		Type:        req.Type,
		Status:      model.JobStatusPending,
		QueueName:   model.QueueForType(req.Type),
		UserID:      req.UserID,
		Description: req.Description,
		Payload:     req.Payload,
		Metadata:    metadata,
		Priority:    req.Priority,
		MaxRetries:  maxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	m.emit(job.Type, metrics.TransitionCreated, nil)
	m.invalidateStats(ctx)

	if err := m.publish(ctx, job); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "job added", "job_id", job.ID, "type", job.Type, "queue", job.QueueName)
	return job, nil
}

// validateDocument accepts JSON objects and arrays only.
func validateDocument(doc json.RawMessage) error {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 {
		return errors.New("payload is required")
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return errors.New("payload must be a JSON object or array")
	}
	if !json.Valid(trimmed) {
		return errors.New("payload is not valid JSON")
	}
	return nil
}

func (m *JobManager) publish(ctx context.Context, job *model.Job) error {
	msg := model.QueueMessage{JobID: job.ID, Type: job.Type, Payload: job.Payload}
	accepted, err := m.broker.Publish(ctx, job.QueueName, msg, core.PublishOptions{
		Persistent: m.config.Persistent,
		Priority:   uint8(job.Priority), //nolint:gosec // bounded by model.MaxPriority
		Expiration: m.config.MessageTTL,
		MessageID:  job.ID,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "publish failed, job left pending", "job_id", job.ID, "queue", job.QueueName, "error", err)
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	if !accepted {
		m.logger.WarnContext(ctx, "broker applied back-pressure", "job_id", job.ID, "queue", job.QueueName)
	}
	return nil
}

// UpdateJob applies a field patch. A status of "restart" forks a new job from the original's type
// and payload and returns the new job; the original record is left as is.
func (m *JobManager) UpdateJob(ctx context.Context, id string, patch *model.JobPatch) (*model.Job, error) {
	if patch.Empty() {
		return nil, apperrors.Validation("no fields to update")
	}
	if patch.Status != nil {
		if *patch.Status == model.JobStatusRestart {
			return m.restartJob(ctx, id)
		}
		if !patch.Status.Valid() {
			return nil, apperrors.ValidationField("status", fmt.Sprintf("invalid job status %q", *patch.Status))
		}
	}
	if patch.Progress != nil {
		p := model.ClampProgress(*patch.Progress)
		patch.Progress = &p
	}

	job, err := m.repo.Update(ctx, id, patch)
	if err != nil {
		return nil, m.mapJobErr(id, "update job", err)
	}
	m.invalidateStats(ctx)
	return job, nil
}

func (m *JobManager) restartJob(ctx context.Context, id string) (*model.Job, error) {
	orig, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, m.mapJobErr(id, "get job", err)
	}

	metadata, err := withRestartedFrom(orig.Metadata, orig.ID)
	if err != nil {
		return nil, fmt.Errorf("build restart metadata: %w", err)
	}

	job, err := m.repo.Create(ctx, &model.CreateJobRequest{
		ID:          m.newID(),
		Type:        orig.Type,
		Status:      model.JobStatusPending,
		QueueName:   model.QueueForType(orig.Type),
		UserID:      orig.UserID,
		Description: orig.Description,
		Payload:     orig.Payload,
		Metadata:    metadata,
		Priority:    orig.Priority,
		MaxRetries:  orig.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("create restarted job: %w", err)
	}
	m.emit(job.Type, metrics.TransitionRestarted, nil)
	m.invalidateStats(ctx)

	if err := m.publish(ctx, job); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "job restarted", "job_id", job.ID, "restarted_from", orig.ID)
	return job, nil
}

// withRestartedFrom adds restarted_from to an object metadata document, replacing non-object metadata.
func withRestartedFrom(meta json.RawMessage, origID string) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &fields); err != nil || fields == nil {
			fields = map[string]any{}
		}
	}
	fields["restarted_from"] = origID
	return json.Marshal(fields)
}

// RetryJob resets a failed job with remaining budget to pending and republishes it under the same id.
func (m *JobManager) RetryJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, m.mapJobErr(id, "get job", err)
	}
	if job.Status != model.JobStatusFailed {
		return nil, apperrors.Validation("job is not in failed state")
	}
	if job.Retries >= job.MaxRetries {
		return nil, apperrors.Validationf("maximum retry attempts (%d) reached", job.MaxRetries)
	}

	reset, err := m.repo.RetryFailed(ctx, id)
	if err != nil {
		if errors.Is(err, data.ErrRetryBudgetExhausted) {
			return nil, apperrors.Validationf("maximum retry attempts (%d) reached", job.MaxRetries)
		}
		return nil, m.mapJobErr(id, "retry job", err)
	}
	m.emit(reset.Type, metrics.TransitionRetried, nil)
	m.invalidateStats(ctx)

	if err := m.publish(ctx, reset); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "job retried", "job_id", id, "retries", reset.Retries, "max_retries", reset.MaxRetries)
	return reset, nil
}

// SaveJobResultIntoJob records an attempt and mirrors its outcome onto the job.
func (m *JobManager) SaveJobResultIntoJob(ctx context.Context, res *model.JobResult) error {
	if res == nil {
		return apperrors.Validation("job result is required")
	}
	if res.JobID == "" {
		return apperrors.ValidationField("jobId", "job id is required")
	}
	if !res.Status.Terminal() {
		return apperrors.ValidationField("status", fmt.Sprintf("result status %q is not terminal", res.Status))
	}

	saved, err := m.results.Create(ctx, res)
	if err != nil {
		return fmt.Errorf("save result for job %s: %w", res.JobID, err)
	}

	var mirrored bool
	switch saved.Status {
	case model.JobStatusCompleted:
		mirrored, err = m.repo.MarkCompleted(ctx, saved.JobID, saved.Result)
	case model.JobStatusFailed:
		msg := "job failed"
		if saved.Error != nil && *saved.Error != "" {
			msg = *saved.Error
		}
		mirrored, err = m.repo.MarkFailed(ctx, saved.JobID, msg)
	default:
		mirrored, err = m.repo.MarkCancelled(ctx, saved.JobID)
	}
	if err != nil {
		return m.mapJobErr(saved.JobID, "mirror result onto job", err)
	}
	if !mirrored {
		// The attempt row is kept; the job already left processing (cancelled or swept).
		m.logger.InfoContext(ctx, "job no longer processing, result not mirrored",
			"job_id", saved.JobID, "status", saved.Status)
		return nil
	}

	m.invalidateStats(ctx)
	m.logger.DebugContext(ctx, "job result saved", "job_id", saved.JobID, "status", saved.Status,
		"processing_ms", saved.ProcessingTime)

	if saved.Status == model.JobStatusFailed {
		m.notifyFailure(ctx, saved)
	}
	return nil
}

// notifyFailure sends the failed attempt to the failure notifier. The job is reloaded so the
// payload carries its queue, worker and remaining retry budget.
func (m *JobManager) notifyFailure(ctx context.Context, res *model.JobResult) {
	if !m.failureNotifier.Enabled() {
		return
	}

	payload := notify.JobFailurePayload{
		JobID:      res.JobID,
		Error:      "job failed",
		OccurredAt: res.CreatedAt,
		Metadata:   map[string]string{"processing_ms": strconv.FormatInt(res.ProcessingTime, 10)},
	}
	if res.Error != nil && *res.Error != "" {
		payload.Error = *res.Error
	}
	payload.ErrorClass = errorClassOf(res.Metadata)

	job, err := m.repo.GetByID(ctx, res.JobID)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to load job for failure notification", "job_id", res.JobID, "error", err)
	} else {
		payload.JobType = string(job.Type)
		payload.Queue = job.QueueName
		payload.Retries = job.Retries
		payload.MaxRetries = job.MaxRetries
		payload.Retryable = job.CanRetry()
		if job.WorkerID != nil {
			payload.WorkerID = *job.WorkerID
		}
		payload.Metadata["priority"] = strconv.Itoa(job.Priority)
	}

	m.failureNotifier.NotifyJobFailure(ctx, payload)
}

func errorClassOf(meta json.RawMessage) string {
	if len(meta) == 0 {
		return ""
	}
	var fields struct {
		ErrorClass string `json:"error_class"`
	}
	if err := json.Unmarshal(meta, &fields); err != nil {
		return ""
	}
	return fields.ErrorClass
}

// CancelJob marks a non-terminal job cancelled. It reports whether anything changed.
func (m *JobManager) CancelJob(ctx context.Context, id string) (bool, error) {
	changed, err := m.repo.MarkCancelled(ctx, id)
	if err != nil {
		return false, m.mapJobErr(id, "cancel job", err)
	}
	if changed {
		m.invalidateStats(ctx)
	}
	return changed, nil
}

// GetJob returns a job by id.
func (m *JobManager) GetJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, m.mapJobErr(id, "get job", err)
	}
	return job, nil
}

// ListJobs returns jobs matching opts, newest first.
func (m *JobManager) ListJobs(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
	jobs, err := m.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ListRetryable returns failed jobs with retry budget left, oldest first.
func (m *JobManager) ListRetryable(ctx context.Context) ([]*model.Job, error) {
	jobs, err := m.repo.FindRetryable(ctx)
	if err != nil {
		return nil, fmt.Errorf("find retryable jobs: %w", err)
	}
	return jobs, nil
}

// GetJobResults returns every recorded attempt for a job, newest first.
func (m *JobManager) GetJobResults(ctx context.Context, id string) ([]*model.JobResult, error) {
	results, err := m.results.FindByJobID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get results for job %s: %w", id, err)
	}
	return results, nil
}

// GetLatestJobResult returns the most recent attempt for a job.
func (m *JobManager) GetLatestJobResult(ctx context.Context, id string) (*model.JobResult, error) {
	res, err := m.results.FindLatestByJobID(ctx, id)
	if err != nil {
		if errors.Is(err, data.ErrJobResultsNotFound) {
			return nil, apperrors.NotFoundf("no results for job %s", id)
		}
		return nil, fmt.Errorf("get latest result for job %s: %w", id, err)
	}
	return res, nil
}

// GetJobResultStats summarises attempts, optionally for one job.
func (m *JobManager) GetJobResultStats(ctx context.Context, jobID *string) (*model.JobResultStats, error) {
	stats, err := m.results.GetStats(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get result stats: %w", err)
	}
	return stats, nil
}

// GetJobStats returns per-status job counts, served from the cache when one is configured.
func (m *JobManager) GetJobStats(ctx context.Context) (*model.JobStats, error) {
	if stats := m.cachedStats(ctx); stats != nil {
		return stats, nil
	}

	stats, err := m.repo.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}

	if m.statsCacheEnabled() {
		if b, mErr := json.Marshal(stats); mErr == nil {
			if sErr := m.cache.Set(ctx, jobStatsCacheKey, b, m.config.StatsCacheTTL); sErr != nil {
				m.logger.WarnContext(ctx, "cache job stats failed", "error", sErr)
			}
		}
	}
	return stats, nil
}

func (m *JobManager) statsCacheEnabled() bool {
	return m.cache != nil && m.config.StatsCacheTTL > 0
}

func (m *JobManager) cachedStats(ctx context.Context) *model.JobStats {
	if !m.statsCacheEnabled() {
		return nil
	}
	b, err := m.cache.Get(ctx, jobStatsCacheKey)
	if err != nil {
		m.logger.WarnContext(ctx, "read cached job stats failed", "error", err)
		return nil
	}
	if b == nil {
		return nil
	}
	var stats model.JobStats
	if err := json.Unmarshal(b, &stats); err != nil {
		return nil
	}
	return &stats
}

func (m *JobManager) invalidateStats(ctx context.Context) {
	if !m.statsCacheEnabled() {
		return
	}
	if _, err := m.cache.Delete(ctx, jobStatsCacheKey); err != nil {
		m.logger.WarnContext(ctx, "invalidate job stats cache failed", "error", err)
	}
}

// PingBroker reports whether the broker connection is usable. It never returns an error.
func (m *JobManager) PingBroker(ctx context.Context) bool {
	if err := m.broker.Connect(ctx); err != nil {
		m.logger.WarnContext(ctx, "broker ping failed", "error", err)
		return false
	}
	return true
}

func (m *JobManager) emit(jobType model.JobType, transition string, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.EmitJobLifecycle(m.metrics, metrics.JobMetric{
		JobType:    string(jobType),
		Transition: transition,
		Result:     result,
		Err:        err,
	})
}

func (m *JobManager) mapJobErr(id, op string, err error) error {
	if errors.Is(err, data.ErrJobNotFound) {
		return apperrors.NotFoundf("job %s not found", id)
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}
