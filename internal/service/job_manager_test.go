package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/data"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	apperrors "github.com/target/mmk-orchestrator/internal/errors"
	"github.com/target/mmk-orchestrator/internal/mocks"
	"github.com/target/mmk-orchestrator/internal/observability/notify"
	"github.com/target/mmk-orchestrator/internal/service/failurenotifier"
	"go.uber.org/mock/gomock"
)

type jobManagerDeps struct {
	repo    *mocks.MockJobRepository
	results *mocks.MockJobResultRepository
	broker  *mocks.MockBroker
	cache   *mocks.MockCacheRepository
}

func newTestJobManager(t *testing.T, withCache bool) (*JobManager, jobManagerDeps) {
	t.Helper()
	ctrl := gomock.NewController(t)
	deps := jobManagerDeps{
		repo:    mocks.NewMockJobRepository(ctrl),
		results: mocks.NewMockJobResultRepository(ctrl),
		broker:  mocks.NewMockBroker(ctrl),
	}
	opts := JobManagerOptions{
		Repo:    deps.repo,
		Results: deps.results,
		Broker:  deps.broker,
		Config:  config.JobsConfig{DefaultMaxRetries: 3, Persistent: true},
		NewID:   func() string { return "job-1" },
	}
	if withCache {
		deps.cache = mocks.NewMockCacheRepository(ctrl)
		opts.Cache = deps.cache
		opts.Config.StatsCacheTTL = time.Minute
	}
	m, err := NewJobManager(opts)
	require.NoError(t, err)
	return m, deps
}

// jobFromRequest mirrors what the store returns for a freshly inserted job.
func jobFromRequest(req *model.CreateJobRequest) *model.Job {
	return &model.Job{
		ID:          req.ID,
		Type:        req.Type,
		Status:      req.Status,
		QueueName:   req.QueueName,
		UserID:      req.UserID,
		Description: req.Description,
		Payload:     req.Payload,
		Metadata:    req.Metadata,
		Priority:    req.Priority,
		MaxRetries:  req.MaxRetries,
	}
}

func TestNewJobManager_RequiresDependencies(t *testing.T) {
	_, err := NewJobManager(JobManagerOptions{})
	require.Error(t, err)
}

func TestJobManager_AddJob(t *testing.T) {
	ctx := context.Background()

	t.Run("persists pending job before publishing", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		payload := json.RawMessage(`{"documentId":"doc-1"}`)

		create := deps.repo.EXPECT().Create(ctx, gomock.Any()).DoAndReturn(
			func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
				assert.Equal(t, "job-1", req.ID)
				assert.Equal(t, model.JobStatusPending, req.Status)
				assert.Equal(t, "extract", req.QueueName)
				assert.Equal(t, 3, req.MaxRetries)
				return jobFromRequest(req), nil
			})
		publish := deps.broker.EXPECT().
			Publish(ctx, "extract", model.QueueMessage{JobID: "job-1", Type: model.JobTypeExtract, Payload: payload},
				core.PublishOptions{Persistent: true, MessageID: "job-1"}).
			Return(true, nil)
		gomock.InOrder(create, publish)

		job, err := m.AddJob(ctx, model.AddJobRequest{Type: model.JobTypeExtract, Payload: payload})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, job.Status)
		assert.Equal(t, "extract", job.QueueName)
		assert.Zero(t, job.Retries)
	})

	t.Run("unknown type routes to the fallback queue and stores related ids", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		deps.repo.EXPECT().Create(ctx, gomock.Any()).DoAndReturn(
			func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
				assert.Equal(t, model.FallbackQueue, req.QueueName)
				assert.JSONEq(t, `{"related_ids":["a","b"]}`, string(req.Metadata))
				return jobFromRequest(req), nil
			})
		deps.broker.EXPECT().Publish(ctx, model.FallbackQueue, gomock.Any(), gomock.Any()).Return(true, nil)

		_, err := m.AddJob(ctx, model.AddJobRequest{
			Type:       "summarize",
			Payload:    json.RawMessage(`[1,2]`),
			RelatedIDs: []string{"a", "b"},
		})
		require.NoError(t, err)
	})

	t.Run("back-pressure still returns the job", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		deps.repo.EXPECT().Create(ctx, gomock.Any()).DoAndReturn(
			func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) { return jobFromRequest(req), nil })
		deps.broker.EXPECT().Publish(ctx, "backup", gomock.Any(), gomock.Any()).Return(false, nil)

		job, err := m.AddJob(ctx, model.AddJobRequest{Type: model.JobTypeBackup, Payload: json.RawMessage(`{}`)})
		require.NoError(t, err)
		assert.Equal(t, "job-1", job.ID)
	})

	t.Run("transport failure is returned", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		deps.repo.EXPECT().Create(ctx, gomock.Any()).DoAndReturn(
			func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) { return jobFromRequest(req), nil })
		deps.broker.EXPECT().Publish(ctx, "backup", gomock.Any(), gomock.Any()).Return(false, errors.New("channel closed"))

		_, err := m.AddJob(ctx, model.AddJobRequest{Type: model.JobTypeBackup, Payload: json.RawMessage(`{}`)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "channel closed")
	})

	invalid := []struct {
		name  string
		req   model.AddJobRequest
		field string
	}{
		{name: "missing type", req: model.AddJobRequest{Payload: json.RawMessage(`{}`)}, field: "type"},
		{name: "missing payload", req: model.AddJobRequest{Type: model.JobTypeBackup}, field: "payload"},
		{name: "scalar payload", req: model.AddJobRequest{Type: model.JobTypeBackup, Payload: json.RawMessage(`"x"`)}, field: "payload"},
		{name: "malformed payload", req: model.AddJobRequest{Type: model.JobTypeBackup, Payload: json.RawMessage(`{"a":`)}, field: "payload"},
		{name: "priority out of range", req: model.AddJobRequest{Type: model.JobTypeBackup, Payload: json.RawMessage(`{}`), Priority: 12}, field: "priority"},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestJobManager(t, false)
			_, err := m.AddJob(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
			assert.Equal(t, tc.field, apperrors.GetField(err))
		})
	}
}

func failedJob(retries, maxRetries int) *model.Job {
	msg := "disk full"
	return &model.Job{
		ID:         "job-1",
		Type:       model.JobTypeExtract,
		Status:     model.JobStatusFailed,
		QueueName:  "extract",
		Payload:    json.RawMessage(`{"documentId":"doc-1"}`),
		Error:      &msg,
		Retries:    retries,
		MaxRetries: maxRetries,
	}
}

func TestJobManager_RetryJob(t *testing.T) {
	ctx := context.Background()

	t.Run("resets and republishes under the same id", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		job := failedJob(0, 3)
		reset := *job
		reset.Status = model.JobStatusPending
		reset.Error = nil
		reset.Retries = 1

		gomock.InOrder(
			deps.repo.EXPECT().GetByID(ctx, "job-1").Return(job, nil),
			deps.repo.EXPECT().RetryFailed(ctx, "job-1").Return(&reset, nil),
			deps.broker.EXPECT().
				Publish(ctx, "extract", model.QueueMessage{JobID: "job-1", Type: model.JobTypeExtract, Payload: job.Payload}, gomock.Any()).
				Return(true, nil),
		)

		got, err := m.RetryJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, got.Status)
		assert.Equal(t, 1, got.Retries)
		assert.Nil(t, got.Error)
	})

	t.Run("exhausted budget is rejected without mutation", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		deps.repo.EXPECT().GetByID(ctx, "job-1").Return(failedJob(3, 3), nil)

		_, err := m.RetryJob(ctx, "job-1")
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
		assert.Contains(t, err.Error(), "maximum retry attempts (3) reached")
	})

	t.Run("job that is not failed is rejected", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		job := failedJob(0, 3)
		job.Status = model.JobStatusProcessing
		deps.repo.EXPECT().GetByID(ctx, "job-1").Return(job, nil)

		_, err := m.RetryJob(ctx, "job-1")
		require.Error(t, err)
		assert.Equal(t, "job is not in failed state", err.Error())
	})

	t.Run("lost race on the budget guard", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		deps.repo.EXPECT().GetByID(ctx, "job-1").Return(failedJob(2, 3), nil)
		deps.repo.EXPECT().RetryFailed(ctx, "job-1").Return(nil, data.ErrRetryBudgetExhausted)

		_, err := m.RetryJob(ctx, "job-1")
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("store error leaves nothing published", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		deps.repo.EXPECT().GetByID(ctx, "job-1").Return(failedJob(0, 3), nil)
		deps.repo.EXPECT().RetryFailed(ctx, "job-1").Return(nil, errors.New("connection reset"))

		_, err := m.RetryJob(ctx, "job-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "retry job")
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("missing job", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		deps.repo.EXPECT().GetByID(ctx, "nope").Return(nil, data.ErrJobNotFound)

		_, err := m.RetryJob(ctx, "nope")
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestJobManager_UpdateJob(t *testing.T) {
	ctx := context.Background()

	t.Run("restart forks a new job", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		m.newID = func() string { return "job-2" }
		orig := failedJob(1, 3)
		orig.Metadata = json.RawMessage(`{"source":"ui"}`)

		deps.repo.EXPECT().GetByID(ctx, "job-1").Return(orig, nil)
		deps.repo.EXPECT().Create(ctx, gomock.Any()).DoAndReturn(
			func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
				assert.Equal(t, "job-2", req.ID)
				assert.Equal(t, orig.Type, req.Type)
				assert.JSONEq(t, string(orig.Payload), string(req.Payload))
				assert.JSONEq(t, `{"source":"ui","restarted_from":"job-1"}`, string(req.Metadata))
				return jobFromRequest(req), nil
			})
		deps.broker.EXPECT().Publish(ctx, "extract", gomock.Any(), gomock.Any()).Return(true, nil)

		restart := model.JobStatusRestart
		job, err := m.UpdateJob(ctx, "job-1", &model.JobPatch{Status: &restart})
		require.NoError(t, err)
		assert.Equal(t, "job-2", job.ID)
		assert.Equal(t, model.JobStatusPending, job.Status)
	})

	t.Run("patch is clamped and forwarded", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		progress := 150
		deps.repo.EXPECT().Update(ctx, "job-1", gomock.Any()).DoAndReturn(
			func(_ context.Context, _ string, p *model.JobPatch) (*model.Job, error) {
				assert.Equal(t, 100, *p.Progress)
				return &model.Job{ID: "job-1", Progress: 100}, nil
			})

		_, err := m.UpdateJob(ctx, "job-1", &model.JobPatch{Progress: &progress})
		require.NoError(t, err)
	})

	t.Run("empty patch and bad status are validation errors", func(t *testing.T) {
		m, _ := newTestJobManager(t, false)
		_, err := m.UpdateJob(ctx, "job-1", &model.JobPatch{})
		assert.True(t, apperrors.IsValidation(err))

		bad := model.JobStatus("paused")
		_, err = m.UpdateJob(ctx, "job-1", &model.JobPatch{Status: &bad})
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestJobManager_SaveJobResultIntoJob(t *testing.T) {
	ctx := context.Background()

	t.Run("completed result marks the job completed", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		res := &model.JobResult{JobID: "job-1", Status: model.JobStatusCompleted, Result: json.RawMessage(`{"pages":3}`)}

		gomock.InOrder(
			deps.results.EXPECT().Create(ctx, res).Return(res, nil),
			deps.repo.EXPECT().MarkCompleted(ctx, "job-1", json.RawMessage(`{"pages":3}`)).Return(true, nil),
		)
		require.NoError(t, m.SaveJobResultIntoJob(ctx, res))
	})

	t.Run("failed result carries the error message", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		msg := "disk full"
		res := &model.JobResult{JobID: "job-1", Status: model.JobStatusFailed, Error: &msg}

		deps.results.EXPECT().Create(ctx, res).Return(res, nil)
		deps.repo.EXPECT().MarkFailed(ctx, "job-1", "disk full").Return(true, nil)
		require.NoError(t, m.SaveJobResultIntoJob(ctx, res))
	})

	t.Run("cancelled result cancels the job", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		res := &model.JobResult{JobID: "job-1", Status: model.JobStatusCancelled}

		deps.results.EXPECT().Create(ctx, res).Return(res, nil)
		deps.repo.EXPECT().MarkCancelled(ctx, "job-1").Return(true, nil)
		require.NoError(t, m.SaveJobResultIntoJob(ctx, res))
	})

	t.Run("non-terminal status is rejected", func(t *testing.T) {
		m, _ := newTestJobManager(t, false)
		err := m.SaveJobResultIntoJob(ctx, &model.JobResult{JobID: "job-1", Status: model.JobStatusProcessing})
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("late report keeps the attempt but leaves a cancelled job alone", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		res := &model.JobResult{JobID: "job-1", Status: model.JobStatusCompleted, Result: json.RawMessage(`{}`)}

		gomock.InOrder(
			deps.results.EXPECT().Create(ctx, res).Return(res, nil),
			deps.repo.EXPECT().MarkCompleted(ctx, "job-1", gomock.Any()).Return(false, nil),
		)
		require.NoError(t, m.SaveJobResultIntoJob(ctx, res))
	})

	t.Run("store error is wrapped", func(t *testing.T) {
		m, deps := newTestJobManager(t, false)
		res := &model.JobResult{JobID: "job-1", Status: model.JobStatusCompleted}
		deps.results.EXPECT().Create(ctx, res).Return(res, nil)
		deps.repo.EXPECT().MarkCompleted(ctx, "job-1", gomock.Any()).Return(false, errors.New("connection reset"))

		err := m.SaveJobResultIntoJob(ctx, res)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
	})
}

func TestJobManager_SaveJobResultIntoJob_NotifiesFailure(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	results := mocks.NewMockJobResultRepository(ctrl)

	var captured []notify.JobFailurePayload
	notifier := failurenotifier.NewService(failurenotifier.Options{
		Sinks: []failurenotifier.SinkRegistration{{
			Name: "capture",
			Sink: notify.SinkFunc(func(_ context.Context, p notify.JobFailurePayload) error {
				captured = append(captured, p)
				return nil
			}),
		}},
		IncludeRetryable: true,
	})

	m, err := NewJobManager(JobManagerOptions{
		Repo:            repo,
		Results:         results,
		Broker:          mocks.NewMockBroker(ctrl),
		FailureNotifier: notifier,
	})
	require.NoError(t, err)

	msg := "disk full"
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	res := &model.JobResult{
		JobID:          "job-1",
		Status:         model.JobStatusFailed,
		Error:          &msg,
		Metadata:       json.RawMessage(`{"error_class":"errors_errorstring"}`),
		ProcessingTime: 42,
		CreatedAt:      at,
	}
	worker := "host-a"

	gomock.InOrder(
		results.EXPECT().Create(ctx, res).Return(res, nil),
		repo.EXPECT().MarkFailed(ctx, "job-1", "disk full").Return(true, nil),
		repo.EXPECT().GetByID(ctx, "job-1").Return(&model.Job{
			ID:         "job-1",
			Type:       model.JobTypeBackup,
			Status:     model.JobStatusFailed,
			QueueName:  "backup",
			WorkerID:   &worker,
			Retries:    1,
			MaxRetries: 3,
			Priority:   5,
		}, nil),
	)
	require.NoError(t, m.SaveJobResultIntoJob(ctx, res))

	require.Len(t, captured, 1)
	p := captured[0]
	assert.Equal(t, "job-1", p.JobID)
	assert.Equal(t, "backup", p.JobType)
	assert.Equal(t, "backup", p.Queue)
	assert.Equal(t, "host-a", p.WorkerID)
	assert.Equal(t, "disk full", p.Error)
	assert.Equal(t, "errors_errorstring", p.ErrorClass)
	assert.True(t, p.Retryable)
	assert.Equal(t, notify.SeverityWarning, p.Severity)
	assert.Equal(t, at, p.OccurredAt)
	assert.Equal(t, "42", p.Metadata["processing_ms"])
	assert.Equal(t, "5", p.Metadata["priority"])
}

func TestJobManager_SaveJobResultIntoJob_StaleFailureIsNotNotified(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	results := mocks.NewMockJobResultRepository(ctrl)

	var captured []notify.JobFailurePayload
	notifier := failurenotifier.NewService(failurenotifier.Options{
		Sinks: []failurenotifier.SinkRegistration{{
			Name: "capture",
			Sink: notify.SinkFunc(func(_ context.Context, p notify.JobFailurePayload) error {
				captured = append(captured, p)
				return nil
			}),
		}},
		IncludeRetryable: true,
	})

	m, err := NewJobManager(JobManagerOptions{
		Repo:            repo,
		Results:         results,
		Broker:          mocks.NewMockBroker(ctrl),
		FailureNotifier: notifier,
	})
	require.NoError(t, err)

	msg := "killed"
	res := &model.JobResult{JobID: "job-1", Status: model.JobStatusFailed, Error: &msg}

	// The job was cancelled while the worker was exiting; GetByID must not be reached.
	gomock.InOrder(
		results.EXPECT().Create(ctx, res).Return(res, nil),
		repo.EXPECT().MarkFailed(ctx, "job-1", "killed").Return(false, nil),
	)
	require.NoError(t, m.SaveJobResultIntoJob(ctx, res))
	assert.Empty(t, captured)
}

func TestErrorClassOf(t *testing.T) {
	assert.Equal(t, "timeout", errorClassOf(json.RawMessage(`{"error_class":"timeout"}`)))
	assert.Empty(t, errorClassOf(nil))
	assert.Empty(t, errorClassOf(json.RawMessage(`not json`)))
}

func TestJobManager_GetJobStats(t *testing.T) {
	ctx := context.Background()
	stats := &model.JobStats{Total: 3, Pending: 1, Completed: 2}

	t.Run("cache miss populates the cache", func(t *testing.T) {
		m, deps := newTestJobManager(t, true)
		deps.cache.EXPECT().Get(ctx, jobStatsCacheKey).Return(nil, nil)
		deps.repo.EXPECT().GetStats(ctx).Return(stats, nil)
		deps.cache.EXPECT().Set(ctx, jobStatsCacheKey, gomock.Any(), time.Minute).Return(nil)

		got, err := m.GetJobStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, stats, got)
	})

	t.Run("cache hit skips the store", func(t *testing.T) {
		m, deps := newTestJobManager(t, true)
		b, err := json.Marshal(stats)
		require.NoError(t, err)
		deps.cache.EXPECT().Get(ctx, jobStatsCacheKey).Return(b, nil)

		got, err := m.GetJobStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, stats, got)
	})

	t.Run("cache errors fall through to the store", func(t *testing.T) {
		m, deps := newTestJobManager(t, true)
		deps.cache.EXPECT().Get(ctx, jobStatsCacheKey).Return(nil, errors.New("redis down"))
		deps.repo.EXPECT().GetStats(ctx).Return(stats, nil)
		deps.cache.EXPECT().Set(ctx, jobStatsCacheKey, gomock.Any(), time.Minute).Return(errors.New("redis down"))

		got, err := m.GetJobStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, got.Total)
	})

	t.Run("writes invalidate the cache", func(t *testing.T) {
		m, deps := newTestJobManager(t, true)
		deps.repo.EXPECT().MarkCancelled(ctx, "job-1").Return(true, nil)
		deps.cache.EXPECT().Delete(ctx, jobStatsCacheKey).Return(true, nil)

		changed, err := m.CancelJob(ctx, "job-1")
		require.NoError(t, err)
		assert.True(t, changed)
	})
}

func TestJobManager_Results(t *testing.T) {
	ctx := context.Background()
	m, deps := newTestJobManager(t, false)

	deps.results.EXPECT().FindLatestByJobID(ctx, "job-1").Return(nil, data.ErrJobResultsNotFound)
	_, err := m.GetLatestJobResult(ctx, "job-1")
	assert.True(t, apperrors.IsNotFound(err))

	all := []*model.JobResult{{ID: "r2"}, {ID: "r1"}}
	deps.results.EXPECT().FindByJobID(ctx, "job-1").Return(all, nil)
	got, err := m.GetJobResults(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestJobManager_PingBroker(t *testing.T) {
	ctx := context.Background()
	m, deps := newTestJobManager(t, false)

	deps.broker.EXPECT().Connect(ctx).Return(nil)
	assert.True(t, m.PingBroker(ctx))

	deps.broker.EXPECT().Connect(ctx).Return(errors.New("connection refused"))
	assert.False(t, m.PingBroker(ctx))
}
