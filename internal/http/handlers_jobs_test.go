package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/data"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	apperrors "github.com/target/mmk-orchestrator/internal/errors"
	"github.com/target/mmk-orchestrator/internal/mocks"
	"github.com/target/mmk-orchestrator/internal/service"
	"go.uber.org/mock/gomock"
)

type routerDeps struct {
	repo    *mocks.MockJobRepository
	results *mocks.MockJobResultRepository
	broker  *mocks.MockBroker
	stops   *stubStops
}

type stubWorkers struct {
	started  []string
	stopped  []string
	startErr error
	changed  bool
}

func (s *stubWorkers) StartJobWorker(_ context.Context, jobID string, _ model.JobType, _ json.RawMessage) error {
	s.started = append(s.started, jobID)
	return s.startErr
}

func (s *stubWorkers) StopJobWorker(_ context.Context, jobID string) (bool, error) {
	s.stopped = append(s.stopped, jobID)
	return s.changed, nil
}

type stubStops struct {
	ids []string
	err error
}

func (s *stubStops) PublishStop(_ context.Context, id string) error {
	s.ids = append(s.ids, id)
	return s.err
}

func newTestRouter(t *testing.T) (http.Handler, routerDeps) {
	t.Helper()
	return newTestRouterWithWorkers(t, nil)
}

func newTestRouterWithWorkers(t *testing.T, workers WorkerControl) (http.Handler, routerDeps) {
	t.Helper()
	ctrl := gomock.NewController(t)
	deps := routerDeps{
		repo:    mocks.NewMockJobRepository(ctrl),
		results: mocks.NewMockJobResultRepository(ctrl),
		broker:  mocks.NewMockBroker(ctrl),
		stops:   &stubStops{},
	}
	jobs, err := service.NewJobManager(service.JobManagerOptions{
		Repo:    deps.repo,
		Results: deps.results,
		Broker:  deps.broker,
		Config:  config.JobsConfig{DefaultMaxRetries: 3},
		NewID:   func() string { return "job-1" },
	})
	require.NoError(t, err)

	return NewRouter(RouterServices{
		Jobs: &JobHandlers{Jobs: jobs, Stops: deps.stops, Workers: workers},
	}), deps
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestCreateJob(t *testing.T) {
	t.Run("persists then publishes", func(t *testing.T) {
		h, deps := newTestRouter(t)
		deps.repo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
				assert.Equal(t, model.JobTypeExtract, req.Type)
				assert.Equal(t, "extract", req.QueueName)
				return &model.Job{ID: req.ID, Type: req.Type, Status: req.Status, QueueName: req.QueueName, Payload: req.Payload}, nil
			})
		deps.broker.EXPECT().Publish(gomock.Any(), "extract", gomock.Any(), gomock.Any()).Return(true, nil)

		w := serve(h, http.MethodPost, "/api/jobs", `{"type":"extract","payload":{"documentId":"doc-1"}}`)
		require.Equal(t, http.StatusCreated, w.Code)

		var job model.Job
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
		assert.Equal(t, "job-1", job.ID)
		assert.Equal(t, model.JobStatusPending, job.Status)
	})

	t.Run("validation errors are 400 with the field", func(t *testing.T) {
		h, _ := newTestRouter(t)
		w := serve(h, http.MethodPost, "/api/jobs", `{"type":"extract","payload":"nope"}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeError(t, w)
		assert.Equal(t, "validation", body.Error)
		assert.Equal(t, "payload", body.Field)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		h, _ := newTestRouter(t)
		w := serve(h, http.MethodPost, "/api/jobs", `{"type":"extract","payload":{},"bogus":1}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_json", decodeError(t, w).Error)
	})

	t.Run("store failures are opaque 500s", func(t *testing.T) {
		h, deps := newTestRouter(t)
		deps.repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, errors.New("pq: secret detail"))

		w := serve(h, http.MethodPost, "/api/jobs", `{"type":"extract","payload":{}}`)
		require.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "secret detail")
	})
}

func TestGetJob(t *testing.T) {
	h, deps := newTestRouter(t)
	deps.repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(&model.Job{ID: "job-1", Status: model.JobStatusProcessing}, nil)
	deps.repo.EXPECT().GetByID(gomock.Any(), "missing").Return(nil, data.ErrJobNotFound)

	w := serve(h, http.MethodGet, "/api/jobs/job-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"processing"`)

	w = serve(h, http.MethodGet, "/api/jobs/missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).Error)
}

func TestListJobs(t *testing.T) {
	t.Run("filters map onto list options", func(t *testing.T) {
		h, deps := newTestRouter(t)
		deps.repo.EXPECT().List(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
				require.NotNil(t, opts.Status)
				assert.Equal(t, model.JobStatusFailed, *opts.Status)
				require.NotNil(t, opts.Queue)
				assert.Equal(t, "backup", *opts.Queue)
				assert.Nil(t, opts.UserID)
				assert.Equal(t, 10, opts.Limit)
				assert.Equal(t, 20, opts.Offset)
				return []*model.Job{
					{ID: "a", Status: model.JobStatusFailed, QueueName: "backup"},
					{ID: "b", Status: model.JobStatusFailed, QueueName: "backup"},
				}, nil
			})

		w := serve(h, http.MethodGet, "/api/jobs?status=failed&queue=backup&limit=10&offset=20", "")
		require.Equal(t, http.StatusOK, w.Code)

		var jobs []model.Job
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
		require.Len(t, jobs, 2)
		assert.Equal(t, model.JobStatusFailed, jobs[0].Status)
	})

	for _, tc := range []struct {
		query string
		field string
	}{
		{query: "status=bogus", field: "status"},
		{query: "limit=0", field: "limit"},
		{query: "limit=x", field: "limit"},
		{query: "offset=-1", field: "offset"},
	} {
		t.Run("rejects "+tc.query, func(t *testing.T) {
			h, _ := newTestRouter(t)
			w := serve(h, http.MethodGet, "/api/jobs?"+tc.query, "")
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tc.field, decodeError(t, w).Field)
		})
	}
}

func TestRetryJob_NotFailed(t *testing.T) {
	h, deps := newTestRouter(t)
	deps.repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(&model.Job{ID: "job-1", Status: model.JobStatusCompleted}, nil)

	w := serve(h, http.MethodPost, "/api/jobs/job-1/retry", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateJob_EmptyPatch(t *testing.T) {
	h, _ := newTestRouter(t)
	w := serve(h, http.MethodPatch, "/api/jobs/job-1", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelJob(t *testing.T) {
	h, deps := newTestRouter(t)
	deps.stops.err = errors.New("redis down")
	deps.repo.EXPECT().MarkCancelled(gomock.Any(), "job-1").Return(true, nil)

	w := serve(h, http.MethodPost, "/api/jobs/job-1/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cancelled":true}`, w.Body.String())
	assert.Equal(t, []string{"job-1"}, deps.stops.ids, "stop is broadcast even when it fails")
}

func TestCancelJob_LocalSupervisor(t *testing.T) {
	workers := &stubWorkers{changed: true}
	h, deps := newTestRouterWithWorkers(t, workers)

	w := serve(h, http.MethodPost, "/api/jobs/job-1/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cancelled":true}`, w.Body.String())
	assert.Equal(t, []string{"job-1"}, workers.stopped)
	assert.Empty(t, deps.stops.ids, "the supervisor does its own fan-out")
}

func TestStartJob(t *testing.T) {
	t.Run("runs on the local supervisor", func(t *testing.T) {
		workers := &stubWorkers{}
		h, deps := newTestRouterWithWorkers(t, workers)
		gomock.InOrder(
			deps.repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(
				&model.Job{ID: "job-1", Type: model.JobTypeBackup, Status: model.JobStatusFailed}, nil),
			deps.repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(
				&model.Job{ID: "job-1", Type: model.JobTypeBackup, Status: model.JobStatusProcessing}, nil),
		)

		w := serve(h, http.MethodPost, "/api/jobs/job-1/start", "")
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"processing"`)
		assert.Equal(t, []string{"job-1"}, workers.started)
	})

	t.Run("conflict from the supervisor is 409", func(t *testing.T) {
		workers := &stubWorkers{startErr: apperrors.Conflictf("job job-1 is already running")}
		h, deps := newTestRouterWithWorkers(t, workers)
		deps.repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(
			&model.Job{ID: "job-1", Type: model.JobTypeBackup, Status: model.JobStatusProcessing}, nil)

		w := serve(h, http.MethodPost, "/api/jobs/job-1/start", "")
		require.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("no supervisor in this process", func(t *testing.T) {
		h, _ := newTestRouter(t)
		w := serve(h, http.MethodPost, "/api/jobs/job-1/start", "")
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "unavailable", decodeError(t, w).Error)
	})
}

func TestJobResults(t *testing.T) {
	h, deps := newTestRouter(t)
	deps.results.EXPECT().FindByJobID(gomock.Any(), "job-1").Return([]*model.JobResult{
		{ID: "r2", JobID: "job-1", Status: model.JobStatusCompleted},
		{ID: "r1", JobID: "job-1", Status: model.JobStatusFailed},
	}, nil)
	deps.results.EXPECT().FindLatestByJobID(gomock.Any(), "job-1").Return(
		&model.JobResult{ID: "r2", JobID: "job-1", Status: model.JobStatusCompleted}, nil)
	deps.results.EXPECT().FindLatestByJobID(gomock.Any(), "job-2").Return(nil, data.ErrJobResultsNotFound)

	w := serve(h, http.MethodGet, "/api/jobs/job-1/results", "")
	require.Equal(t, http.StatusOK, w.Code)
	var results []model.JobResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "r2", results[0].ID)
	assert.Equal(t, model.JobStatusFailed, results[1].Status)

	w = serve(h, http.MethodGet, "/api/jobs/job-1/results/latest", "")
	require.Equal(t, http.StatusOK, w.Code)
	var latest model.JobResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &latest))
	assert.Equal(t, "r2", latest.ID)

	w = serve(h, http.MethodGet, "/api/jobs/job-2/results/latest", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).Error)
}

func TestStats(t *testing.T) {
	h, deps := newTestRouter(t)
	deps.repo.EXPECT().GetStats(gomock.Any()).Return(&model.JobStats{Total: 3, Pending: 1, Failed: 2}, nil)
	deps.results.EXPECT().GetStats(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, jobID *string) (*model.JobResultStats, error) {
			require.NotNil(t, jobID)
			assert.Equal(t, "job-1", *jobID)
			return &model.JobResultStats{Total: 2, Failed: 2}, nil
		})

	w := serve(h, http.MethodGet, "/api/jobs/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":3`)

	w = serve(h, http.MethodGet, "/api/results/stats?job=job-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"failed":2`)
}
