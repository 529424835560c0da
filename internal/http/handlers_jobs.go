// Package httpx serves the orchestrator's job API and health probes.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/target/mmk-orchestrator/internal/domain/model"
	apperrors "github.com/target/mmk-orchestrator/internal/errors"
	"github.com/target/mmk-orchestrator/internal/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// StopPublisher asks whichever supervisor runs a job to kill it.
type StopPublisher interface {
	PublishStop(ctx context.Context, jobID string) error
}

// WorkerControl runs and stops job processes on this host.
type WorkerControl interface {
	StartJobWorker(ctx context.Context, jobID string, jobType model.JobType, payload json.RawMessage) error
	StopJobWorker(ctx context.Context, jobID string) (bool, error)
}

// JobHandlers exposes JobManager over HTTP.
type JobHandlers struct {
	Jobs    *service.JobManager
	Workers WorkerControl // Optional: set when a supervisor runs in this process
	Stops   StopPublisher // Optional: used for cancel when Workers is unset
	Logger  *slog.Logger
}

// CreateJob accepts an AddJobRequest and returns the pending job.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req model.AddJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := h.Jobs.AddJob(r.Context(), req)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, job)
}

// GetJob returns one job.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// ListJobs returns jobs filtered by the status, type, queue, worker and user query parameters.
func (h *JobHandlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	opts, err := parseJobListQuery(r)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	jobs, err := h.Jobs.ListJobs(r.Context(), opts)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// UpdateJob applies a JobPatch. A "restart" status answers with the newly forked job.
func (h *JobHandlers) UpdateJob(w http.ResponseWriter, r *http.Request) {
	var patch model.JobPatch
	if !DecodeJSON(w, r, &patch) {
		return
	}

	job, err := h.Jobs.UpdateJob(r.Context(), r.PathValue("id"), &patch)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// RetryJob requeues a failed job that has retry budget left.
func (h *JobHandlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Jobs.RetryJob(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// CancelJob stops the job's worker wherever it runs and marks it cancelled.
func (h *JobHandlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.Workers != nil {
		changed, err := h.Workers.StopJobWorker(r.Context(), id)
		if err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, cancelResponse{Cancelled: changed})
		return
	}

	if h.Stops != nil {
		if err := h.Stops.PublishStop(r.Context(), id); err != nil && h.Logger != nil {
			h.Logger.WarnContext(r.Context(), "stop broadcast failed", "job_id", id, "error", err)
		}
	}

	changed, err := h.Jobs.CancelJob(r.Context(), id)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, cancelResponse{Cancelled: changed})
}

// StartJob runs a job on this host's supervisor without going through the broker.
func (h *JobHandlers) StartJob(w http.ResponseWriter, r *http.Request) {
	if h.Workers == nil {
		WriteError(w, ErrorParams{
			Code:    http.StatusServiceUnavailable,
			ErrCode: "unavailable",
			Err:     errors.New("no supervisor runs in this process"),
		})
		return
	}

	job, err := h.Jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	if err := h.Workers.StartJobWorker(r.Context(), job.ID, job.Type, job.Payload); err != nil {
		WriteAppError(w, err)
		return
	}

	started, err := h.Jobs.GetJob(r.Context(), job.ID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, started)
}

// GetJobResults returns every attempt recorded for the job, newest first.
func (h *JobHandlers) GetJobResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.Jobs.GetJobResults(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, results)
}

// GetLatestJobResult returns the most recent attempt for the job.
func (h *JobHandlers) GetLatestJobResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.Jobs.GetLatestJobResult(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// GetJobStats returns job counts per status.
func (h *JobHandlers) GetJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Jobs.GetJobStats(r.Context())
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// GetResultStats returns attempt statistics, optionally narrowed by the job query parameter.
func (h *JobHandlers) GetResultStats(w http.ResponseWriter, r *http.Request) {
	var jobID *string
	if v := strings.TrimSpace(r.URL.Query().Get("job")); v != "" {
		jobID = &v
	}
	stats, err := h.Jobs.GetJobResultStats(r.Context(), jobID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func parseJobListQuery(r *http.Request) (*model.JobListOptions, error) {
	q := r.URL.Query()
	opts := &model.JobListOptions{Limit: defaultListLimit}

	if v := q.Get("status"); v != "" {
		var status model.JobStatus
		if err := status.UnmarshalText([]byte(v)); err != nil || !status.Valid() {
			return nil, apperrors.ValidationField("status", fmt.Sprintf("invalid job status %q", v))
		}
		opts.Status = &status
	}
	if v := q.Get("type"); v != "" {
		t := model.JobType(v)
		opts.Type = &t
	}
	opts.Queue = optionalString(q.Get("queue"))
	opts.WorkerID = optionalString(q.Get("worker"))
	opts.UserID = optionalString(q.Get("user"))

	var err error
	if opts.Limit, err = intQuery(q.Get("limit"), defaultListLimit); err != nil {
		return nil, apperrors.ValidationField("limit", err.Error())
	}
	if opts.Limit < 1 || opts.Limit > maxListLimit {
		return nil, apperrors.ValidationField("limit", fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
	}
	if opts.Offset, err = intQuery(q.Get("offset"), 0); err != nil {
		return nil, apperrors.ValidationField("offset", err.Error())
	}
	if opts.Offset < 0 {
		return nil, apperrors.ValidationField("offset", "offset must be >= 0")
	}
	return opts, nil
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func intQuery(v string, fallback int) (int, error) {
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("must be an integer")
	}
	return n, nil
}
