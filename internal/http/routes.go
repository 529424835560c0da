package httpx

import (
	"log/slog"
	"net/http"
)

// RouterServices holds everything the router serves.
type RouterServices struct {
	Jobs      *JobHandlers
	Readiness map[string]Check
	Logger    *slog.Logger
}

// NewRouter registers the job API and probes and wraps them in logging and panic recovery.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.Handle("GET /readyz", &ReadinessHandler{Checks: services.Readiness})

	if h := services.Jobs; h != nil {
		mux.HandleFunc("POST /api/jobs", h.CreateJob)
		mux.HandleFunc("GET /api/jobs", h.ListJobs)
		mux.HandleFunc("GET /api/jobs/stats", h.GetJobStats)
		mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
		mux.HandleFunc("PATCH /api/jobs/{id}", h.UpdateJob)
		mux.HandleFunc("POST /api/jobs/{id}/retry", h.RetryJob)
		mux.HandleFunc("POST /api/jobs/{id}/cancel", h.CancelJob)
		mux.HandleFunc("POST /api/jobs/{id}/start", h.StartJob)
		mux.HandleFunc("GET /api/jobs/{id}/results", h.GetJobResults)
		mux.HandleFunc("GET /api/jobs/{id}/results/latest", h.GetLatestJobResult)
		mux.HandleFunc("GET /api/results/stats", h.GetResultStats)
	}

	var handler http.Handler = mux
	handler = Logging(logger)(handler)
	handler = Recover(logger)(handler)
	handler = RequestID(handler)
	return handler
}
