package httpx

import (
	"context"
	"io"
	"net/http"
	"sort"
	"time"
)

const healthResponse = `{"status":"ok"}`

// readinessTimeout bounds all dependency checks of one readiness probe.
const readinessTimeout = 3 * time.Second

// healthHandler is the liveness probe: it answers as long as the process serves HTTP.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = io.WriteString(w, healthResponse)
}

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// ReadinessHandler runs every check and answers 503 when any fails.
type ReadinessHandler struct {
	Checks map[string]Check
}

type readinessBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *ReadinessHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	body := readinessBody{Status: "ok", Checks: make(map[string]string, len(names))}
	code := http.StatusOK
	for _, name := range names {
		if err := h.Checks[name](ctx); err != nil {
			body.Checks[name] = err.Error()
			body.Status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		body.Checks[name] = "ok"
	}
	WriteJSON(w, code, body)
}
