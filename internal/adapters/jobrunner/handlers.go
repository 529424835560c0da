package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// HandlerResult is what a handler produces for a successful job.
type HandlerResult struct {
	Data     json.RawMessage
	Metadata json.RawMessage
}

// Handler executes one job type inside the worker process.
type Handler interface {
	Execute(ctx context.Context, inv model.Invocation) (*HandlerResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv model.Invocation) (*HandlerResult, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, inv model.Invocation) (*HandlerResult, error) {
	return f(ctx, inv)
}

// GenericHandler handles job types without a dedicated handler by echoing the payload.
type GenericHandler struct{}

// Execute returns the payload as the result document.
func (GenericHandler) Execute(_ context.Context, inv model.Invocation) (*HandlerResult, error) {
	if len(inv.Payload) == 0 {
		return &HandlerResult{Data: json.RawMessage(`null`)}, nil
	}
	if !json.Valid(inv.Payload) {
		return nil, errors.New("payload is not valid JSON")
	}
	return &HandlerResult{Data: inv.Payload}, nil
}

// Registry maps job types to handlers. Unregistered types resolve to the fallback.
type Registry struct {
	handlers map[model.JobType]Handler
	fallback Handler
}

// NewRegistry returns a registry with fallback as the default handler (GenericHandler when nil).
func NewRegistry(fallback Handler) *Registry {
	if fallback == nil {
		fallback = GenericHandler{}
	}
	return &Registry{
		handlers: make(map[model.JobType]Handler),
		fallback: fallback,
	}
}

// Register binds h to jobType.
func (r *Registry) Register(jobType model.JobType, h Handler) error {
	if !jobType.Valid() {
		return errors.New("job type is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %s is nil", jobType)
	}
	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("handler for %s already registered", jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// Resolve returns the handler for jobType.
func (r *Registry) Resolve(jobType model.JobType) Handler {
	if h, ok := r.handlers[jobType]; ok {
		return h
	}
	return r.fallback
}
