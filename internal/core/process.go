package core

import (
	"context"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// SpawnRequest describes an isolated worker process.
type SpawnRequest struct {
	Command    string
	Args       []string
	Env        []string
	Invocation model.Invocation
}

// ProcessEvent is emitted by a running process. A report event carries Report;
// the final event has Exited set and the channel is closed after it.
type ProcessEvent struct {
	Report   *model.WorkerReport
	Exited   bool
	ExitCode int
	Err      error
}

// ProcessHandle tracks one spawned process.
type ProcessHandle interface {
	PID() int
	Events() <-chan ProcessEvent
	// Kill terminates the process. Calling it after exit is a no-op.
	Kill() error
}

// ProcessSpawner starts worker processes.
type ProcessSpawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (ProcessHandle, error)
}

// CancelBus fans stop requests out to every supervisor instance.
type CancelBus interface {
	PublishStop(ctx context.Context, jobID string) error
	// Subscribe blocks, invoking fn for each stop request, until ctx is cancelled.
	Subscribe(ctx context.Context, fn func(ctx context.Context, jobID string)) error
}
