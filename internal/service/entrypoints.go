package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// EntryPoint is the executable spawned for a job type.
type EntryPoint struct {
	Command string
	Args    []string
}

// EntryPointRegistry resolves job types to worker executables. It is built once at startup
// and is read-only afterwards.
type EntryPointRegistry struct {
	fallback EntryPoint
	byType   map[model.JobType]EntryPoint
}

// NewEntryPointRegistry creates a registry whose unregistered types resolve to fallback.
func NewEntryPointRegistry(fallback EntryPoint) (*EntryPointRegistry, error) {
	if strings.TrimSpace(fallback.Command) == "" {
		return nil, errors.New("default worker command is required")
	}
	return &EntryPointRegistry{
		fallback: fallback,
		byType:   make(map[model.JobType]EntryPoint),
	}, nil
}

// Register binds a job type to a dedicated executable.
func (r *EntryPointRegistry) Register(jobType model.JobType, ep EntryPoint) error {
	if !jobType.Valid() {
		return errors.New("job type is required")
	}
	if strings.TrimSpace(ep.Command) == "" {
		return fmt.Errorf("entry point for %s: command is required", jobType)
	}
	r.byType[jobType] = ep
	return nil
}

// RegisterCommandLines registers entries of the form type -> "command arg1 arg2".
func (r *EntryPointRegistry) RegisterCommandLines(lines map[string]string) error {
	for jobType, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return fmt.Errorf("entry point for %s: command is required", jobType)
		}
		if err := r.Register(model.JobType(strings.TrimSpace(jobType)), EntryPoint{
			Command: fields[0],
			Args:    fields[1:],
		}); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the entry point for jobType, or the default one.
func (r *EntryPointRegistry) Resolve(jobType model.JobType) EntryPoint {
	ep, ok := r.byType[jobType]
	if !ok {
		ep = r.fallback
	}
	return EntryPoint{Command: ep.Command, Args: append([]string(nil), ep.Args...)}
}

// Types lists the job types with a dedicated entry point.
func (r *EntryPointRegistry) Types() []model.JobType {
	out := make([]model.JobType, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
