package service

import (
	"sort"
	"sync"

	"github.com/target/mmk-orchestrator/internal/core"
)

// ProcessRegistry tracks the worker process running each job on this supervisor.
// Whoever removes an entry owns the job's terminal transition.
type ProcessRegistry struct {
	mu    sync.Mutex
	procs map[string]core.ProcessHandle
}

// NewProcessRegistry returns an empty registry.
func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{procs: make(map[string]core.ProcessHandle)}
}

// Add tracks h for jobID. It returns false if the job already has a process.
func (r *ProcessRegistry) Add(jobID string, h core.ProcessHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procs[jobID]; exists {
		return false
	}
	r.procs[jobID] = h
	return true
}

// Remove untracks jobID and returns its handle.
func (r *ProcessRegistry) Remove(jobID string) (core.ProcessHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.procs[jobID]
	if ok {
		delete(r.procs, jobID)
	}
	return h, ok
}

// Release untracks jobID only while it still maps to h.
func (r *ProcessRegistry) Release(jobID string, h core.ProcessHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.procs[jobID]; ok && cur == h {
		delete(r.procs, jobID)
		return true
	}
	return false
}

// Has reports whether jobID is tracked.
func (r *ProcessRegistry) Has(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.procs[jobID]
	return ok
}

// IDs returns a sorted snapshot of tracked job ids.
func (r *ProcessRegistry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of tracked processes.
func (r *ProcessRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}
