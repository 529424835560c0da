package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeSupervisor runs the worker supervisor consume loop.
	ServiceModeSupervisor ServiceMode = "supervisor"
	// ServiceModeReaper runs the retention and reconciliation sweep.
	ServiceModeReaper ServiceMode = "reaper"
	// ServiceModeHTTP serves the job API and health probes.
	ServiceModeHTTP ServiceMode = "http"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeSupervisor,
		ServiceModeReaper,
		ServiceModeHTTP,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeSupervisor, ServiceModeReaper, ServiceModeHTTP:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: supervisor, reaper, http)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// SupervisorConfig contains worker supervisor configuration.
type SupervisorConfig struct {
	// WorkerID identifies this supervisor in jobs.worker_id. Defaults to the hostname.
	WorkerID string `env:"SUPERVISOR_WORKER_ID"`

	// WorkerCommand is the executable spawned for job types without a dedicated entry point.
	WorkerCommand string `env:"SUPERVISOR_WORKER_COMMAND" envDefault:"orchestrator-worker"`

	// WorkerArgs are passed to WorkerCommand.
	WorkerArgs []string `env:"SUPERVISOR_WORKER_ARGS"`

	// EntryPoints maps a job type to a dedicated executable, e.g. "backup=/usr/bin/backup-worker".
	EntryPoints map[string]string `env:"SUPERVISOR_ENTRY_POINTS" envKeyValSeparator:"="`

	// Queues limits consumption to a subset of queues. Empty means every known queue.
	Queues []string `env:"SUPERVISOR_QUEUES"`

	// SpawnRate caps process spawns per second. Zero disables the limit.
	SpawnRate float64 `env:"SUPERVISOR_SPAWN_RATE" envDefault:"0"`

	// SpawnBurst is the limiter burst size.
	SpawnBurst int `env:"SUPERVISOR_SPAWN_BURST" envDefault:"1"`

	// ShutdownTimeout bounds StopAllWorkers during graceful shutdown.
	ShutdownTimeout time.Duration `env:"SUPERVISOR_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Sanitize applies guardrails to supervisor configuration values.
func (s *SupervisorConfig) Sanitize() {
	s.WorkerID = strings.TrimSpace(s.WorkerID)
	if s.WorkerID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			s.WorkerID = host
		} else {
			s.WorkerID = "supervisor"
		}
	}
	s.WorkerCommand = strings.TrimSpace(s.WorkerCommand)
	if s.SpawnRate < 0 {
		s.SpawnRate = 0
	}
	if s.SpawnBurst < 1 {
		s.SpawnBurst = 1
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = 30 * time.Second
	}

	queues := s.Queues[:0]
	for _, q := range s.Queues {
		if q = strings.TrimSpace(q); q != "" {
			queues = append(queues, q)
		}
	}
	s.Queues = queues
}

// QueueNames returns the queues the supervisor consumes.
func (s *SupervisorConfig) QueueNames() []string {
	if len(s.Queues) > 0 {
		return append([]string(nil), s.Queues...)
	}
	return model.QueueNames()
}

// JobsConfig contains job manager configuration.
type JobsConfig struct {
	// DefaultMaxRetries is the retry budget for jobs that do not specify one.
	DefaultMaxRetries int `env:"JOBS_DEFAULT_MAX_RETRIES" envDefault:"3"`

	// StatsCacheTTL is how long GetJobStats results are cached in Redis. Zero disables caching.
	StatsCacheTTL time.Duration `env:"JOBS_STATS_CACHE_TTL" envDefault:"10s"`

	// Persistent and MessageTTL are copied from the broker config at wiring time.
	Persistent bool
	MessageTTL time.Duration
}

// Sanitize applies guardrails to job manager configuration values.
func (j *JobsConfig) Sanitize() {
	if j.DefaultMaxRetries < 0 {
		j.DefaultMaxRetries = 0
	}
	if j.StatsCacheTTL < 0 {
		j.StatsCacheTTL = 0
	}
}

// ReaperConfig contains reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// CompletedMaxAgeDays is the age after which completed jobs are deleted.
	CompletedMaxAgeDays int `env:"REAPER_COMPLETED_MAX_AGE_DAYS" envDefault:"30"`

	// ResultsMaxAgeDays is the age after which job_results rows are deleted.
	// These records keep attempt history after their corresponding jobs are reaped.
	ResultsMaxAgeDays int `env:"REAPER_RESULTS_MAX_AGE_DAYS" envDefault:"90"`

	// ProcessingTimeout fails jobs stuck in processing longer than this. Zero disables the sweep.
	ProcessingTimeout time.Duration `env:"REAPER_PROCESSING_TIMEOUT" envDefault:"0s"`

	// BatchSize is the maximum number of stale jobs failed per sweep.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.CompletedMaxAgeDays < 1 {
		r.CompletedMaxAgeDays = 1
	}
	if r.ResultsMaxAgeDays < 1 {
		r.ResultsMaxAgeDays = 1
	}
	if r.ProcessingTimeout < 0 {
		r.ProcessingTimeout = 0
	}
	if r.ProcessingTimeout > 0 && r.ProcessingTimeout < time.Minute {
		r.ProcessingTimeout = time.Minute
	}

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
