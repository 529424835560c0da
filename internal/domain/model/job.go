// Package model defines the core data types shared by the orchestrator's stores, broker and supervisor.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType selects the queue a job is published to and the handler that executes it.
// Any non-empty string is accepted; unknown types route to the fallback queue.
type JobType string

// JobStatus represents the current status of a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobTypeExecuteTool runs a tool invocation.
	JobTypeExecuteTool JobType = "execute_tool"
	// JobTypeGeneratePrompt renders a prompt.
	JobTypeGeneratePrompt JobType = "generate_prompt"
	// JobTypeBackup performs a backup.
	JobTypeBackup JobType = "backup"
	// JobTypeExtract extracts content from a document.
	JobTypeExtract JobType = "extract"
	// JobTypeFileTuning prepares a file for model tuning.
	JobTypeFileTuning JobType = "file-tuning"

	// JobStatusPending indicates a job is waiting to be claimed by a supervisor.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing indicates a worker process is executing the job.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates a job has finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job has failed to complete.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates a job was stopped before completing.
	JobStatusCancelled JobStatus = "cancelled"

	// JobStatusRestart is not persisted. UpdateJob interprets it as a request to fork a new job.
	JobStatusRestart JobStatus = "restart"

	// DefaultMaxRetries is the retry budget assigned when a request does not specify one.
	DefaultMaxRetries = 3
)

// Valid returns true if the JobType is non-empty.
func (t JobType) Valid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// Valid returns true if the JobStatus is a persistable status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the job lifecycle.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// UnmarshalText implements encoding.TextUnmarshaler so statuses can be parsed from flags and env.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := JobStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if v.Valid() || v == JobStatusRestart {
		*s = v
		return nil
	}
	return fmt.Errorf("invalid JobStatus: %q", v)
}

// TerminalStatuses lists the statuses for which FinishedAt is set.
func TerminalStatuses() []JobStatus {
	return []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}
}

// Job is the durable record of a unit of work.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Status      JobStatus       `json:"status"`
	QueueName   string          `json:"queueName"`
	WorkerID    *string         `json:"workerId,omitempty"`
	UserID      *string         `json:"userId,omitempty"`
	Description *string         `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Priority    int             `json:"priority"`
	Retries     int             `json:"retries"`
	MaxRetries  int             `json:"maxRetries"`
	Progress    int             `json:"progress"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// CanRetry reports whether the job is failed and still has retry budget left.
func (j *Job) CanRetry() bool {
	return j != nil && j.Status == JobStatusFailed && j.Retries < j.MaxRetries
}

// CreateJobRequest is the store-level request to insert a job.
type CreateJobRequest struct {
	ID          string
	Type        JobType
	Status      JobStatus
	QueueName   string
	UserID      *string
	Description *string
	Payload     json.RawMessage
	Metadata    json.RawMessage
	Priority    int
	MaxRetries  int
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("job id is required")
	}
	if !r.Type.Valid() {
		return errors.New("job type is required")
	}
	if r.Status != "" && !r.Status.Valid() {
		return fmt.Errorf("invalid job status %q", r.Status)
	}
	if strings.TrimSpace(r.QueueName) == "" {
		return errors.New("queue name is required")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.Priority < 0 || r.Priority > MaxPriority {
		return fmt.Errorf("priority must be between 0 and %d", MaxPriority)
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// MaxPriority is the highest broker priority a job may request.
const MaxPriority = 9

// AddJobRequest is the caller-facing request accepted by the job manager.
type AddJobRequest struct {
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	UserID      *string         `json:"userId,omitempty"`
	Description *string         `json:"description,omitempty"`
	RelatedIDs  []string        `json:"relatedIds,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	MaxRetries  *int            `json:"maxRetries,omitempty"`
}

// JobPatch is a partial update. Nil fields are left untouched.
type JobPatch struct {
	Status      *JobStatus      `json:"status,omitempty"`
	Progress    *int            `json:"progress,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Description *string         `json:"description,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	MaxRetries  *int            `json:"maxRetries,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p *JobPatch) Empty() bool {
	return p == nil || (p.Status == nil && p.Progress == nil && p.Result == nil && p.Metadata == nil &&
		p.Error == nil && p.Description == nil && p.Priority == nil && p.MaxRetries == nil)
}

// JobStats represents counts of jobs per status. The counts always sum to Total.
type JobStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// ClampProgress bounds a progress value to [0,100].
func ClampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
