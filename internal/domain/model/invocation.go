package model

import (
	"encoding/json"
	"errors"
)

// Invocation is the context handed to a spawned worker process on stdin.
type Invocation struct {
	JobID    string          `json:"jobId"`
	Type     JobType         `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	WorkerID string          `json:"workerId"`
}

// Validate checks the fields a worker needs to execute a job.
func (i *Invocation) Validate() error {
	if i.JobID == "" {
		return errors.New("invocation job id is required")
	}
	if !i.Type.Valid() {
		return errors.New("invocation job type is required")
	}
	return nil
}

// ReportStatus distinguishes the two outcomes a worker may report.
type ReportStatus string

const (
	// ReportSuccess carries a result document.
	ReportSuccess ReportStatus = "success"
	// ReportError carries an error message.
	ReportError ReportStatus = "error"
)

// WorkerReport is the single line a worker process writes to stdout.
type WorkerReport struct {
	Status         ReportStatus    `json:"status"`
	Data           json.RawMessage `json:"data,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ProcessingTime int64           `json:"processingTime,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Validate checks that the report is one of the two allowed shapes.
func (r *WorkerReport) Validate() error {
	switch r.Status {
	case ReportSuccess:
		return nil
	case ReportError:
		if r.Error == "" {
			return errors.New("error report requires a message")
		}
		return nil
	default:
		return errors.New("unknown report status")
	}
}
