package model

import (
	"encoding/json"
	"time"
)

// JobResult is the immutable outcome of one execution attempt.
type JobResult struct {
	ID             string          `json:"id"`
	JobID          string          `json:"jobId"`
	Status         JobStatus       `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *string         `json:"error,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ProcessingTime int64           `json:"processingTime"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// JobResultFilter narrows FindByFilter. All fields are optional.
type JobResultFilter struct {
	JobID  *string
	Status *JobStatus
	From   *time.Time
	To     *time.Time
	Limit  int
}

// JobResultStats summarises attempts, optionally for a single job.
type JobResultStats struct {
	Total             int     `json:"total"`
	Completed         int     `json:"completed"`
	Failed            int     `json:"failed"`
	AvgProcessingTime float64 `json:"avgProcessingTime"`
}
