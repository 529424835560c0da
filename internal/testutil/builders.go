package testutil

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with a fresh id and sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			ID:         uuid.NewString(),
			Type:       model.JobTypeExecuteTool,
			QueueName:  model.QueueForType(model.JobTypeExecuteTool),
			Payload:    json.RawMessage(`{"tool":"echo"}`),
			MaxRetries: model.DefaultMaxRetries,
		},
	}
}

// WithType sets the job type and routes it to the matching queue.
func (b *JobRequestBuilder) WithType(jobType model.JobType) *JobRequestBuilder {
	b.req.Type = jobType
	b.req.QueueName = model.QueueForType(jobType)
	return b
}

// WithStatus sets the initial status.
func (b *JobRequestBuilder) WithStatus(status model.JobStatus) *JobRequestBuilder {
	b.req.Status = status
	return b
}

// WithPriority sets the job priority.
func (b *JobRequestBuilder) WithPriority(priority int) *JobRequestBuilder {
	b.req.Priority = priority
	return b
}

// WithPayloadString sets the job payload from a string.
func (b *JobRequestBuilder) WithPayloadString(payload string) *JobRequestBuilder {
	b.req.Payload = json.RawMessage(payload)
	return b
}

// WithMetadataString sets the job metadata from a string.
func (b *JobRequestBuilder) WithMetadataString(metadata string) *JobRequestBuilder {
	b.req.Metadata = json.RawMessage(metadata)
	return b
}

// WithUser sets the submitting user.
func (b *JobRequestBuilder) WithUser(userID string) *JobRequestBuilder {
	b.req.UserID = &userID
	return b
}

// WithMaxRetries sets the maximum number of retries.
func (b *JobRequestBuilder) WithMaxRetries(maxRetries int) *JobRequestBuilder {
	b.req.MaxRetries = maxRetries
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}
