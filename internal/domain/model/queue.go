package model

import "encoding/json"

// FallbackQueue receives jobs whose type has no dedicated queue.
const FallbackQueue = "job-queue"

var queueByType = map[JobType]string{
	JobTypeExecuteTool:    "execute_tool",
	JobTypeGeneratePrompt: "generate_prompt",
	JobTypeBackup:         "backup",
	JobTypeExtract:        "extract",
	JobTypeFileTuning:     "file-tuning",
}

// QueueForType resolves the queue a job type is published to.
func QueueForType(t JobType) string {
	if q, ok := queueByType[t]; ok {
		return q
	}
	return FallbackQueue
}

// QueueNames returns every known queue, fallback last.
func QueueNames() []string {
	return []string{
		"execute_tool",
		"generate_prompt",
		"backup",
		"extract",
		"file-tuning",
		FallbackQueue,
	}
}

// QueueMessage is the wire shape published to a queue.
type QueueMessage struct {
	JobID   string          `json:"jobId"`
	Type    JobType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}
