// Package metrics emits the orchestrator's StatsD metrics with consistent names and tags.
package metrics

import (
	"time"

	obserrors "github.com/target/mmk-orchestrator/internal/observability/errors"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
	// ResultBackpressure marks a publish the broker accepted while flow-blocked.
	ResultBackpressure = "backpressure"
)

// Job lifecycle transitions.
const (
	TransitionCreated   = "created"
	TransitionStarted   = "started"
	TransitionCompleted = "completed"
	TransitionFailed    = "failed"
	TransitionCancelled = "cancelled"
	TransitionRetried   = "retried"
	TransitionRestarted = "restarted"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	JobType    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job_type":   in.JobType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	addErrorClass(tags, in.Result, in.Err)

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// PublishMetric describes one broker publish.
type PublishMetric struct {
	Queue    string
	Accepted bool
	Err      error
}

// EmitPublish counts broker publishes by queue and outcome.
func EmitPublish(sink statsd.Sink, in PublishMetric) {
	if sink == nil {
		return
	}

	result := ResultSuccess
	switch {
	case in.Err != nil:
		result = ResultError
	case !in.Accepted:
		result = ResultBackpressure
	}

	tags := map[string]string{"queue": in.Queue, "result": result}
	addErrorClass(tags, result, in.Err)
	sink.Count("broker.publish", 1, tags)
}

// EmitRunningWorkers reports the size of the running-process registry.
func EmitRunningWorkers(sink statsd.Sink, workerID string, n int) {
	if sink == nil {
		return
	}
	sink.Gauge("supervisor.running", float64(n), map[string]string{"worker_id": workerID})
}

func addErrorClass(tags map[string]string, result string, err error) {
	if err == nil || result != ResultError {
		return
	}
	if class := obserrors.Classify(err); class != "" {
		tags["error_class"] = class
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
