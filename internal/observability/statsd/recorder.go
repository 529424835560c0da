package statsd

import (
	"sync"
	"time"
)

// Metric is one emission captured by Recorder.
type Metric struct {
	Kind  string // "count", "gauge" or "timing"
	Name  string
	Value float64
	Tags  map[string]string
}

// Recorder is an in-memory Sink. The admin CLI uses it to print metrics a command emitted,
// and tests use it to assert on emissions.
type Recorder struct {
	mu      sync.Mutex
	metrics []Metric
}

var _ Sink = (*Recorder)(nil)

// Count records a counter.
func (r *Recorder) Count(name string, value int64, tags map[string]string) {
	r.add(Metric{Kind: "count", Name: name, Value: float64(value), Tags: cloneTags(tags)})
}

// Gauge records a gauge.
func (r *Recorder) Gauge(name string, value float64, tags map[string]string) {
	r.add(Metric{Kind: "gauge", Name: name, Value: value, Tags: cloneTags(tags)})
}

// Timing records a timing in milliseconds.
func (r *Recorder) Timing(name string, value time.Duration, tags map[string]string) {
	r.add(Metric{Kind: "timing", Name: name, Value: millis(value), Tags: cloneTags(tags)})
}

func (r *Recorder) add(m Metric) {
	r.mu.Lock()
	r.metrics = append(r.metrics, m)
	r.mu.Unlock()
}

// Metrics returns a copy of everything recorded so far.
func (r *Recorder) Metrics() []Metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Metric(nil), r.metrics...)
}

// Find returns the recorded metrics with the given name.
func (r *Recorder) Find(name string) []Metric {
	var out []Metric
	for _, m := range r.Metrics() {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// Tagged wraps sink so every emission carries tags. Per-call tags win on conflict.
func Tagged(sink Sink, tags map[string]string) Sink {
	if sink == nil || len(tags) == 0 {
		return sink
	}
	return &taggedSink{next: sink, tags: cloneTags(tags)}
}

type taggedSink struct {
	next Sink
	tags map[string]string
}

func (t *taggedSink) merge(tags map[string]string) map[string]string {
	out := make(map[string]string, len(t.tags)+len(tags))
	for k, v := range t.tags {
		out[k] = v
	}
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func (t *taggedSink) Count(name string, value int64, tags map[string]string) {
	t.next.Count(name, value, t.merge(tags))
}

func (t *taggedSink) Gauge(name string, value float64, tags map[string]string) {
	t.next.Gauge(name, value, t.merge(tags))
}

func (t *taggedSink) Timing(name string, value time.Duration, tags map[string]string) {
	t.next.Timing(name, value, t.merge(tags))
}
