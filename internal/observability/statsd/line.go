package statsd

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// metricType is the DogStatsD type suffix.
type metricType string

const (
	typeCount  metricType = "c"
	typeGauge  metricType = "g"
	typeTiming metricType = "ms"
)

// reserved maps characters the line protocol uses as separators, plus spaces and slashes, to '_'.
var reserved = strings.NewReplacer(" ", "_", "/", "_", ":", "_", "|", "_", "@", "_")

// encoder renders DogStatsD lines: prefix.name:value|type|#k:v,...
type encoder struct {
	prefix string
	tags   map[string]string
}

func newEncoder(prefix string, tags map[string]string) encoder {
	return encoder{prefix: strings.Trim(strings.TrimSpace(prefix), "."), tags: cloneTags(tags)}
}

// line returns "" when name normalizes to nothing.
func (e encoder) line(name, value string, t metricType, tags map[string]string) string {
	metric := normalizeMetricName(name)
	if metric == "" {
		return ""
	}
	if e.prefix != "" {
		metric = e.prefix + "." + metric
	}

	var b strings.Builder
	b.Grow(len(metric) + len(value) + 32)
	b.WriteString(metric)
	b.WriteByte(':')
	b.WriteString(value)
	b.WriteByte('|')
	b.WriteString(string(t))
	writeTags(&b, e.tags, tags)
	return b.String()
}

func normalizeMetricName(name string) string {
	n := reserved.Replace(strings.TrimSpace(name))
	for strings.Contains(n, "..") {
		n = strings.ReplaceAll(n, "..", ".")
	}
	return strings.Trim(n, ".")
}

// writeTags appends the merged tag set sorted by key. local wins over global.
func writeTags(b *strings.Builder, global, local map[string]string) {
	merged := cloneTags(global)
	for k, v := range cloneTags(local) {
		merged[k] = v
	}
	if len(merged) == 0 {
		return
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString("|#")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(merged[k])
	}
}

// cloneTags copies tags with trimmed keys and values, dropping blank keys.
func cloneTags(tags map[string]string) map[string]string {
	cp := make(map[string]string, len(tags))
	for k, v := range tags {
		if key := strings.TrimSpace(k); key != "" {
			cp[key] = strings.TrimSpace(v)
		}
	}
	return cp
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
