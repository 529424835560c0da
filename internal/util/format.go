package util //nolint:revive // package name util hosts shared formatting helpers for operator output

import (
	"math"
	"time"
)

// FormatProcessingMillis renders a processing time given in milliseconds.
// Returns "-" when nothing was measured; sub-millisecond averages keep microsecond precision.
func FormatProcessingMillis(ms float64) string {
	if ms <= 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return "-"
	}
	d := time.Duration(ms * float64(time.Millisecond))
	if d < time.Millisecond {
		return d.Truncate(time.Microsecond).String()
	}
	return d.Truncate(time.Millisecond).String()
}
