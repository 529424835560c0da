package jobrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

func fixedClock(step time.Duration) func() time.Time {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

func invocation(t *testing.T, jobType model.JobType, payload string) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(model.Invocation{
		JobID:    "job-1",
		Type:     jobType,
		Payload:  json.RawMessage(payload),
		WorkerID: "host-a",
	})
	require.NoError(t, err)
	return bytes.NewBuffer(b)
}

func decodeReport(t *testing.T, out *bytes.Buffer) model.WorkerReport {
	t.Helper()
	require.Equal(t, 1, strings.Count(out.String(), "\n"), "exactly one report line")
	var report model.WorkerReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	return report
}

func TestRunner_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("unregistered type is echoed by the generic handler", func(t *testing.T) {
		r := NewRunner(RunnerOptions{Clock: fixedClock(40 * time.Millisecond)})
		var out bytes.Buffer

		require.NoError(t, r.Run(ctx, invocation(t, "summarize", `{"documentId":"doc-1"}`), &out))

		report := decodeReport(t, &out)
		assert.Equal(t, model.ReportSuccess, report.Status)
		assert.JSONEq(t, `{"documentId":"doc-1"}`, string(report.Data))
		assert.Equal(t, int64(40), report.ProcessingTime)
	})

	t.Run("registered handler result is reported", func(t *testing.T) {
		reg := NewRegistry(nil)
		require.NoError(t, reg.Register(model.JobTypeExtract, HandlerFunc(
			func(_ context.Context, inv model.Invocation) (*HandlerResult, error) {
				assert.Equal(t, "host-a", inv.WorkerID)
				return &HandlerResult{Data: json.RawMessage(`{"pages":3}`), Metadata: json.RawMessage(`{"ocr":false}`)}, nil
			})))

		r := NewRunner(RunnerOptions{Registry: reg})
		var out bytes.Buffer
		require.NoError(t, r.Run(ctx, invocation(t, model.JobTypeExtract, `{}`), &out))

		report := decodeReport(t, &out)
		assert.Equal(t, model.ReportSuccess, report.Status)
		assert.JSONEq(t, `{"pages":3}`, string(report.Data))
		assert.JSONEq(t, `{"ocr":false}`, string(report.Metadata))
	})

	t.Run("handler error becomes an error report", func(t *testing.T) {
		reg := NewRegistry(nil)
		require.NoError(t, reg.Register(model.JobTypeBackup, HandlerFunc(
			func(context.Context, model.Invocation) (*HandlerResult, error) {
				return nil, errors.New("disk full")
			})))

		r := NewRunner(RunnerOptions{Registry: reg})
		var out bytes.Buffer
		require.NoError(t, r.Run(ctx, invocation(t, model.JobTypeBackup, `{}`), &out))

		report := decodeReport(t, &out)
		assert.Equal(t, model.ReportError, report.Status)
		assert.Equal(t, "disk full", report.Error)
		assert.JSONEq(t, `{"error_class":"errors_errorstring"}`, string(report.Metadata))
	})

	t.Run("panic is recovered into an error report", func(t *testing.T) {
		reg := NewRegistry(HandlerFunc(func(context.Context, model.Invocation) (*HandlerResult, error) {
			panic("boom")
		}))

		r := NewRunner(RunnerOptions{Registry: reg})
		var out bytes.Buffer
		require.NoError(t, r.Run(ctx, invocation(t, "anything", `{}`), &out))

		report := decodeReport(t, &out)
		assert.Equal(t, model.ReportError, report.Status)
		assert.Equal(t, "handler panic: boom", report.Error)
	})

	t.Run("timeout reaches the handler", func(t *testing.T) {
		reg := NewRegistry(HandlerFunc(func(ctx context.Context, _ model.Invocation) (*HandlerResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

		r := NewRunner(RunnerOptions{Registry: reg, Timeout: 10 * time.Millisecond})
		var out bytes.Buffer
		require.NoError(t, r.Run(ctx, invocation(t, "slow", `{}`), &out))

		report := decodeReport(t, &out)
		assert.Equal(t, model.ReportError, report.Status)
		assert.Equal(t, context.DeadlineExceeded.Error(), report.Error)
	})

	t.Run("invalid handler data is an error report", func(t *testing.T) {
		reg := NewRegistry(HandlerFunc(func(context.Context, model.Invocation) (*HandlerResult, error) {
			return &HandlerResult{Data: json.RawMessage(`{broken`)}, nil
		}))

		r := NewRunner(RunnerOptions{Registry: reg})
		var out bytes.Buffer
		require.NoError(t, r.Run(ctx, invocation(t, "x", `{}`), &out))
		assert.Equal(t, model.ReportError, decodeReport(t, &out).Status)
	})

	t.Run("bad invocation writes no report", func(t *testing.T) {
		r := NewRunner(RunnerOptions{})
		var out bytes.Buffer

		require.Error(t, r.Run(ctx, strings.NewReader(`not json`), &out))
		require.Error(t, r.Run(ctx, strings.NewReader(`{"type":"extract"}`), &out))
		assert.Zero(t, out.Len())
	})
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(nil)
	h := HandlerFunc(func(context.Context, model.Invocation) (*HandlerResult, error) { return nil, nil })

	require.NoError(t, reg.Register(model.JobTypeBackup, h))
	require.Error(t, reg.Register(model.JobTypeBackup, h), "duplicate registration")
	require.Error(t, reg.Register("", h))
	require.Error(t, reg.Register(model.JobTypeExtract, nil))

	assert.IsType(t, GenericHandler{}, reg.Resolve(model.JobTypeExtract))
}
