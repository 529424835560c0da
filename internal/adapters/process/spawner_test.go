package process

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// TestHelperProcess is not a real test. It is re-executed as the worker process.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	mode := os.Args[len(os.Args)-1]

	var inv model.Invocation
	if err := json.NewDecoder(os.Stdin).Decode(&inv); err != nil {
		fmt.Fprintln(os.Stderr, "decode invocation:", err)
		os.Exit(2)
	}

	switch mode {
	case "report":
		fmt.Fprintln(os.Stderr, "working on", inv.JobID)
		fmt.Println("not a report")
		fmt.Printf(`{"status":"success","data":{"jobId":%q,"worker":%q},"processingTime":5}`+"\n", inv.JobID, inv.WorkerID)
		fmt.Println(`{"status":"error","error":"ignored second report"}`)
	case "error":
		fmt.Println(`{"status":"error","error":"disk full"}`)
		os.Exit(1)
	case "noisy":
		os.Stderr.WriteString(strings.Repeat("x", 2<<20) + "\n")
		os.Stderr.WriteString(strings.Repeat("y", 200<<10) + "\n")
		fmt.Println(`{"status":"success","data":{},"processingTime":1}`)
	case "silent":
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func helperRequest(mode string) core.SpawnRequest {
	return core.SpawnRequest{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess", "--", mode},
		Env:     []string{"GO_WANT_HELPER_PROCESS=1"},
		Invocation: model.Invocation{
			JobID:    "job-1",
			Type:     model.JobTypeExtract,
			Payload:  json.RawMessage(`{"documentId":"doc-1"}`),
			WorkerID: "host-a",
		},
	}
}

func collect(t *testing.T, h core.ProcessHandle) []core.ProcessEvent {
	t.Helper()
	var events []core.ProcessEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for worker events")
		}
	}
}

func TestSpawner_Spawn(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns subprocesses")
	}
	ctx := context.Background()
	s := NewSpawner(Options{})

	t.Run("first valid report then exit", func(t *testing.T) {
		h, err := s.Spawn(ctx, helperRequest("report"))
		require.NoError(t, err)
		assert.Positive(t, h.PID())

		events := collect(t, h)
		require.Len(t, events, 2)

		require.NotNil(t, events[0].Report)
		assert.Equal(t, model.ReportSuccess, events[0].Report.Status)
		assert.JSONEq(t, `{"jobId":"job-1","worker":"host-a"}`, string(events[0].Report.Data))
		assert.Equal(t, int64(5), events[0].Report.ProcessingTime)

		assert.True(t, events[1].Exited)
		assert.Zero(t, events[1].ExitCode)
		assert.NoError(t, events[1].Err)

		assert.NoError(t, h.Kill(), "kill after exit is a no-op")
	})

	t.Run("error report with non-zero exit", func(t *testing.T) {
		h, err := s.Spawn(ctx, helperRequest("error"))
		require.NoError(t, err)

		events := collect(t, h)
		require.Len(t, events, 2)
		require.NotNil(t, events[0].Report)
		assert.Equal(t, "disk full", events[0].Report.Error)
		assert.Equal(t, 1, events[1].ExitCode)
	})

	t.Run("oversized stderr lines do not block the worker", func(t *testing.T) {
		h, err := s.Spawn(ctx, helperRequest("noisy"))
		require.NoError(t, err)

		events := collect(t, h)
		require.Len(t, events, 2)
		require.NotNil(t, events[0].Report)
		assert.Equal(t, model.ReportSuccess, events[0].Report.Status)
		assert.True(t, events[1].Exited)
		assert.Zero(t, events[1].ExitCode)
	})

	t.Run("exit without a report", func(t *testing.T) {
		h, err := s.Spawn(ctx, helperRequest("silent"))
		require.NoError(t, err)

		events := collect(t, h)
		require.Len(t, events, 1)
		assert.True(t, events[0].Exited)
		assert.Equal(t, 3, events[0].ExitCode)
	})

	t.Run("kill is idempotent", func(t *testing.T) {
		h, err := s.Spawn(ctx, helperRequest("hang"))
		require.NoError(t, err)

		require.NoError(t, h.Kill())
		require.NoError(t, h.Kill())

		events := collect(t, h)
		require.Len(t, events, 1)
		assert.True(t, events[0].Exited)
		assert.NotZero(t, events[0].ExitCode)
	})
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("short\n"+strings.Repeat("z", 100)+"\nafter"), 16)

	line, oversized, err := readLine(r, 32)
	require.NoError(t, err)
	assert.False(t, oversized)
	assert.Equal(t, "short", string(line))

	line, oversized, err = readLine(r, 32)
	require.NoError(t, err)
	assert.True(t, oversized)
	assert.Empty(t, line)

	line, oversized, err = readLine(r, 32)
	require.NoError(t, err)
	assert.False(t, oversized)
	assert.Equal(t, "after", string(line))

	_, _, err = readLine(r, 32)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSpawner_SpawnValidation(t *testing.T) {
	s := NewSpawner(Options{})
	ctx := context.Background()

	_, err := s.Spawn(ctx, core.SpawnRequest{Invocation: model.Invocation{JobID: "j", Type: "x"}})
	require.Error(t, err)

	_, err = s.Spawn(ctx, core.SpawnRequest{Command: "worker"})
	require.Error(t, err)

	_, err = s.Spawn(ctx, core.SpawnRequest{Command: "/nonexistent/worker-binary", Invocation: model.Invocation{JobID: "j", Type: "x"}})
	require.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Spawn(cancelled, helperRequest("report"))
	require.ErrorIs(t, err, context.Canceled)
}
