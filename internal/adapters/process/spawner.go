// Package process runs each job in an isolated operating-system process.
//
// The invocation context is written to the child's stdin as one JSON document. The child
// answers with a single JSON report line on stdout. Anything it writes to stderr is
// forwarded to the supervisor's logger.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

const (
	defaultMaxReportBytes = 4 * 1024 * 1024
	// maxStderrLineBytes bounds one forwarded stderr line; longer lines are dropped, not truncated.
	maxStderrLineBytes = 64 * 1024
)

// Options configures a Spawner.
type Options struct {
	Logger *slog.Logger
	// MaxReportBytes bounds a single stdout line. Longer lines are skipped.
	MaxReportBytes int
}

// Spawner starts worker processes with os/exec.
type Spawner struct {
	logger         *slog.Logger
	maxReportBytes int
}

var _ core.ProcessSpawner = (*Spawner)(nil)

// NewSpawner returns a Spawner.
func NewSpawner(opts Options) *Spawner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := opts.MaxReportBytes
	if limit <= 0 {
		limit = defaultMaxReportBytes
	}
	return &Spawner{
		logger:         logger.With("component", "process_spawner"),
		maxReportBytes: limit,
	}
}

// Spawn starts req.Command. ctx only bounds startup: the process lives until it exits or is killed.
func (s *Spawner) Spawn(ctx context.Context, req core.SpawnRequest) (core.ProcessHandle, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, errors.New("worker command is required")
	}
	if err := req.Invocation.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input, err := json.Marshal(req.Invocation)
	if err != nil {
		return nil, fmt.Errorf("encode invocation: %w", err)
	}

	// #nosec G204 -- worker commands come from operator configuration, not job payloads
	cmd := exec.Command(req.Command, req.Args...)
	cmd.Env = append(os.Environ(), req.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", req.Command, err)
	}

	h := &handle{
		cmd:    cmd,
		events: make(chan core.ProcessEvent, 2),
		logger: s.logger.With("job_id", req.Invocation.JobID, "pid", cmd.Process.Pid),
	}

	go h.writeInvocation(stdin, input)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		h.readReport(stdout, s.maxReportBytes)
	}()
	go func() {
		defer readers.Done()
		h.forwardStderr(stderr)
	}()
	go h.wait(&readers)

	return h, nil
}

type handle struct {
	cmd    *exec.Cmd
	events chan core.ProcessEvent
	logger *slog.Logger

	mu     sync.Mutex
	killed bool
	exited bool
}

func (h *handle) PID() int {
	return h.cmd.Process.Pid
}

func (h *handle) Events() <-chan core.ProcessEvent {
	return h.events
}

// Kill terminates the process. Later calls, and calls after exit, return nil.
func (h *handle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.killed || h.exited {
		return nil
	}
	h.killed = true
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", h.cmd.Process.Pid, err)
	}
	return nil
}

func (h *handle) writeInvocation(stdin io.WriteCloser, input []byte) {
	defer stdin.Close()
	if _, err := stdin.Write(append(input, '\n')); err != nil {
		h.logger.Warn("write invocation failed", "error", err)
	}
}

// readReport emits the first valid report line and drains the rest so the child never blocks.
func (h *handle) readReport(stdout io.Reader, limit int) {
	reader := bufio.NewReaderSize(stdout, 64*1024)
	reported := false
	for {
		line, _, err := readLine(reader, limit)
		if len(line) > 0 && !reported {
			if report, ok := parseReport(line); ok {
				h.events <- core.ProcessEvent{Report: report}
				reported = true
			} else {
				h.logger.Debug("ignoring non-report stdout line", "bytes", len(line))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.logger.Warn("read worker stdout failed", "error", err)
			}
			return
		}
	}
}

// readLine returns one line without its terminator. A line longer than limit is consumed in
// full but comes back empty with oversized set.
func readLine(r *bufio.Reader, limit int) (line []byte, oversized bool, err error) {
	for {
		chunk, isPrefix, rerr := r.ReadLine()
		if !oversized {
			line = append(line, chunk...)
			if len(line) > limit {
				line, oversized = nil, true
			}
		}
		if rerr != nil || !isPrefix {
			return line, oversized, rerr
		}
	}
}

func parseReport(line []byte) (*model.WorkerReport, bool) {
	var report model.WorkerReport
	if err := json.Unmarshal(line, &report); err != nil {
		return nil, false
	}
	if report.Validate() != nil {
		return nil, false
	}
	return &report, true
}

// forwardStderr logs stderr line by line until EOF. It never stops early, since a child
// blocked on a full stderr pipe would never exit.
func (h *handle) forwardStderr(stderr io.Reader) {
	reader := bufio.NewReaderSize(stderr, 16*1024)
	for {
		line, oversized, err := readLine(reader, maxStderrLineBytes)
		if oversized {
			h.logger.Warn("dropped oversized worker output line", "limit_bytes", maxStderrLineBytes)
		} else if text := strings.TrimSpace(string(line)); text != "" {
			h.logger.Info("worker output", "line", text)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.logger.Warn("read worker stderr failed", "error", err)
			}
			return
		}
	}
}

func (h *handle) wait(readers *sync.WaitGroup) {
	readers.Wait()
	err := h.cmd.Wait()

	h.mu.Lock()
	h.exited = true
	h.mu.Unlock()

	ev := core.ProcessEvent{Exited: true, ExitCode: h.cmd.ProcessState.ExitCode()}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		ev.Err = err
	}
	h.logger.Debug("worker exited", "exit_code", ev.ExitCode)
	h.events <- ev
	close(h.events)
}
