// Package jobrunner is the worker-process side of job execution: it reads one invocation,
// runs the handler registered for the job type and writes exactly one report.
package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/target/mmk-orchestrator/internal/domain/model"
	obserrors "github.com/target/mmk-orchestrator/internal/observability/errors"
)

// RunnerOptions configures the job runner.
type RunnerOptions struct {
	Registry *Registry        // Optional: defaults to a registry with only GenericHandler
	Logger   *slog.Logger     // Optional: must not write to stdout
	Clock    func() time.Time // Optional: defaults to time.Now
	Timeout  time.Duration    // Optional: bounds handler execution
}

// Runner executes a single invocation.
type Runner struct {
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
	timeout  time.Duration
}

// NewRunner constructs a Runner.
func NewRunner(opts RunnerOptions) *Runner {
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Runner{
		registry: registry,
		logger:   logger.With("component", "job_runner"),
		now:      now,
		timeout:  opts.Timeout,
	}
}

// Run decodes the invocation from in, executes it and writes the report line to out.
// It returns an error only when no report could be produced.
func (r *Runner) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	var inv model.Invocation
	if err := json.NewDecoder(in).Decode(&inv); err != nil {
		return fmt.Errorf("decode invocation: %w", err)
	}
	if err := inv.Validate(); err != nil {
		return err
	}

	logger := r.logger.With("job_id", inv.JobID, "type", inv.Type)
	logger.InfoContext(ctx, "executing job")

	start := r.now()
	res, execErr := r.execute(ctx, inv)
	elapsed := r.now().Sub(start)

	report := model.WorkerReport{ProcessingTime: elapsed.Milliseconds()}
	if execErr != nil {
		report.Status = model.ReportError
		report.Error = execErr.Error()
		report.Metadata = errorMetadata(execErr)
		logger.WarnContext(ctx, "job failed", "error", execErr, "duration_ms", report.ProcessingTime)
	} else {
		report.Status = model.ReportSuccess
		if res != nil {
			report.Data = res.Data
			report.Metadata = res.Metadata
		}
		logger.InfoContext(ctx, "job succeeded", "duration_ms", report.ProcessingTime)
	}

	if err := json.NewEncoder(out).Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// execute runs the handler, turning panics into errors.
func (r *Runner) execute(ctx context.Context, inv model.Invocation) (res *HandlerResult, err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	res, err = r.registry.Resolve(inv.Type).Execute(ctx, inv)
	if err == nil && res != nil && len(res.Data) > 0 && !json.Valid(res.Data) {
		return nil, errors.New("handler returned invalid JSON data")
	}
	return res, err
}

func errorMetadata(err error) json.RawMessage {
	class := obserrors.Classify(err)
	if class == "" {
		return nil
	}
	b, mErr := json.Marshal(map[string]string{"error_class": class})
	if mErr != nil {
		return nil
	}
	return b
}
