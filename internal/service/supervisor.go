package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	apperrors "github.com/target/mmk-orchestrator/internal/errors"
	"github.com/target/mmk-orchestrator/internal/observability/metrics"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// directStartStatuses are the states StartJobWorker may claim a job from.
var directStartStatuses = []model.JobStatus{
	model.JobStatusPending,
	model.JobStatusFailed,
	model.JobStatusCancelled,
	model.JobStatusCompleted,
}

// WorkerSupervisorOptions groups dependencies for WorkerSupervisor.
type WorkerSupervisorOptions struct {
	Broker      core.Broker         // Required: message source
	Jobs        core.JobRepository  // Required: claims and cancellation
	Recorder    core.ResultRecorder // Required: persists attempt outcomes
	Spawner     core.ProcessSpawner // Required: starts worker processes
	EntryPoints *EntryPointRegistry // Required: job type -> executable
	CancelBus   core.CancelBus      // Optional: cross-host stop fan-out
	Canceller   core.JobCanceller   // Optional: cancels through the job manager instead of Jobs
	Metrics     statsd.Sink         // Optional: metrics sink (StatsD-compatible)
	Logger      *slog.Logger        // Optional: structured logger
	WorkerID    string              // Required: recorded as jobs.worker_id
	Queues      []string            // Queues to consume; defaults to every known queue
	SpawnRate   float64             // Spawns per second; zero disables the limiter
	SpawnBurst  int                 // Limiter burst size; defaults to 1
	Env         []string            // Extra environment for worker processes
	Clock       func() time.Time    // Optional: defaults to time.Now

	// ReconnectDelay is the first wait before re-registering consumers after a broker drop.
	// It doubles per failed attempt up to maxReconnectDelay. Defaults to one second.
	ReconnectDelay time.Duration
	// ReconnectAttempts bounds consecutive failed re-registrations before ProcessJobs
	// gives up with an error. Defaults to 10.
	ReconnectAttempts int
}

const (
	defaultReconnectDelay    = time.Second
	maxReconnectDelay        = 30 * time.Second
	defaultReconnectAttempts = 10
)

// WorkerSupervisor consumes job messages and runs each job in an isolated worker process.
type WorkerSupervisor struct {
	broker      core.Broker
	jobs        core.JobRepository
	recorder    core.ResultRecorder
	spawner     core.ProcessSpawner
	entryPoints *EntryPointRegistry
	cancelBus   core.CancelBus
	canceller   core.JobCanceller
	metrics     statsd.Sink
	logger      *slog.Logger
	workerID    string
	queues      []string
	limiter     *rate.Limiter
	env         []string
	now         func() time.Time
	registry    *ProcessRegistry

	reconnectDelay    time.Duration
	reconnectAttempts int
}

// NewWorkerSupervisor constructs a WorkerSupervisor.
func NewWorkerSupervisor(opts WorkerSupervisorOptions) (*WorkerSupervisor, error) {
	switch {
	case opts.Broker == nil:
		return nil, errors.New("broker is required")
	case opts.Jobs == nil:
		return nil, errors.New("JobRepository is required")
	case opts.Recorder == nil:
		return nil, errors.New("ResultRecorder is required")
	case opts.Spawner == nil:
		return nil, errors.New("ProcessSpawner is required")
	case opts.EntryPoints == nil:
		return nil, errors.New("EntryPointRegistry is required")
	case opts.WorkerID == "":
		return nil, errors.New("worker id is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queues := opts.Queues
	if len(queues) == 0 {
		queues = model.QueueNames()
	}
	var limiter *rate.Limiter
	if opts.SpawnRate > 0 {
		burst := opts.SpawnBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.SpawnRate), burst)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	reconnectAttempts := opts.ReconnectAttempts
	if reconnectAttempts <= 0 {
		reconnectAttempts = defaultReconnectAttempts
	}

	return &WorkerSupervisor{
		broker:      opts.Broker,
		jobs:        opts.Jobs,
		recorder:    opts.Recorder,
		spawner:     opts.Spawner,
		entryPoints: opts.EntryPoints,
		cancelBus:   opts.CancelBus,
		canceller:   opts.Canceller,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "supervisor", "worker_id", opts.WorkerID),
		workerID:    opts.WorkerID,
		queues:      append([]string(nil), queues...),
		limiter:     limiter,
		env:         opts.Env,
		now:         now,
		registry:    NewProcessRegistry(),

		reconnectDelay:    reconnectDelay,
		reconnectAttempts: reconnectAttempts,
	}, nil
}

// ProcessJobs registers one consumer per queue and blocks until ctx is cancelled. When the
// broker connection drops it reconnects and registers every consumer again; it returns an
// error only when the first registration fails or reconnecting keeps failing.
func (s *WorkerSupervisor) ProcessJobs(ctx context.Context) error {
	lost, err := s.subscribe(ctx)
	if err != nil {
		return err
	}

	if s.cancelBus != nil {
		go func() {
			if err := s.cancelBus.Subscribe(ctx, s.HandleRemoteStop); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "stop subscription ended", "error", err)
			}
		}()
	}

	s.logger.InfoContext(ctx, "supervisor consuming", "queues", s.queues)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
		}
		s.logger.WarnContext(ctx, "broker connection lost, registering consumers again")
		lost, err = s.resubscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.logger.InfoContext(ctx, "supervisor consuming again", "queues", s.queues)
	}
}

// subscribe connects and registers a consumer per queue. The returned channel closes when
// the connection those consumers run on is lost.
func (s *WorkerSupervisor) subscribe(ctx context.Context) (<-chan struct{}, error) {
	if err := s.broker.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	lost := s.broker.Closed()

	// Consumers outlive registration, so they take ctx rather than the group's context.
	var g errgroup.Group
	for _, queue := range s.queues {
		g.Go(func() error {
			if err := s.broker.Consume(ctx, queue, s.handleDelivery, core.ConsumeOptions{}); err != nil {
				return fmt.Errorf("consume %s: %w", queue, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lost, nil
}

// resubscribe retries subscribe with exponential backoff.
func (s *WorkerSupervisor) resubscribe(ctx context.Context) (<-chan struct{}, error) {
	delay := s.reconnectDelay
	var lastErr error
	for attempt := 1; attempt <= s.reconnectAttempts; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		lost, err := s.subscribe(ctx)
		if err == nil {
			return lost, nil
		}
		lastErr = err
		s.logger.WarnContext(ctx, "register consumers failed", "attempt", attempt, "error", err)
		// A partial registration is dropped with the connection before the next attempt.
		if dErr := s.broker.Disconnect(); dErr != nil {
			s.logger.DebugContext(ctx, "disconnect after failed registration", "error", dErr)
		}
		delay = min(delay*2, maxReconnectDelay)
	}
	return nil, fmt.Errorf("reconnect broker after %d attempts: %w", s.reconnectAttempts, lastErr)
}

// handleDelivery runs one message through claim, spawn and ack.
func (s *WorkerSupervisor) handleDelivery(ctx context.Context, d core.Delivery) {
	var msg model.QueueMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" || !msg.Type.Valid() {
		s.logger.WarnContext(ctx, "dropping malformed message", "queue", d.Queue, "message_id", d.MessageID, "error", err)
		if nErr := s.broker.Nack(d, false); nErr != nil {
			s.logger.ErrorContext(ctx, "nack failed", "queue", d.Queue, "error", nErr)
		}
		return
	}

	log := s.logger.With("job_id", msg.JobID, "type", msg.Type, "queue", d.Queue)

	claimed, err := s.jobs.MarkStarted(ctx, msg.JobID, s.workerID)
	if err != nil {
		if d.Redelivered {
			// Dropped to avoid a hot loop. Nothing else will deliver this job, so it stays
			// pending until it is started or restarted by hand.
			log.ErrorContext(ctx, "dropping redelivered message, job left pending without a queued message",
				"message_id", d.MessageID, "error", err)
		} else {
			log.WarnContext(ctx, "claim job failed, requeueing", "error", err)
		}
		if nErr := s.broker.Nack(d, !d.Redelivered); nErr != nil {
			log.ErrorContext(ctx, "nack failed", "error", nErr)
		}
		return
	}
	if !claimed {
		log.InfoContext(ctx, "dropping stale message")
		s.ack(ctx, log, d)
		return
	}
	s.emit(msg.Type, metrics.TransitionStarted, 0, nil)

	if err := s.launch(ctx, msg.JobID, msg.Type, msg.Payload); err != nil {
		log.ErrorContext(ctx, "spawn worker failed", "error", err)
		s.record(context.WithoutCancel(ctx), msg.JobID, msg.Type, failedResult(msg.JobID, err.Error(), 0), 0)
	}
	s.ack(ctx, log, d)
}

func (s *WorkerSupervisor) ack(ctx context.Context, log *slog.Logger, d core.Delivery) {
	if err := s.broker.Ack(d); err != nil {
		log.ErrorContext(ctx, "ack failed", "error", err)
	}
}

// launch spawns the worker for a claimed job and tracks it.
func (s *WorkerSupervisor) launch(ctx context.Context, jobID string, jobType model.JobType, payload json.RawMessage) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for spawn slot: %w", err)
		}
	}

	ep := s.entryPoints.Resolve(jobType)
	started := s.now()
	handle, err := s.spawner.Spawn(ctx, core.SpawnRequest{
		Command: ep.Command,
		Args:    ep.Args,
		Env:     s.env,
		Invocation: model.Invocation{
			JobID:    jobID,
			Type:     jobType,
			Payload:  payload,
			WorkerID: s.workerID,
		},
	})
	if err != nil {
		return fmt.Errorf("spawn %s: %w", ep.Command, err)
	}
	if !s.registry.Add(jobID, handle) {
		_ = handle.Kill()
		return fmt.Errorf("job %s already has a running worker", jobID)
	}
	metrics.EmitRunningWorkers(s.metrics, s.workerID, s.registry.Len())
	s.logger.InfoContext(ctx, "worker started", "job_id", jobID, "type", jobType, "pid", handle.PID(), "command", ep.Command)

	go s.watch(context.WithoutCancel(ctx), jobID, jobType, handle, started)
	return nil
}

// watch turns the first report, or an exit without one, into the job's outcome.
func (s *WorkerSupervisor) watch(ctx context.Context, jobID string, jobType model.JobType, h core.ProcessHandle, started time.Time) {
	for ev := range h.Events() {
		switch {
		case ev.Report != nil:
			elapsed := s.now().Sub(started)
			s.finish(ctx, jobID, jobType, h, reportResult(jobID, ev.Report, elapsed), elapsed)
		case ev.Exited:
			elapsed := s.now().Sub(started)
			msg := fmt.Sprintf("worker exited (code %d) without reporting a result", ev.ExitCode)
			s.finish(ctx, jobID, jobType, h, failedResult(jobID, msg, elapsed), elapsed)
		}
	}
}

// finish records res only while h still owns the job, so an explicit stop wins.
func (s *WorkerSupervisor) finish(ctx context.Context, jobID string, jobType model.JobType, h core.ProcessHandle, res *model.JobResult, elapsed time.Duration) {
	if !s.registry.Release(jobID, h) {
		return
	}
	metrics.EmitRunningWorkers(s.metrics, s.workerID, s.registry.Len())
	s.record(ctx, jobID, jobType, res, elapsed)
	if err := h.Kill(); err != nil {
		s.logger.WarnContext(ctx, "kill worker failed", "job_id", jobID, "error", err)
	}
}

func (s *WorkerSupervisor) record(ctx context.Context, jobID string, jobType model.JobType, res *model.JobResult, elapsed time.Duration) {
	var outcomeErr error
	transition := metrics.TransitionCompleted
	if res.Status == model.JobStatusFailed {
		transition = metrics.TransitionFailed
		if res.Error != nil {
			outcomeErr = errors.New(*res.Error)
		}
	}

	if err := s.recorder.SaveJobResultIntoJob(ctx, res); err != nil {
		s.logger.ErrorContext(ctx, "record job result failed", "job_id", jobID, "status", res.Status, "error", err)
		return
	}
	s.emit(jobType, transition, elapsed, outcomeErr)
	s.logger.InfoContext(ctx, "job finished", "job_id", jobID, "status", res.Status, "duration_ms", elapsed.Milliseconds())
}

func reportResult(jobID string, r *model.WorkerReport, elapsed time.Duration) *model.JobResult {
	if err := r.Validate(); err != nil {
		return failedResult(jobID, "invalid worker report: "+err.Error(), elapsed)
	}
	processing := r.ProcessingTime
	if processing <= 0 {
		processing = elapsed.Milliseconds()
	}
	res := &model.JobResult{
		JobID:          jobID,
		Metadata:       r.Metadata,
		ProcessingTime: processing,
	}
	if r.Status == model.ReportSuccess {
		res.Status = model.JobStatusCompleted
		res.Result = r.Data
		return res
	}
	msg := r.Error
	res.Status = model.JobStatusFailed
	res.Error = &msg
	return res
}

func failedResult(jobID, msg string, elapsed time.Duration) *model.JobResult {
	return &model.JobResult{
		JobID:          jobID,
		Status:         model.JobStatusFailed,
		Error:          &msg,
		ProcessingTime: elapsed.Milliseconds(),
	}
}

// StartJobWorker claims a job directly, bypassing the broker, and runs it.
func (s *WorkerSupervisor) StartJobWorker(ctx context.Context, jobID string, jobType model.JobType, payload json.RawMessage) error {
	if jobID == "" {
		return apperrors.ValidationField("jobId", "job id is required")
	}
	if !jobType.Valid() {
		return apperrors.ValidationField("type", "job type is required")
	}
	if s.registry.Has(jobID) {
		return apperrors.Conflictf("job %s is already running", jobID)
	}

	claimed, err := s.jobs.MarkStarted(ctx, jobID, s.workerID, directStartStatuses...)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		return apperrors.Conflictf("job %s cannot be started from its current state", jobID)
	}
	s.emit(jobType, metrics.TransitionStarted, 0, nil)

	if err := s.launch(ctx, jobID, jobType, payload); err != nil {
		s.record(context.WithoutCancel(ctx), jobID, jobType, failedResult(jobID, err.Error(), 0), 0)
		return err
	}
	return nil
}

// StopJobWorker kills the job's process and marks it cancelled. A job not tracked here is
// stopped on other hosts through the cancel bus. It reports whether the job record changed.
func (s *WorkerSupervisor) StopJobWorker(ctx context.Context, jobID string) (bool, error) {
	if !s.stopLocal(ctx, jobID) && s.cancelBus != nil {
		if err := s.cancelBus.PublishStop(ctx, jobID); err != nil {
			s.logger.WarnContext(ctx, "publish stop failed", "job_id", jobID, "error", err)
		}
	}
	return s.markCancelled(ctx, jobID)
}

func (s *WorkerSupervisor) stopLocal(ctx context.Context, jobID string) bool {
	h, ok := s.registry.Remove(jobID)
	if !ok {
		return false
	}
	metrics.EmitRunningWorkers(s.metrics, s.workerID, s.registry.Len())
	if err := h.Kill(); err != nil {
		s.logger.WarnContext(ctx, "kill worker failed", "job_id", jobID, "error", err)
	}
	s.logger.InfoContext(ctx, "worker stopped", "job_id", jobID, "pid", h.PID())
	return true
}

func (s *WorkerSupervisor) markCancelled(ctx context.Context, jobID string) (bool, error) {
	var (
		changed bool
		err     error
	)
	if s.canceller != nil {
		changed, err = s.canceller.CancelJob(ctx, jobID)
	} else {
		changed, err = s.jobs.MarkCancelled(ctx, jobID)
	}
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if changed {
		s.emit("", metrics.TransitionCancelled, 0, nil)
	}
	return changed, nil
}

// StopAllWorkers stops every tracked job concurrently and disconnects the broker.
func (s *WorkerSupervisor) StopAllWorkers(ctx context.Context) error {
	ids := s.registry.IDs()
	s.logger.InfoContext(ctx, "stopping all workers", "count", len(ids))

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			s.stopLocal(ctx, id)
			_, err := s.markCancelled(ctx, id)
			return err
		})
	}
	stopErr := g.Wait()

	if err := s.broker.Disconnect(); err != nil {
		return errors.Join(stopErr, fmt.Errorf("disconnect broker: %w", err))
	}
	return stopErr
}

// RunningJobs returns the ids of jobs with a process on this supervisor.
func (s *WorkerSupervisor) RunningJobs() []string {
	return s.registry.IDs()
}

// HandleRemoteStop kills a local process for a stop requested on another host.
// The job record was already updated by the requester.
func (s *WorkerSupervisor) HandleRemoteStop(ctx context.Context, jobID string) {
	s.stopLocal(ctx, jobID)
}

func (s *WorkerSupervisor) emit(jobType model.JobType, transition string, d time.Duration, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		JobType:    string(jobType),
		Transition: transition,
		Result:     result,
		Duration:   d,
		Err:        err,
	})
}
