package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/adapters/process"
	redisadapter "github.com/target/mmk-orchestrator/internal/adapters/redis"
	"github.com/target/mmk-orchestrator/internal/broker"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/data"
	"github.com/target/mmk-orchestrator/internal/observability/notify/pagerduty"
	"github.com/target/mmk-orchestrator/internal/observability/notify/slack"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
	"github.com/target/mmk-orchestrator/internal/service"
	"github.com/target/mmk-orchestrator/internal/service/failurenotifier"
)

// ServiceContainer holds all initialized services.
type ServiceContainer struct {
	Jobs          *service.JobManager
	Supervisor    *service.WorkerSupervisor // nil unless the supervisor mode is enabled
	JobResults    core.JobResultRepository
	CancelBus     *redisadapter.CancelBus // nil without Redis
	Observability ObservabilityContainer
}

// ObservabilityContainer holds observability-related services.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
}

// ServiceDeps contains dependencies needed to create services.
type ServiceDeps struct {
	Config        *config.AppConfig
	DB            *sql.DB
	RedisClient   redis.UniversalClient
	Broker        *broker.Client
	Observability ObservabilityContainer
	Logger        *slog.Logger
}

// Sink returns the metrics sink, or nil when metrics are disabled.
//
//nolint:ireturn // callers take the interface.
func (o ObservabilityContainer) Sink() statsd.Sink {
	if o.MetricsSink == nil {
		return nil
	}
	return o.MetricsSink
}

// BuildObservability creates the metrics sink. A sink that fails to dial is logged and left disabled.
func BuildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Prefix,
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: buildFailureNotifier(obsLogger, cfg.Notifications),
	}
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	notifierLogger := logger.With("component", "failure_notifier")
	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{Logger: notifierLogger})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			logger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			logger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger:           notifierLogger,
		Sinks:            sinks,
		IncludeRetryable: cfg.IncludeRetryable,
	})
}

// serviceRepositories groups the stores backing service ports; no business rules here.
type serviceRepositories struct {
	JobRepo       *data.JobRepo
	JobResultRepo *data.JobResultRepo
	CacheRepo     *data.RedisCacheRepo
}

func buildRepositories(db *sql.DB, rdb redis.UniversalClient, cfg *config.AppConfig, logger *slog.Logger) *serviceRepositories {
	repos := &serviceRepositories{
		JobRepo:       data.NewJobRepo(db, data.RepoConfig{Logger: logger}),
		JobResultRepo: data.NewJobResultRepo(db, nil),
	}
	if rdb != nil {
		repos.CacheRepo = data.NewRedisCacheRepo(rdb, cfg.Redis.KeyPrefix)
	}
	return repos
}

func newJobManager(repos *serviceRepositories, deps *ServiceDeps) (*service.JobManager, error) {
	jobsCfg := deps.Config.Jobs
	jobsCfg.Persistent = deps.Config.Broker.Persistent
	jobsCfg.MessageTTL = deps.Config.Broker.MessageTTL

	opts := service.JobManagerOptions{
		Repo:    repos.JobRepo,
		Results: repos.JobResultRepo,
		Broker:  deps.Broker,
		Metrics: deps.Observability.Sink(),
		Logger:  deps.Logger,
		Config:  jobsCfg,

		FailureNotifier: deps.Observability.FailureNotifier,
	}
	// A typed nil would defeat the manager's nil check.
	if repos.CacheRepo != nil {
		opts.Cache = repos.CacheRepo
	}
	return service.NewJobManager(opts)
}

func newCancelBus(deps *ServiceDeps) (*redisadapter.CancelBus, error) {
	if deps.RedisClient == nil {
		return nil, nil
	}
	return redisadapter.NewCancelBus(redisadapter.CancelBusOptions{
		Client:  deps.RedisClient,
		Channel: deps.Config.Redis.CancelChannel,
		Logger:  deps.Logger,
	})
}

// NewEntryPoints builds the job type to executable table from supervisor configuration.
func NewEntryPoints(cfg config.SupervisorConfig) (*service.EntryPointRegistry, error) {
	reg, err := service.NewEntryPointRegistry(service.EntryPoint{
		Command: cfg.WorkerCommand,
		Args:    cfg.WorkerArgs,
	})
	if err != nil {
		return nil, err
	}
	if err := reg.RegisterCommandLines(cfg.EntryPoints); err != nil {
		return nil, fmt.Errorf("supervisor entry points: %w", err)
	}
	return reg, nil
}

type supervisorDeps struct {
	Config    config.SupervisorConfig
	Broker    core.Broker
	Jobs      core.JobRepository
	Recorder  core.ResultRecorder
	Canceller core.JobCanceller
	CancelBus *redisadapter.CancelBus
	Metrics   statsd.Sink
	Logger    *slog.Logger
}

func newWorkerSupervisor(deps supervisorDeps) (*service.WorkerSupervisor, error) {
	entryPoints, err := NewEntryPoints(deps.Config)
	if err != nil {
		return nil, err
	}
	opts := service.WorkerSupervisorOptions{
		Broker:      deps.Broker,
		Jobs:        deps.Jobs,
		Recorder:    deps.Recorder,
		Canceller:   deps.Canceller,
		Spawner:     process.NewSpawner(process.Options{Logger: deps.Logger}),
		EntryPoints: entryPoints,
		Metrics:     deps.Metrics,
		Logger:      deps.Logger,
		WorkerID:    deps.Config.WorkerID,
		Queues:      deps.Config.QueueNames(),
		SpawnRate:   deps.Config.SpawnRate,
		SpawnBurst:  deps.Config.SpawnBurst,
	}
	if deps.CancelBus != nil {
		opts.CancelBus = deps.CancelBus
	}
	return service.NewWorkerSupervisor(opts)
}

// NewServices creates all service instances with their dependencies.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	if deps.Broker == nil {
		return ServiceContainer{}, errors.New("broker is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	repos := buildRepositories(deps.DB, deps.RedisClient, deps.Config, deps.Logger)

	jobs, err := newJobManager(repos, deps)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create job manager: %w", err)
	}

	cancelBus, err := newCancelBus(deps)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create cancel bus: %w", err)
	}

	container := ServiceContainer{
		Jobs:          jobs,
		JobResults:    repos.JobResultRepo,
		CancelBus:     cancelBus,
		Observability: deps.Observability,
	}

	if deps.Config.IsSupervisorEnabled() {
		metrics := statsd.Tagged(deps.Observability.Sink(), map[string]string{"service": "supervisor"})
		container.Supervisor, err = newWorkerSupervisor(supervisorDeps{
			Config:    deps.Config.Supervisor,
			Broker:    deps.Broker,
			Jobs:      repos.JobRepo,
			Recorder:  jobs,
			Canceller: jobs,
			CancelBus: cancelBus,
			Metrics:   metrics,
			Logger:    deps.Logger,
		})
		if err != nil {
			return ServiceContainer{}, fmt.Errorf("create worker supervisor: %w", err)
		}
	}

	return container, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	DB       *sql.DB
	Broker   *broker.Client
	Redis    redis.UniversalClient // Optional: adds a readiness check
	Logger   *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newSupervisorBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeSupervisor,
		name: "worker supervisor",
		start: func(ctx context.Context) error {
			return RunSupervisor(ctx, deps.cfg.Services.Supervisor)
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			var reaperCfg config.ReaperConfig
			if deps.cfg.Config != nil {
				reaperCfg = deps.cfg.Config.Reaper
			}
			return RunReaper(ctx, ReaperConfig{
				DB:      deps.cfg.DB,
				Logger:  deps.logger,
				Config:  reaperCfg,
				Metrics: deps.cfg.Services.Observability.Sink(),
			})
		},
	}
}

func newHTTPBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeHTTP,
		name: "http server",
		start: func(ctx context.Context) error {
			var httpCfg config.HTTPConfig
			if deps.cfg.Config != nil {
				httpCfg = deps.cfg.Config.HTTP
			}
			httpCfg.Sanitize()
			return RunHTTPServer(ctx, &HTTPServerConfig{
				Config:   httpCfg,
				Services: deps.cfg.Services,
				DB:       deps.cfg.DB,
				Broker:   deps.cfg.Broker,
				Redis:    deps.cfg.Redis,
				Logger:   deps.logger,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newSupervisorBackgroundService(deps),
		newReaperBackgroundService(deps),
		newHTTPBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	backgrounds := startBackgroundServices(deps, buildBackgroundServices(deps))

	return waitForShutdown(shutdownConfig{
		cancel:          cancel,
		errCh:           errCh,
		supervisor:      cfg.Services.Supervisor,
		broker:          cfg.Broker,
		shutdownTimeout: cfg.Config.Supervisor.ShutdownTimeout,
		logger:          logger,
		backgrounds:     backgrounds,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel          context.CancelFunc
	errCh           <-chan error
	supervisor      *service.WorkerSupervisor
	broker          *broker.Client
	shutdownTimeout time.Duration
	logger          *slog.Logger
	backgrounds     []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop kills running workers, disconnects the broker and waits for background services.
func gracefulStop(cfg shutdownConfig) error {
	var stopErr error
	if cfg.supervisor != nil {
		timeout := cfg.shutdownTimeout
		if timeout <= 0 {
			timeout = shutdownWaitTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		stopErr = cfg.supervisor.StopAllWorkers(ctx)
	} else if cfg.broker != nil {
		stopErr = cfg.broker.Disconnect()
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	return stopErr
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
