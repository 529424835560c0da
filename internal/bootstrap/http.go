package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/broker"
	httpx "github.com/target/mmk-orchestrator/internal/http"
)

// HTTPServerConfig contains configuration for the HTTP server.
type HTTPServerConfig struct {
	Config   config.HTTPConfig
	Services ServiceContainer
	DB       *sql.DB
	Broker   *broker.Client
	Redis    redis.UniversalClient // Optional
	Logger   *slog.Logger
}

// BuildHTTPHandler wires the job API and readiness checks.
func BuildHTTPHandler(cfg *HTTPServerConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var jobs *httpx.JobHandlers
	if cfg.Services.Jobs != nil {
		jobs = &httpx.JobHandlers{Jobs: cfg.Services.Jobs, Logger: logger}
		// A nil *CancelBus in the interface would not compare equal to nil.
		if cfg.Services.CancelBus != nil {
			jobs.Stops = cfg.Services.CancelBus
		}
		if cfg.Services.Supervisor != nil {
			jobs.Workers = cfg.Services.Supervisor
		}
	}

	return httpx.NewRouter(httpx.RouterServices{
		Jobs:      jobs,
		Readiness: readinessChecks(cfg),
		Logger:    logger,
	})
}

func readinessChecks(cfg *HTTPServerConfig) map[string]httpx.Check {
	checks := make(map[string]httpx.Check, 3)
	if cfg.DB != nil {
		checks["database"] = cfg.DB.PingContext
	}
	if cfg.Broker != nil {
		b := cfg.Broker
		checks["broker"] = func(context.Context) error {
			if !b.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	}
	if cfg.Redis != nil {
		rdb := cfg.Redis
		checks["redis"] = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	return checks
}

// RunHTTPServer serves until ctx is cancelled, then drains in-flight requests.
func RunHTTPServer(ctx context.Context, cfg *HTTPServerConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	server := &http.Server{
		Addr:              cfg.Config.Addr,
		Handler:           BuildHTTPHandler(cfg),
		ReadTimeout:       cfg.Config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Config.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}
