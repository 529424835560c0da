package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/target/mmk-orchestrator/config"
)

// LoggerOptions controls InitLogger.
type LoggerOptions struct {
	Writer io.Writer  // defaults to stdout
	Level  slog.Level // defaults to info
	Text   bool       // text handler instead of JSON (development)
}

// InitLogger initializes the structured logger and installs it as the slog default.
func InitLogger(opts LoggerOptions) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	if opts.Text {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// LoggerOptionsFromConfig derives logger options from loaded configuration.
func LoggerOptionsFromConfig(cfg *config.AppConfig, w io.Writer) LoggerOptions {
	return LoggerOptions{
		Writer: w,
		Level:  cfg.Observability.Logging.SlogLevel(),
		Text:   cfg.IsDev,
	}
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (config.AppConfig, error) {
	// Load .env file if it exists (development)
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return config.AppConfig{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg config.AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return cfg, nil
}

// ValidateServiceConfig validates that at least one service is enabled.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}

	if len(services) == 0 {
		return errors.New("no services enabled")
	}

	if services[config.ServiceModeSupervisor] && cfg.Supervisor.WorkerCommand == "" {
		return errors.New("supervisor requires SUPERVISOR_WORKER_COMMAND")
	}

	return nil
}

// GetEnabledServices returns the enabled service names in a stable order.
func GetEnabledServices(cfg *config.AppConfig) []string {
	if cfg == nil {
		return []string{}
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		// Return empty list on error - validation will catch this
		return []string{}
	}

	enabledServices := make([]string, 0, len(services))
	for svc := range services {
		enabledServices = append(enabledServices, string(svc))
	}
	sort.Strings(enabledServices)
	return enabledServices
}

// LoadWorkerConfig loads the worker process configuration from environment variables.
func LoadWorkerConfig() (config.WorkerConfig, error) {
	var cfg config.WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse worker config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}
