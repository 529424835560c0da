package config

import "time"

// WorkerConfig is the configuration of the isolated worker process. It is loaded on its own
// so a worker starts without database or broker settings.
type WorkerConfig struct {
	IsDev bool `env:"DEV" envDefault:"false"`

	// HandlerTimeout bounds a single handler execution. Zero means no limit.
	HandlerTimeout time.Duration `env:"WORKER_HANDLER_TIMEOUT" envDefault:"0s"`

	Logging ObservabilityLoggingConfig
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.HandlerTimeout < 0 {
		w.HandlerTimeout = 0
	}
	w.Logging.Sanitize()
}
