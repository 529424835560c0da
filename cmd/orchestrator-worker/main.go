// Command orchestrator-worker executes one job. The supervisor writes the invocation to stdin
// and reads the report line from stdout, so all logging goes to stderr.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/target/mmk-orchestrator/internal/adapters/jobrunner"
	"github.com/target/mmk-orchestrator/internal/bootstrap"
)

func main() {
	logger := bootstrap.InitLogger(bootstrap.LoggerOptions{Writer: os.Stderr})

	cfg, err := bootstrap.LoadWorkerConfig()
	if err != nil {
		logger.Error("load worker config", "error", err)
		os.Exit(1) //nolint:forbidigo // the supervisor reads the exit code
	}
	logger = bootstrap.InitLogger(bootstrap.LoggerOptions{
		Writer: os.Stderr,
		Level:  cfg.Logging.SlogLevel(),
		Text:   cfg.IsDev,
	}).With("pid", os.Getpid())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	runner := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Registry: jobrunner.NewRegistry(nil),
		Logger:   logger,
		Timeout:  cfg.HandlerTimeout,
	})
	if err := runner.Run(ctx, os.Stdin, os.Stdout); err != nil {
		logger.ErrorContext(ctx, "worker failed", "error", err)
		stop()
		os.Exit(1) //nolint:forbidigo // the supervisor reads the exit code
	}
}
