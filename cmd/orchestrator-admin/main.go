package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/bootstrap"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
	Out    io.Writer
}

func main() {
	// stdout carries command output; logs go to stderr.
	logger := bootstrap.InitLogger(bootstrap.LoggerOptions{Writer: os.Stderr})

	if len(os.Args) < 2 {
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(os.Stderr); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}
	logger = bootstrap.InitLogger(bootstrap.LoggerOptionsFromConfig(&cfg, os.Stderr))

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
		Out:    os.Stdout,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
		"add-job": {
			name:        "add-job",
			description: "Create a job and publish it to its queue",
			run:         runAddJob,
		},
		"retry-job": {
			name:        "retry-job",
			description: "Retry a failed job that has retry budget left",
			run:         runRetryJob,
		},
		"retry-failed": {
			name:        "retry-failed",
			description: "Retry every failed job that has retry budget left",
			run:         runRetryFailed,
		},
		"stop-job": {
			name:        "stop-job",
			description: "Stop a running job on whichever host runs it and mark it cancelled",
			run:         runStopJob,
		},
		"job-stats": {
			name:        "job-stats",
			description: "Show job counts per status",
			run:         runJobStats,
		},
		"result-stats": {
			name:        "result-stats",
			description: "Show attempt counts and average processing time",
			run:         runResultStats,
		},
		"list-jobs": {
			name:        "list-jobs",
			description: "List jobs with optional filters and a JMESPath query",
			run:         runListJobs,
		},
		"queue-depth": {
			name:        "queue-depth",
			description: "Show ready message counts per queue",
			run:         runQueueDepth,
		},
		"purge-queue": {
			name:        "purge-queue",
			description: "Drop every ready message from a queue",
			run:         runPurgeQueue,
		},
		"delete-queue": {
			name:        "delete-queue",
			description: "Delete a queue and the messages it holds",
			run:         runDeleteQueue,
		},
		"cleanup": {
			name:        "cleanup",
			description: "Run one retention sweep over jobs and job results",
			run:         runCleanup,
		},
	}
}

func printUsage(w io.Writer) error {
	if err := writef(w, "Usage: orchestrator-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(w, "Available commands:\n"); err != nil {
		return err
	}
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writef(w, "  %-16s %s\n", name, cmds[name].description); err != nil {
			return err
		}
	}
	return nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}
