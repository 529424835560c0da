package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/bootstrap"
	"github.com/target/mmk-orchestrator/internal/service"
)

const defaultMigrationTimeout = 5 * time.Minute

type migrateOptions struct {
	Timeout time.Duration
}

type cleanupOptions struct {
	CompletedDays int
	ResultsDays   int
	StaleAfter    time.Duration
	BatchSize     int
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	return withDeps(cmdCtx, infraNeeds{DB: true}, func(d *adminDeps) error {
		cmdCtx.Logger.Info("running database migrations")
		if err := bootstrap.RunMigrations(ctx, d.DB, cmdCtx.Logger); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		cmdCtx.Logger.Info("migrations completed successfully")
		return nil
	})
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{}
	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultMigrationTimeout,
		"Maximum duration to wait for migrations to complete",
	)

	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}

	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func runCleanup(cmdCtx *commandContext, args []string) error {
	opts, err := parseCleanupFlags(args, cmdCtx.Config.Reaper)
	if err != nil {
		return err
	}

	reaperCfg := cmdCtx.Config.Reaper
	reaperCfg.CompletedMaxAgeDays = opts.CompletedDays
	reaperCfg.ResultsMaxAgeDays = opts.ResultsDays
	reaperCfg.ProcessingTimeout = opts.StaleAfter
	reaperCfg.BatchSize = opts.BatchSize

	return withDeps(cmdCtx, infraNeeds{DB: true}, func(d *adminDeps) error {
		runner, err := bootstrap.NewReaperRunner(bootstrap.ReaperConfig{
			DB:     d.DB,
			Logger: cmdCtx.Logger,
			Config: reaperCfg,
		})
		if err != nil {
			return err
		}
		report := runner.Sweep(cmdCtx.Ctx)
		if err := printCleanupSummary(cmdCtx, report); err != nil {
			return err
		}
		return report.Err()
	})
}

// printCleanupSummary prints one line per sweep operation: operation, outcome, rows.
func printCleanupSummary(cmdCtx *commandContext, report *service.SweepReport) error {
	for _, step := range report.Steps {
		outcome := "success"
		switch {
		case step.Skipped:
			outcome = "skipped"
		case step.Err != nil:
			outcome = "error"
		case step.Rows == 0:
			outcome = "noop"
		}
		if err := writef(cmdCtx.Out, "%s\t%s\t%d\n", step.Operation, outcome, step.Rows); err != nil {
			return err
		}
	}
	return nil
}

func parseCleanupFlags(args []string, defaults config.ReaperConfig) (cleanupOptions, error) {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts cleanupOptions
	fs.IntVar(&opts.CompletedDays, "completed-days", defaults.CompletedMaxAgeDays, "Delete completed jobs older than this many days")
	fs.IntVar(&opts.ResultsDays, "results-days", defaults.ResultsMaxAgeDays, "Delete job results older than this many days")
	fs.DurationVar(&opts.StaleAfter, "stale-after", 0, "Also fail jobs processing longer than this (0 skips)")
	fs.IntVar(&opts.BatchSize, "batch-size", defaults.BatchSize, "Rows failed per stale sweep batch")

	if err := fs.Parse(args); err != nil {
		return cleanupOptions{}, err
	}
	if opts.CompletedDays < 1 || opts.ResultsDays < 1 {
		return cleanupOptions{}, errors.New("-completed-days and -results-days must be at least 1")
	}
	if opts.StaleAfter < 0 {
		return cleanupOptions{}, errors.New("-stale-after must not be negative")
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	return opts, nil
}
