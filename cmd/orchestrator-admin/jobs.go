package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/util"
)

const defaultListLimit = 50

type addJobOptions struct {
	Type        string
	Payload     string
	User        string
	Description string
	Priority    int
	MaxRetries  int
}

type jobIDOptions struct {
	ID string
}

type listJobsOptions struct {
	Status string
	Type   string
	Queue  string
	Worker string
	User   string
	Limit  int
	Offset int
	Query  string
	JSON   bool
}

func runAddJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseAddJobFlags(args)
	if err != nil {
		return err
	}
	req := opts.request()

	return withDeps(cmdCtx, infraNeeds{DB: true, Broker: true}, func(d *adminDeps) error {
		job, err := d.Jobs.AddJob(cmdCtx.Ctx, req)
		if err != nil {
			return err
		}
		return writef(cmdCtx.Out, "created job %s (type=%s queue=%s)\n", job.ID, job.Type, job.QueueName)
	})
}

func parseAddJobFlags(args []string) (addJobOptions, error) {
	fs := flag.NewFlagSet("add-job", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts addJobOptions
	fs.StringVar(&opts.Type, "type", "", "Job type (required)")
	fs.StringVar(&opts.Payload, "payload", "{}", "JSON payload")
	fs.StringVar(&opts.User, "user", "", "Submitting user id")
	fs.StringVar(&opts.Description, "description", "", "Free-form description")
	fs.IntVar(&opts.Priority, "priority", 0, "Broker priority (0-9)")
	fs.IntVar(&opts.MaxRetries, "max-retries", -1, "Retry budget (default from JOBS_DEFAULT_MAX_RETRIES)")

	if err := fs.Parse(args); err != nil {
		return addJobOptions{}, err
	}
	opts.Type = strings.TrimSpace(opts.Type)
	if opts.Type == "" {
		return addJobOptions{}, errors.New("-type is required")
	}
	if !json.Valid([]byte(opts.Payload)) {
		return addJobOptions{}, errors.New("-payload must be valid JSON")
	}
	return opts, nil
}

func (o addJobOptions) request() model.AddJobRequest {
	req := model.AddJobRequest{
		Type:     model.JobType(o.Type),
		Payload:  json.RawMessage(o.Payload),
		Priority: o.Priority,
	}
	if o.User != "" {
		req.UserID = &o.User
	}
	if o.Description != "" {
		req.Description = &o.Description
	}
	if o.MaxRetries >= 0 {
		req.MaxRetries = &o.MaxRetries
	}
	return req
}

func parseJobIDFlags(name string, args []string) (jobIDOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts jobIDOptions
	fs.StringVar(&opts.ID, "id", "", "Job id (required)")
	if err := fs.Parse(args); err != nil {
		return jobIDOptions{}, err
	}
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return jobIDOptions{}, errors.New("-id is required")
	}
	return opts, nil
}

func runRetryJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobIDFlags("retry-job", args)
	if err != nil {
		return err
	}
	return withDeps(cmdCtx, infraNeeds{DB: true, Broker: true}, func(d *adminDeps) error {
		job, err := d.Jobs.RetryJob(cmdCtx.Ctx, opts.ID)
		if err != nil {
			return err
		}
		return writef(cmdCtx.Out, "retried job %s (attempt %d of %d)\n", job.ID, job.Retries, job.MaxRetries)
	})
}

func runRetryFailed(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("retry-failed", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dryRun := fs.Bool("dry-run", false, "List retryable jobs without retrying them")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withDeps(cmdCtx, infraNeeds{DB: true, Broker: true}, func(d *adminDeps) error {
		jobs, err := d.Jobs.ListRetryable(cmdCtx.Ctx)
		if err != nil {
			return err
		}
		retried, failed := 0, 0
		for _, job := range jobs {
			if *dryRun {
				if err := writef(cmdCtx.Out, "would retry %s (%s, %d/%d)\n", job.ID, job.Type, job.Retries, job.MaxRetries); err != nil {
					return err
				}
				continue
			}
			if _, err := d.Jobs.RetryJob(cmdCtx.Ctx, job.ID); err != nil {
				failed++
				cmdCtx.Logger.Warn("retry failed", "job_id", job.ID, "error", err)
				continue
			}
			retried++
		}
		return writef(cmdCtx.Out, "retryable=%d retried=%d failed=%d\n", len(jobs), retried, failed)
	})
}

func runStopJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobIDFlags("stop-job", args)
	if err != nil {
		return err
	}
	return withDeps(cmdCtx, infraNeeds{DB: true, Redis: true, Broker: true}, func(d *adminDeps) error {
		if bus := d.Services.CancelBus; bus != nil {
			if err := bus.PublishStop(cmdCtx.Ctx, opts.ID); err != nil {
				return fmt.Errorf("publish stop: %w", err)
			}
		} else {
			cmdCtx.Logger.Warn("redis unavailable; running workers are not signalled", "job_id", opts.ID)
		}
		changed, err := d.Jobs.CancelJob(cmdCtx.Ctx, opts.ID)
		if err != nil {
			return err
		}
		if !changed {
			return writef(cmdCtx.Out, "job %s was already terminal\n", opts.ID)
		}
		return writef(cmdCtx.Out, "job %s cancelled\n", opts.ID)
	})
}

func runJobStats(cmdCtx *commandContext, _ []string) error {
	return withDeps(cmdCtx, infraNeeds{DB: true, Redis: true, Broker: true}, func(d *adminDeps) error {
		stats, err := d.Jobs.GetJobStats(cmdCtx.Ctx)
		if err != nil {
			return err
		}
		return renderJobStats(cmdCtx.Out, stats)
	})
}

func renderJobStats(w io.Writer, stats *model.JobStats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := []struct {
		name  string
		count int
	}{
		{"pending", stats.Pending},
		{"processing", stats.Processing},
		{"completed", stats.Completed},
		{"failed", stats.Failed},
		{"cancelled", stats.Cancelled},
		{"total", stats.Total},
	}
	for _, r := range rows {
		if err := writef(tw, "%s\t%d\n", r.name, r.count); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func runResultStats(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("result-stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jobID := fs.String("job", "", "Restrict to one job's attempts")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var filter *string
	if id := strings.TrimSpace(*jobID); id != "" {
		filter = &id
	}

	return withDeps(cmdCtx, infraNeeds{DB: true, Broker: true}, func(d *adminDeps) error {
		stats, err := d.Jobs.GetJobResultStats(cmdCtx.Ctx, filter)
		if err != nil {
			return err
		}
		return writef(cmdCtx.Out, "total=%d completed=%d failed=%d avg_processing=%s\n",
			stats.Total, stats.Completed, stats.Failed, util.FormatProcessingMillis(stats.AvgProcessingTime))
	})
}

func runListJobs(cmdCtx *commandContext, args []string) error {
	opts, listOpts, err := parseListJobsFlags(args)
	if err != nil {
		return err
	}
	return withDeps(cmdCtx, infraNeeds{DB: true, Broker: true}, func(d *adminDeps) error {
		jobs, err := d.Jobs.ListJobs(cmdCtx.Ctx, listOpts)
		if err != nil {
			return err
		}
		if opts.Query != "" || opts.JSON {
			out, err := queryJobs(jobs, opts.Query)
			if err != nil {
				return err
			}
			return writeln(cmdCtx.Out, string(out))
		}
		return renderJobs(cmdCtx.Out, jobs)
	})
}

func parseListJobsFlags(args []string) (listJobsOptions, *model.JobListOptions, error) {
	fs := flag.NewFlagSet("list-jobs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts listJobsOptions
	fs.StringVar(&opts.Status, "status", "", "Filter by status")
	fs.StringVar(&opts.Type, "type", "", "Filter by job type")
	fs.StringVar(&opts.Queue, "queue", "", "Filter by queue")
	fs.StringVar(&opts.Worker, "worker", "", "Filter by claiming worker id")
	fs.StringVar(&opts.User, "user", "", "Filter by submitting user id")
	fs.IntVar(&opts.Limit, "limit", defaultListLimit, "Maximum rows")
	fs.IntVar(&opts.Offset, "offset", 0, "Rows to skip")
	fs.StringVar(&opts.Query, "query", "", "JMESPath expression applied to the JSON job list")
	fs.BoolVar(&opts.JSON, "json", false, "Print JSON instead of a table")

	if err := fs.Parse(args); err != nil {
		return listJobsOptions{}, nil, err
	}
	if opts.Limit <= 0 {
		return listJobsOptions{}, nil, errors.New("-limit must be greater than zero")
	}
	if opts.Offset < 0 {
		return listJobsOptions{}, nil, errors.New("-offset must not be negative")
	}
	if opts.Query != "" {
		if _, err := jmespath.Compile(opts.Query); err != nil {
			return listJobsOptions{}, nil, fmt.Errorf("invalid -query: %w", err)
		}
	}

	listOpts := &model.JobListOptions{Limit: opts.Limit, Offset: opts.Offset}
	if opts.Status != "" {
		var status model.JobStatus
		if err := status.UnmarshalText([]byte(opts.Status)); err != nil || !status.Valid() {
			return listJobsOptions{}, nil, fmt.Errorf("invalid -status %q", opts.Status)
		}
		listOpts.Status = &status
	}
	if opts.Type != "" {
		t := model.JobType(opts.Type)
		listOpts.Type = &t
	}
	if opts.Queue != "" {
		listOpts.Queue = &opts.Queue
	}
	if opts.Worker != "" {
		listOpts.WorkerID = &opts.Worker
	}
	if opts.User != "" {
		listOpts.UserID = &opts.User
	}
	return opts, listOpts, nil
}

// queryJobs renders jobs as JSON, optionally projected through a JMESPath expression.
func queryJobs(jobs []*model.Job, expr string) ([]byte, error) {
	if jobs == nil {
		jobs = []*model.Job{}
	}
	raw, err := json.Marshal(jobs)
	if err != nil {
		return nil, fmt.Errorf("encode jobs: %w", err)
	}
	if expr == "" {
		return indent(raw)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}
	result, err := jmespath.Search(expr, doc)
	if err != nil {
		return nil, fmt.Errorf("evaluate query: %w", err)
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode query result: %w", err)
	}
	return indent(out)
}

func indent(raw []byte) ([]byte, error) {
	var buf strings.Builder
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(buf.String(), "\n")), nil
}

func renderJobs(w io.Writer, jobs []*model.Job) error {
	if len(jobs) == 0 {
		return writeln(w, "no jobs found")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writef(tw, "ID\tTYPE\tSTATUS\tQUEUE\tRETRIES\tWORKER\tCREATED\n"); err != nil {
		return err
	}
	for _, j := range jobs {
		worker := "-"
		if j.WorkerID != nil {
			worker = *j.WorkerID
		}
		if err := writef(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID, j.Type, j.Status, j.QueueName, j.Retries, j.MaxRetries, worker,
			j.CreatedAt.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return tw.Flush()
}
