package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

type queueOptions struct {
	Queue string
	Yes   bool
}

func parseQueueFlags(name string, args []string, required bool) (queueOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts queueOptions
	fs.StringVar(&opts.Queue, "queue", "", "Queue name")
	if required {
		fs.BoolVar(&opts.Yes, "yes", false, "Confirm the destructive operation")
	}
	if err := fs.Parse(args); err != nil {
		return queueOptions{}, err
	}
	opts.Queue = strings.TrimSpace(opts.Queue)
	if required && opts.Queue == "" {
		return queueOptions{}, errors.New("-queue is required")
	}
	if required && !opts.Yes {
		return queueOptions{}, fmt.Errorf("%s drops messages from %s; re-run with -yes", name, opts.Queue)
	}
	return opts, nil
}

func runQueueDepth(cmdCtx *commandContext, args []string) error {
	opts, err := parseQueueFlags("queue-depth", args, false)
	if err != nil {
		return err
	}
	queues := model.QueueNames()
	if opts.Queue != "" {
		queues = []string{opts.Queue}
	}

	return withDeps(cmdCtx, infraNeeds{Broker: true}, func(d *adminDeps) error {
		tw := tabwriter.NewWriter(cmdCtx.Out, 0, 0, 2, ' ', 0)
		if err := writef(tw, "QUEUE\tREADY\n"); err != nil {
			return err
		}
		for _, q := range queues {
			depth, err := d.Broker.QueueDepth(cmdCtx.Ctx, q)
			if err != nil {
				return err
			}
			if err := writef(tw, "%s\t%d\n", q, depth); err != nil {
				return err
			}
		}
		return tw.Flush()
	})
}

func runPurgeQueue(cmdCtx *commandContext, args []string) error {
	opts, err := parseQueueFlags("purge-queue", args, true)
	if err != nil {
		return err
	}
	return withDeps(cmdCtx, infraNeeds{Broker: true}, func(d *adminDeps) error {
		n, err := d.Broker.PurgeQueue(cmdCtx.Ctx, opts.Queue)
		if err != nil {
			return err
		}
		return writef(cmdCtx.Out, "purged %d messages from %s\n", n, opts.Queue)
	})
}

func runDeleteQueue(cmdCtx *commandContext, args []string) error {
	opts, err := parseQueueFlags("delete-queue", args, true)
	if err != nil {
		return err
	}
	return withDeps(cmdCtx, infraNeeds{Broker: true}, func(d *adminDeps) error {
		n, err := d.Broker.DeleteQueue(cmdCtx.Ctx, opts.Queue)
		if err != nil {
			return err
		}
		return writef(cmdCtx.Out, "deleted %s (%d messages dropped)\n", opts.Queue, n)
	})
}
