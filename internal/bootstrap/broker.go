package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/broker"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
)

// BrokerDeps contains what ConnectBroker needs.
type BrokerDeps struct {
	Config  config.BrokerConfig
	Metrics statsd.Sink
	Logger  *slog.Logger
}

// ConnectBroker dials the broker and declares every job queue.
func ConnectBroker(ctx context.Context, deps BrokerDeps) (*broker.Client, error) {
	client, err := broker.NewClient(broker.Options{
		URL:            deps.Config.URL,
		ConnectionName: deps.Config.ConnectionName,
		Heartbeat:      deps.Config.Heartbeat,
		Prefetch:       deps.Config.Prefetch,
		Logger:         deps.Logger,
		Metrics:        deps.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create broker client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, deps.Config.ConnectTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	if err := client.DeclareQueues(ctx, JobQueueSpecs(deps.Config)); err != nil {
		if derr := client.Disconnect(); derr != nil {
			err = errors.Join(err, fmt.Errorf("disconnect broker: %w", derr))
		}
		return nil, err
	}
	return client, nil
}

// JobQueueSpecs returns the durable queue declarations for every known job queue.
func JobQueueSpecs(cfg config.BrokerConfig) []broker.QueueSpec {
	names := model.QueueNames()
	specs := make([]broker.QueueSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, broker.QueueSpec{
			Name:        name,
			MaxPriority: uint8(cfg.MaxPriority), //nolint:gosec // Sanitize clamps to 0..255
		})
	}
	return specs
}
