// Package core defines the ports shared by the orchestrator's services and adapters.
package core

import (
	"context"
	"time"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// JobType represents the type of job to be executed (re-exported from the model package).
type JobType = model.JobType

// Delivery is a message handed to a consumer. The consumer must Ack or Nack it
// unless the consumer was registered with NoAck.
type Delivery struct {
	Queue       string
	Body        []byte
	DeliveryTag uint64
	Redelivered bool
	MessageID   string
}

// DeliveryHandler processes one delivery.
type DeliveryHandler func(ctx context.Context, d Delivery)

// PublishOptions controls how a message is stored by the broker.
type PublishOptions struct {
	Persistent bool
	Priority   uint8
	// Expiration is the per-message TTL. Zero means no expiry.
	Expiration time.Duration
	MessageID  string
}

// ConsumeOptions controls consumer registration.
type ConsumeOptions struct {
	NoAck     bool
	Exclusive bool
}

// Broker is the message transport used by the job manager and the supervisor.
type Broker interface {
	Connect(ctx context.Context) error
	// Publish reports false when the broker is applying back-pressure. The message is still handed over.
	Publish(ctx context.Context, queue string, message any, opts PublishOptions) (bool, error)
	Consume(ctx context.Context, queue string, handler DeliveryHandler, opts ConsumeOptions) error
	Ack(d Delivery) error
	Nack(d Delivery, requeue bool) error
	QueueDepth(ctx context.Context, queue string) (int, error)
	Disconnect() error
	// Closed is closed when the connection that current consumers run on is lost.
	Closed() <-chan struct{}
}
