// Package broker implements the AMQP 0-9-1 transport between the job manager and the worker supervisor.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/observability/metrics"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
)

// ErrNotConnected is returned by operations that need an open channel.
var ErrNotConnected = errors.New("broker not connected")

// State is the connection lifecycle of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateChanneled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateChanneled:
		return "channeled"
	default:
		return "unknown"
	}
}

// QueueSpec declares one queue. Queues are durable and shared unless overridden.
type QueueSpec struct {
	Name        string
	Transient   bool
	AutoDelete  bool
	Exclusive   bool
	MaxPriority uint8
}

// Options configures a Client.
type Options struct {
	URL            string
	ConnectionName string
	Heartbeat      time.Duration
	// Prefetch bounds unacknowledged deliveries per consumer. Defaults to 1.
	Prefetch int
	Logger   *slog.Logger
	Metrics  statsd.Sink

	dial dialFunc
}

// Client is a core.Broker over a single AMQP connection and channel. It does not reconnect on its own.
type Client struct {
	opts   Options
	logger *slog.Logger
	dial   dialFunc

	mu    sync.RWMutex
	state State
	conn  amqpConnection
	ch    amqpChannel
	// lost is closed when the current connection goes away.
	lost chan struct{}

	blocked atomic.Bool
}

var _ core.Broker = (*Client)(nil)

// NewClient validates options and returns a disconnected Client.
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("broker url is required")
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := opts.dial
	if dial == nil {
		dial = dialAMQP
	}
	return &Client{
		opts:   opts,
		logger: logger.With("component", "broker"),
		dial:   dial,
	}, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether a channel is open.
func (c *Client) IsConnected() bool {
	return c.State() == StateChanneled
}

// Connect dials the broker and opens the shared channel. Calling it while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateChanneled {
		return nil
	}

	cfg := amqp.Config{
		Heartbeat:  c.opts.Heartbeat,
		Properties: amqp.NewConnectionProperties(),
	}
	if c.opts.ConnectionName != "" {
		cfg.Properties.SetClientConnectionName(c.opts.ConnectionName)
	}
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Dial = amqp.DefaultDial(time.Until(deadline))
	}

	conn, err := c.dial(c.opts.URL, cfg)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	c.conn = conn
	c.state = StateConnected

	ch, err := conn.Channel()
	if err != nil {
		c.closeLocked()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		c.ch = ch
		c.closeLocked()
		return fmt.Errorf("set prefetch: %w", err)
	}
	c.ch = ch
	c.state = StateChanneled
	c.lost = make(chan struct{})
	c.blocked.Store(false)

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	go c.watch(conn, connClosed, chClosed, blocked)

	c.logger.InfoContext(ctx, "broker connected", "prefetch", c.opts.Prefetch)
	return nil
}

// watch resets the client when the connection or channel it was started for closes.
func (c *Client) watch(conn amqpConnection, connClosed, chClosed <-chan *amqp.Error, blocked <-chan amqp.Blocking) {
	for {
		select {
		case err := <-connClosed:
			c.handleClose(conn, "connection", err)
			return
		case err := <-chClosed:
			c.handleClose(conn, "channel", err)
			return
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			c.blocked.Store(b.Active)
			c.logger.Warn("broker flow control changed", "blocked", b.Active, "reason", b.Reason)
		}
	}
}

func (c *Client) handleClose(conn amqpConnection, what string, err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		// Already replaced or explicitly disconnected.
		return
	}
	if err != nil {
		c.logger.Warn("broker "+what+" closed", "code", err.Code, "reason", err.Reason)
	}
	c.closeLocked()
}

// closeLocked tears down the channel and connection. c.mu must be held.
func (c *Client) closeLocked() error {
	var errs []error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	if c.lost != nil {
		close(c.lost)
		c.lost = nil
	}
	c.ch = nil
	c.conn = nil
	c.state = StateDisconnected
	c.blocked.Store(false)
	return errors.Join(errs...)
}

// Disconnect closes the channel then the connection. It is safe to call when already disconnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return nil
	}
	err := c.closeLocked()
	c.logger.Info("broker disconnected")
	return err
}

// Closed returns a channel that is closed when the current connection or channel goes away,
// including an explicit Disconnect. Consumers registered before that stop receiving. While
// disconnected the returned channel is already closed.
func (c *Client) Closed() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lost == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.lost
}

func (c *Client) channel() (amqpChannel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateChanneled || c.ch == nil {
		return nil, ErrNotConnected
	}
	return c.ch, nil
}

// DeclareQueues declares each queue on the shared channel.
func (c *Client) DeclareQueues(_ context.Context, specs []QueueSpec) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	for _, spec := range specs {
		var args amqp.Table
		if spec.MaxPriority > 0 {
			args = amqp.Table{"x-max-priority": int32(spec.MaxPriority)}
		}
		if _, err := ch.QueueDeclare(spec.Name, !spec.Transient, spec.AutoDelete, spec.Exclusive, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", spec.Name, err)
		}
	}
	return nil
}

func encodeMessage(message any) ([]byte, error) {
	switch m := message.(type) {
	case json.RawMessage:
		return m, nil
	case []byte:
		return m, nil
	default:
		return json.Marshal(message)
	}
}

// Publish sends message to queue through the default exchange. It returns false while the
// broker holds the connection flow-blocked.
func (c *Client) Publish(ctx context.Context, queue string, message any, opts core.PublishOptions) (bool, error) {
	body, err := encodeMessage(message)
	if err != nil {
		return false, fmt.Errorf("encode message for %s: %w", queue, err)
	}
	ch, err := c.channel()
	if err != nil {
		return false, err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Priority:     opts.Priority,
		MessageId:    opts.MessageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if opts.Persistent {
		pub.DeliveryMode = amqp.Persistent
	}
	if opts.Expiration > 0 {
		pub.Expiration = strconv.FormatInt(opts.Expiration.Milliseconds(), 10)
	}

	if err := ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		err = fmt.Errorf("publish to %s: %w", queue, err)
		metrics.EmitPublish(c.opts.Metrics, metrics.PublishMetric{Queue: queue, Err: err})
		return false, err
	}

	accepted := !c.blocked.Load()
	metrics.EmitPublish(c.opts.Metrics, metrics.PublishMetric{Queue: queue, Accepted: accepted})
	return accepted, nil
}

// Consume registers handler for queue. Deliveries are handled sequentially until ctx is
// cancelled or the channel closes; callers watch Closed to register again after a drop.
func (c *Client) Consume(ctx context.Context, queue string, handler core.DeliveryHandler, opts core.ConsumeOptions) error {
	if handler == nil {
		return errors.New("delivery handler is required")
	}
	ch, err := c.channel()
	if err != nil {
		return err
	}

	tag := "orchestrator-" + uuid.NewString()
	deliveries, err := ch.Consume(queue, tag, opts.NoAck, opts.Exclusive, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	logger := c.logger.With("queue", queue, "consumer", tag)
	go func() {
		for {
			select {
			case <-ctx.Done():
				if err := ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
					logger.Warn("cancel consumer failed", "error", err)
				}
				return
			case d, ok := <-deliveries:
				if !ok {
					logger.Info("delivery channel closed")
					return
				}
				handler(ctx, core.Delivery{
					Queue:       queue,
					Body:        d.Body,
					DeliveryTag: d.DeliveryTag,
					Redelivered: d.Redelivered,
					MessageID:   d.MessageId,
				})
			}
		}
	}()
	return nil
}

// Ack acknowledges a delivery on the channel it arrived on.
func (c *Client) Ack(d core.Delivery) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	if err := ch.Ack(d.DeliveryTag, false); err != nil {
		return fmt.Errorf("ack %d: %w", d.DeliveryTag, err)
	}
	return nil
}

// Nack rejects a delivery, optionally returning it to the queue.
func (c *Client) Nack(d core.Delivery, requeue bool) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	if err := ch.Nack(d.DeliveryTag, false, requeue); err != nil {
		return fmt.Errorf("nack %d: %w", d.DeliveryTag, err)
	}
	return nil
}

// withScratchChannel runs fn on a short-lived channel so a missing queue, which makes the
// broker close the channel, cannot take down the shared one.
func (c *Client) withScratchChannel(fn func(amqpChannel) error) error {
	c.mu.RLock()
	conn := c.conn
	ready := c.state == StateChanneled
	c.mu.RUnlock()
	if !ready || conn == nil {
		return ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open scratch channel: %w", err)
	}
	defer func() {
		if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			c.logger.Debug("close scratch channel", "error", cerr)
		}
	}()
	return fn(ch)
}

// QueueDepth returns the number of ready messages in queue.
func (c *Client) QueueDepth(_ context.Context, queue string) (int, error) {
	var depth int
	err := c.withScratchChannel(func(ch amqpChannel) error {
		q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("inspect queue %s: %w", queue, err)
		}
		depth = q.Messages
		return nil
	})
	return depth, err
}

// PurgeQueue drops all ready messages and returns how many were removed.
func (c *Client) PurgeQueue(_ context.Context, queue string) (int, error) {
	var n int
	err := c.withScratchChannel(func(ch amqpChannel) error {
		purged, err := ch.QueuePurge(queue, false)
		if err != nil {
			return fmt.Errorf("purge queue %s: %w", queue, err)
		}
		n = purged
		return nil
	})
	return n, err
}

// DeleteQueue deletes queue and returns the number of messages it held.
func (c *Client) DeleteQueue(_ context.Context, queue string) (int, error) {
	var n int
	err := c.withScratchChannel(func(ch amqpChannel) error {
		deleted, err := ch.QueueDelete(queue, false, false, false)
		if err != nil {
			return fmt.Errorf("delete queue %s: %w", queue, err)
		}
		n = deleted
		return nil
	})
	return n, err
}
