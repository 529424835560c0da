package broker

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type publishedMsg struct {
	queue string
	msg   amqp.Publishing
}

// fakeConn records calls in a shared log so tests can assert ordering.
type fakeConn struct {
	mu         sync.Mutex
	log        []string
	channels   []*fakeChannel
	channelErr error
	closed     bool
	closeSubs  []chan *amqp.Error
	blockSubs  []chan amqp.Blocking
	depth      map[string]int
}

func newFakeConn() *fakeConn {
	return &fakeConn{depth: map[string]int{}}
}

func (c *fakeConn) record(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, event)
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func (c *fakeConn) Channel() (amqpChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := &fakeChannel{conn: c, deliveries: make(chan amqp.Delivery, 8), declared: map[string]amqp.Table{}}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) channel(i int) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[i]
}

func (c *fakeConn) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

func (c *fakeConn) NotifyClose(r chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeSubs = append(c.closeSubs, r)
	return r
}

func (c *fakeConn) NotifyBlocked(r chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockSubs = append(c.blockSubs, r)
	return r
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.record("conn.close")
	c.shutdown(nil)
	return nil
}

// shutdown mimics the library: deliver the error if any, then close every subscriber.
func (c *fakeConn) shutdown(err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, s := range c.closeSubs {
		if err != nil {
			s <- err
		}
		close(s)
	}
	for _, s := range c.blockSubs {
		close(s)
	}
}

func (c *fakeConn) block(active bool) {
	c.mu.Lock()
	subs := append([]chan amqp.Blocking(nil), c.blockSubs...)
	c.mu.Unlock()
	for _, s := range subs {
		s <- amqp.Blocking{Active: active, Reason: "low on memory"}
	}
}

type fakeChannel struct {
	conn *fakeConn

	mu         sync.Mutex
	qos        int
	declared   map[string]amqp.Table
	durable    map[string]bool
	published  []publishedMsg
	publishErr error
	deliveries chan amqp.Delivery
	consumers  []string
	acked      []uint64
	nacked     map[uint64]bool
	cancelled  []string
	closed     bool
	closeSubs  []chan *amqp.Error
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.qos = prefetchCount
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.declared[name] = args
	if ch.durable == nil {
		ch.durable = map[string]bool{}
	}
	ch.durable[name] = durable
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	depth, ok := ch.conn.depth[name]
	if !ok {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	return amqp.Queue{Name: name, Messages: depth}, nil
}

func (ch *fakeChannel) QueuePurge(name string, _ bool) (int, error) {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	n := ch.conn.depth[name]
	ch.conn.depth[name] = 0
	return n, nil
}

func (ch *fakeChannel) QueueDelete(name string, _, _, _ bool) (int, error) {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	n := ch.conn.depth[name]
	delete(ch.conn.depth, name)
	return n, nil
}

func (ch *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.publishErr != nil {
		return ch.publishErr
	}
	if exchange != "" {
		panic("unexpected exchange " + exchange)
	}
	ch.published = append(ch.published, publishedMsg{queue: key, msg: msg})
	return nil
}

func (ch *fakeChannel) Consume(_, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.consumers = append(ch.consumers, consumer)
	return ch.deliveries, nil
}

func (ch *fakeChannel) Ack(tag uint64, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.acked = append(ch.acked, tag)
	return nil
}

func (ch *fakeChannel) Nack(tag uint64, _, requeue bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.nacked == nil {
		ch.nacked = map[uint64]bool{}
	}
	ch.nacked[tag] = requeue
	return nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.cancelled = append(ch.cancelled, consumer)
	return nil
}

func (ch *fakeChannel) NotifyClose(r chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closeSubs = append(ch.closeSubs, r)
	return r
}

func (ch *fakeChannel) Close() error {
	ch.conn.record("channel.close")
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closed = true
	for _, s := range ch.closeSubs {
		close(s)
	}
	return nil
}

func (ch *fakeChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) snapshot() ([]publishedMsg, []uint64, map[uint64]bool, []string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	nacked := map[uint64]bool{}
	for k, v := range ch.nacked {
		nacked[k] = v
	}
	return append([]publishedMsg(nil), ch.published...),
		append([]uint64(nil), ch.acked...),
		nacked,
		append([]string(nil), ch.cancelled...)
}

func newTestClient(conn *fakeConn, dialErr error) *Client {
	c, err := NewClient(Options{
		URL: "amqp://test",
		dial: func(string, amqp.Config) (amqpConnection, error) {
			if dialErr != nil {
				return nil, dialErr
			}
			return conn, nil
		},
	})
	if err != nil {
		panic(err)
	}
	return c
}
