package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/testutil"
)

func TestClient_Integration_QueueDepth(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping broker integration test in short mode")
	}
	url := testutil.SkipIfNoBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := NewClient(Options{URL: url, ConnectionName: "orchestrator-test"})
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Disconnect() })

	queue := testutil.UniqueQueueName("depth")
	require.NoError(t, c.DeclareQueues(ctx, []QueueSpec{{Name: queue, AutoDelete: false, MaxPriority: 10}}))
	t.Cleanup(func() {
		_, _ = c.DeleteQueue(context.Background(), queue)
	})

	depth, err := c.QueueDepth(ctx, queue)
	require.NoError(t, err)
	assert.Zero(t, depth)

	for i := 0; i < 3; i++ {
		ok, err := c.Publish(ctx, queue, json.RawMessage(`{"n":1}`), core.PublishOptions{Persistent: true})
		require.NoError(t, err)
		assert.True(t, ok)
	}

	require.Eventually(t, func() bool {
		d, err := c.QueueDepth(ctx, queue)
		return err == nil && d == 3
	}, 5*time.Second, 50*time.Millisecond)

	_, err = c.QueueDepth(ctx, testutil.UniqueQueueName("missing"))
	require.Error(t, err)
	assert.True(t, c.IsConnected())

	purged, err := c.PurgeQueue(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, 3, purged)
}

func TestClient_Integration_ConsumeRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping broker integration test in short mode")
	}
	url := testutil.SkipIfNoBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := NewClient(Options{URL: url})
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Disconnect() })

	queue := testutil.UniqueQueueName("consume")
	require.NoError(t, c.DeclareQueues(ctx, []QueueSpec{{Name: queue, Transient: true, AutoDelete: true}}))

	got := make(chan core.Delivery, 1)
	require.NoError(t, c.Consume(ctx, queue, func(_ context.Context, d core.Delivery) {
		assert.NoError(t, c.Ack(d))
		got <- d
	}, core.ConsumeOptions{}))

	_, err = c.Publish(ctx, queue, map[string]string{"jobId": "abc"}, core.PublishOptions{MessageID: "abc"})
	require.NoError(t, err)

	select {
	case d := <-got:
		assert.Equal(t, "abc", d.MessageID)
		assert.JSONEq(t, `{"jobId":"abc"}`, string(d.Body))
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivery")
	}
}
