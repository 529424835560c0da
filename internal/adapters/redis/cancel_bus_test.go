package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/internal/testutil"
)

func TestNewCancelBus(t *testing.T) {
	_, err := NewCancelBus(CancelBusOptions{})
	require.Error(t, err)
}

func TestParseStop(t *testing.T) {
	id, err := parseStop(`{"jobId":"job-1"}`)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	_, err = parseStop(`{}`)
	require.Error(t, err)
	_, err = parseStop(`job-1`)
	require.Error(t, err)
}

func TestCancelBus_PublishAndSubscribe(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	defer client.Close()

	bus, err := NewCancelBus(CancelBusOptions{Client: client, Channel: "orchestrator:test-stop"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(ctx, func(_ context.Context, jobID string) {
			mu.Lock()
			got = append(got, jobID)
			mu.Unlock()
		})
	}()

	// Publish until the subscriber is attached; pub/sub drops messages sent before that.
	require.Eventually(t, func() bool {
		if err := client.Publish(ctx, "orchestrator:test-stop", "garbage").Err(); err != nil {
			return false
		}
		if err := bus.PublishStop(ctx, "job-1"); err != nil {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	for _, id := range got {
		assert.Equal(t, "job-1", id)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestCancelBus_PublishStopRequiresID(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	defer client.Close()

	bus, err := NewCancelBus(CancelBusOptions{Client: client})
	require.NoError(t, err)
	require.Error(t, bus.PublishStop(context.Background(), ""))
}
