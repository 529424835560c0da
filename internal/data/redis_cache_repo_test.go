package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/testutil"
)

func TestRedisCacheRepo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := testutil.SetupTestRedis(t)
	defer client.Close()

	repo := NewRedisCacheRepo(client, "test:")
	ctx := context.Background()

	t.Run("set get delete with prefix", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, "k1", []byte("v1"), time.Minute))

		raw := client.Get(ctx, "test:k1").Val()
		assert.Equal(t, "v1", raw, "keys are namespaced")

		got, err := repo.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)

		ttl := client.TTL(ctx, "test:k1").Val()
		assert.True(t, ttl > 0 && ttl <= time.Minute)

		deleted, err := repo.Delete(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, deleted)

		got, err = repo.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Nil(t, got)

		deleted, err = repo.Delete(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("json helpers", func(t *testing.T) {
		in := model.JobStats{Total: 3, Pending: 1, Failed: 2}
		require.NoError(t, repo.SetJSON(ctx, "stats", in, time.Minute))

		var out model.JobStats
		found, err := repo.GetJSON(ctx, "stats", &out)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, in, out)

		found, err = repo.GetJSON(ctx, "absent", &out)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("empty key", func(t *testing.T) {
		assert.Error(t, repo.Set(ctx, "", []byte("v"), time.Minute))
		_, err := repo.Get(ctx, "")
		assert.Error(t, err)
		_, err = repo.Delete(ctx, "")
		assert.Error(t, err)
	})

	t.Run("health", func(t *testing.T) {
		assert.NoError(t, repo.Health(ctx))
	})
}
