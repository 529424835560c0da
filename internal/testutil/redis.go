package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCandidates lists where a test Redis usually lives: REDIS_ADDR in CI, the compose service,
// then the local test profile port.
func redisCandidates() []string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return []string{addr}
	}
	return []string{"redis:6379", "localhost:6379", "localhost:56379"}
}

func pingRedis(addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// SetupTestRedis returns a client on an empty logical database reserved for this test.
func SetupTestRedis(t TestingTB) *redis.Client {
	t.Helper()

	var (
		meta *redis.Client
		err  error
	)
	for _, addr := range redisCandidates() {
		if meta, err = pingRedis(addr, 0); err == nil {
			break
		}
	}
	if meta == nil {
		unavailable(t, required("REDIS"), "test redis", err)
		return nil
	}
	addr := meta.Options().Addr
	db := reserveRedisDB(t, meta)
	closeAndLog(t, "redis meta client", meta)

	client, err := pingRedis(addr, db)
	if err != nil {
		unavailable(t, required("REDIS"), "test redis", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush redis db %d: %v", db, err)
	}
	t.Cleanup(func() { closeAndLog(t, "redis client", client) })
	return client
}

// reserveRedisDB picks TEST_REDIS_DB when set, otherwise claims one of DB 1..15 with a lock key in
// DB 0 so concurrently running packages never flush each other's data.
func reserveRedisDB(t TestingTB, meta *redis.Client) int {
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
		t.Logf("ignoring invalid TEST_REDIS_DB=%q", v)
	}

	addr := meta.Options().Addr
	for i := 1; i <= 15; i++ {
		key := fmt.Sprintf("orchestrator:testutil:db_lock:%d", i)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		ok, err := meta.SetNX(ctx, key, os.Getpid(), 30*time.Minute).Result()
		cancel()
		if err != nil || !ok {
			continue
		}
		t.Cleanup(func() { releaseRedisDB(t, addr, key) })
		return i
	}
	t.Logf("no free redis db at %s, sharing db 1", addr)
	return 1
}

func releaseRedisDB(t TestingTB, addr, key string) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	defer closeAndLog(t, "redis cleanup client", c)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Del(ctx, key).Err(); err != nil {
		t.Logf("release redis lock %s: %v", key, err)
	}
}
