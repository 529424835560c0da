package core

import (
	"context"
	"time"
)

// CacheRepository is the key/value cache used for the job statistics snapshot.
type CacheRepository interface {
	// Set stores a value with the given TTL. A zero TTL never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns nil without error when the key is missing or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete reports whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)
}
