// Package cache stores serialized aggregate results for a fixed TTL. The
// in-memory store serves a single replica; the Redis store lets several
// replicas share one warehouse query per key and TTL window.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Store is a byte-oriented TTL cache. Entries are never invalidated early.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}
