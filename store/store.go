// Package store provides the shared counter/state backends used by the
// traffickit components (rate limiting, throttling, quota accounting,
// degradation records).
//
// All operations that read-modify-write shared state are atomic in both
// backends: Lua scripts on Redis, a single mutex on Memory. Components
// must never compose two Store calls and assume atomicity across them.
//
// For distributed deployments (Kubernetes), use the Redis store. The
// in-memory store is only suitable for single-instance deployments and
// development.
package store

import (
	"context"
	"time"
)

// Store defines the interface for traffickit storage backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Increment atomically increments the counter for the given key and
	// returns the new count and the TTL until the key expires. The expiry
	// is set only when the key is created, so the window is anchored at
	// the first request.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// IncrementBy is Increment with a caller-chosen delta. Used by quota
	// accounting where a single request may cost more than one unit.
	IncrementBy(ctx context.Context, key string, n int64, window time.Duration) (count int64, ttl time.Duration, err error)

	// Get retrieves the current count for the given key without incrementing.
	// Returns 0 if the key doesn't exist.
	Get(ctx context.Context, key string) (int64, error)

	// Delete removes the given key.
	Delete(ctx context.Context, key string) error

	// TokenTake refills the token bucket stored under key from the elapsed
	// time since the last call (refillPerSec tokens per second, capped at
	// capacity) and then attempts to remove n tokens. It reports whether
	// the tokens were taken and the tokens remaining afterwards. A bucket
	// starts full.
	TokenTake(ctx context.Context, key string, capacity, refillPerSec, n float64) (allowed bool, remaining float64, err error)

	// WindowAllow prunes entries older than window from the sorted set
	// under key, and records the current request only if fewer than limit
	// entries remain. It reports the decision, the resulting entry count,
	// and the timestamp of the oldest retained entry (zero time when the
	// set is empty).
	WindowAllow(ctx context.Context, key string, window time.Duration, limit int64) (allowed bool, count int64, oldest time.Time, err error)

	// WindowObserve unconditionally records the current request in the
	// sorted set under key, prunes entries older than window, and returns
	// the resulting entry count.
	WindowObserve(ctx context.Context, key string, window time.Duration) (int64, error)

	// HashGet returns the value of field in the hash stored under key,
	// or "" if the field doesn't exist.
	HashGet(ctx context.Context, key, field string) (string, error)

	// HashSet sets field to value in the hash stored under key.
	HashSet(ctx context.Context, key, field, value string) error

	// HashGetAll returns all fields of the hash stored under key.
	// Returns an empty map if the key doesn't exist.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// HashDelete removes the given fields from the hash stored under key.
	HashDelete(ctx context.Context, key string, fields ...string) error

	// Close releases any resources held by the store.
	Close() error
}
