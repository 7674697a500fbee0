// Package store abstracts the shared key/value backend the security
// components run on. Semantics follow Redis: string values with per-key TTLs,
// atomic counters via Incr+Expire, and sorted sets scored by unix
// milliseconds for time-ordered data. Two implementations are provided: a
// Redis-backed store for production and an in-memory store used as a local
// fallback and in tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps transient backend failures. Callers apply their own
// fail-open or fail-closed policy; the store never decides for them.
var ErrUnavailable = errors.New("store unavailable")

// Store is the shared state surface for rate limiting, reputation,
// correlation and audit data. All calls must honor the context deadline and
// return promptly on backend failure.
type Store interface {
	// Get returns the value for key. The second return is false on a miss.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes key=value with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets or refreshes the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ZAdd inserts member with score into the sorted set at key.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRangeByScore returns members with min <= score <= max, ascending.
	// Use math.Inf(-1) / math.Inf(1) for open bounds.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	// ZRemRangeByScore removes members with min <= score <= max and returns
	// how many were removed.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	// ZCount counts members with min <= score <= max.
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)
}
