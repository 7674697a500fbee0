package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisgate/pkg/store"
)

func newLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(mem.Close)
	return New(mem, cfg)
}

func TestMinuteWindowBurst(t *testing.T) {
	l := newLimiter(t, Config{
		Windows: []Window{{Name: "minute", Duration: time.Minute, Limit: 100}},
	})
	ctx := context.Background()

	var lastReset time.Time
	for i := 1; i <= 150; i++ {
		allowed, info := l.Check(ctx, "203.0.113.7")
		if i <= 100 {
			assert.Truef(t, allowed, "request %d should pass", i)
			assert.Nil(t, info)
			continue
		}
		require.Falsef(t, allowed, "request %d should be limited", i)
		require.NotNil(t, info)
		assert.Equal(t, "minute", info.Window)
		assert.Equal(t, int64(100), info.Limit)
		assert.False(t, info.Reset.Before(lastReset), "reset must not move backwards")
		lastReset = info.Reset
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	l := newLimiter(t, Config{
		Windows:    []Window{{Name: "second", Duration: time.Second, Limit: 1}},
		MinBackoff: time.Second,
		MaxBackoff: 8 * time.Second,
		Factor:     2.0,
	})
	ctx := context.Background()

	allowed, _ := l.Check(ctx, "k")
	require.True(t, allowed)

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}
	for i, w := range want {
		allowed, info := l.Check(ctx, "k")
		require.Falsef(t, allowed, "denial %d", i+1)
		require.NotNil(t, info)
		assert.Equalf(t, w, info.Backoff, "denial %d", i+1)
		assert.Equal(t, int64(i+1), info.Violations)
	}
}

func TestIndependentKeys(t *testing.T) {
	l := newLimiter(t, Config{
		Windows: []Window{{Name: "second", Duration: time.Second, Limit: 2}},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _ := l.Check(ctx, "a")
		require.True(t, allowed)
	}
	allowed, _ := l.Check(ctx, "a")
	assert.False(t, allowed)

	// a separate key has its own budget
	allowed, _ = l.Check(ctx, "b")
	assert.True(t, allowed)
}

func TestResetBackoff(t *testing.T) {
	l := newLimiter(t, Config{
		Windows:    []Window{{Name: "second", Duration: time.Second, Limit: 1}},
		MinBackoff: time.Second,
		Factor:     2.0,
	})
	ctx := context.Background()

	l.Check(ctx, "k")
	for i := 0; i < 3; i++ {
		l.Check(ctx, "k")
	}
	_, info := l.Check(ctx, "k")
	require.NotNil(t, info)
	assert.Greater(t, info.Violations, int64(1))

	require.NoError(t, l.ResetBackoff(ctx, "k"))
	_, info = l.Check(ctx, "k")
	require.NotNil(t, info)
	assert.Equal(t, int64(1), info.Violations, "violation count restarts after reset")
}

// failingStore errors on every call.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, store.ErrUnavailable
}
func (failingStore) Set(context.Context, string, string, time.Duration) error {
	return store.ErrUnavailable
}
func (failingStore) Del(context.Context, ...string) error { return store.ErrUnavailable }
func (failingStore) Incr(context.Context, string) (int64, error) {
	return 0, store.ErrUnavailable
}
func (failingStore) Expire(context.Context, string, time.Duration) error {
	return store.ErrUnavailable
}
func (failingStore) ZAdd(context.Context, string, float64, string) error {
	return store.ErrUnavailable
}
func (failingStore) ZRangeByScore(context.Context, string, float64, float64) ([]string, error) {
	return nil, store.ErrUnavailable
}
func (failingStore) ZRemRangeByScore(context.Context, string, float64, float64) (int64, error) {
	return 0, store.ErrUnavailable
}
func (failingStore) ZCount(context.Context, string, float64, float64) (int64, error) {
	return 0, store.ErrUnavailable
}

func TestFailsOpenWhenStoreDown(t *testing.T) {
	l := New(failingStore{}, Config{
		Windows: []Window{{Name: "second", Duration: time.Second, Limit: 1}},
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, info := l.Check(ctx, "k")
		assert.True(t, allowed, "store outage must not block traffic")
		assert.Nil(t, info)
	}
	assert.True(t, errors.Is(l.ResetBackoff(ctx, "k"), store.ErrUnavailable))
}
