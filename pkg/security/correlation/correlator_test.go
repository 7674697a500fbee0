package correlation

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisgate/pkg/store"
)

func newCorrelator(t *testing.T) (*Correlator, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(mem.Close)
	return New(mem), mem
}

func track(t *testing.T, c *Correlator, snap Snapshot) {
	t.Helper()
	require.NoError(t, c.Track(context.Background(), snap))
}

func TestTrackAndHistory(t *testing.T) {
	c, _ := newCorrelator(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		track(t, c, Snapshot{
			IP: "10.0.0.1", Method: "GET", Path: fmt.Sprintf("/p/%d", i),
			StatusCode: 200, DurationMs: 10, UserAgent: "ua",
		})
	}

	snaps, err := c.History(ctx, "10.0.0.1", time.Hour)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for _, s := range snaps {
		assert.NotEmpty(t, s.ID)
		assert.NotEmpty(t, s.Fingerprint)
		assert.False(t, s.Timestamp.IsZero())
	}
}

func TestTrackTrimsBeyondRetention(t *testing.T) {
	c, mem := newCorrelator(t)
	ctx := context.Background()

	// plant an entry two days old directly in the history set
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, mem.ZAdd(ctx, historyKey("10.0.0.2"), float64(old.UnixMilli()), `{"id":"stale"}`))

	track(t, c, Snapshot{IP: "10.0.0.2", Method: "GET", Path: "/", StatusCode: 200})

	all, err := mem.ZRangeByScore(ctx, historyKey("10.0.0.2"), math.Inf(-1), math.Inf(1))
	require.NoError(t, err)
	assert.Len(t, all, 1, "stale entry must be trimmed on write")
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("1.2.3.4", "GET", "/x", "ua")
	b := Fingerprint("1.2.3.4", "GET", "/x", "ua")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Fingerprint("1.2.3.4", "POST", "/x", "ua"))
	assert.Len(t, a, 16)
}

func TestSummaryCounts(t *testing.T) {
	c, _ := newCorrelator(t)
	ctx := context.Background()
	ip := "10.0.0.3"

	track(t, c, Snapshot{IP: ip, Method: "GET", Path: "/a", StatusCode: 200, DurationMs: 10, SessionID: "s1"})
	track(t, c, Snapshot{IP: ip, Method: "GET", Path: "/a", StatusCode: 404, DurationMs: 20, SessionID: "s1"})
	track(t, c, Snapshot{IP: ip, Method: "POST", Path: "/b", StatusCode: 500, DurationMs: 30, SessionID: "s2"})

	sum, err := c.Patterns(ctx, ip, Window1h)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalRequests)
	assert.Equal(t, 2, sum.UniquePaths)
	assert.Equal(t, 2, sum.UniqueSessions)
	assert.Equal(t, 2, sum.ErrorCount)
	assert.InDelta(t, 20.0, sum.AvgDurationMs, 0.001)
	assert.Equal(t, 2, sum.MethodCounts["GET"])
	assert.Equal(t, 1, sum.StatusCounts[500])
	assert.Empty(t, sum.Flags)
}

func TestRepeatedViolationsFlag(t *testing.T) {
	c, _ := newCorrelator(t)
	ip := "10.0.0.4"

	for i := 0; i < 5; i++ {
		track(t, c, Snapshot{IP: ip, Method: "GET", Path: "/admin", StatusCode: 403})
	}
	sum, err := c.Patterns(context.Background(), ip, Window5m)
	require.NoError(t, err)
	assert.Contains(t, sum.Flags, "repeated_violations")
}

func TestDistributedAndRapidFlags(t *testing.T) {
	c, _ := newCorrelator(t)
	ip := "10.0.0.5"

	for i := 0; i < 100; i++ {
		status := 200
		if i%10 == 0 {
			status = 404
		}
		track(t, c, Snapshot{IP: ip, Method: "GET", Path: fmt.Sprintf("/probe/%d", i%12), StatusCode: status})
	}
	sum, err := c.Patterns(context.Background(), ip, Window5m)
	require.NoError(t, err)
	assert.Contains(t, sum.Flags, "distributed_attempts")
	assert.Contains(t, sum.Flags, "rapid_requests")
}

func TestConcurrentSessionsFlag(t *testing.T) {
	c, _ := newCorrelator(t)
	ip := "10.0.0.6"

	for i := 0; i < 20; i++ {
		track(t, c, Snapshot{IP: ip, Method: "GET", Path: "/", StatusCode: 200, SessionID: fmt.Sprintf("s%d", i)})
	}
	sum, err := c.Patterns(context.Background(), ip, Window5m)
	require.NoError(t, err)
	assert.Contains(t, sum.Flags, "concurrent_sessions")
}

func TestSummaryCachedForWindow(t *testing.T) {
	c, _ := newCorrelator(t)
	ctx := context.Background()
	ip := "10.0.0.7"

	track(t, c, Snapshot{IP: ip, Method: "GET", Path: "/", StatusCode: 200})
	first, err := c.Patterns(ctx, ip, Window1h)
	require.NoError(t, err)
	assert.Equal(t, 1, first.TotalRequests)

	// new activity does not invalidate the cached summary
	track(t, c, Snapshot{IP: ip, Method: "GET", Path: "/", StatusCode: 200})
	second, err := c.Patterns(ctx, ip, Window1h)
	require.NoError(t, err)
	assert.Equal(t, 1, second.TotalRequests)
}

func TestUnknownWindowRejected(t *testing.T) {
	c, _ := newCorrelator(t)
	_, err := c.Patterns(context.Background(), "10.0.0.8", "7m")
	assert.Error(t, err)
}
