package audit

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisgate/pkg/logging"
	"aegisgate/pkg/store"
)

func newAudit(t *testing.T) (*Logger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(mem.Close)
	return New(mem, logging.NewLogger("audit-test", logging.LevelError, io.Discard)), mem
}

func TestLogAssignsIDAndTimestamp(t *testing.T) {
	a, _ := newAudit(t)
	ev := a.Log(context.Background(), Event{Type: "auth_failure", Severity: SeverityWarning, IP: "10.0.0.1"})
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestUnknownSeverityCoercedToInfo(t *testing.T) {
	a, _ := newAudit(t)
	ev := a.Log(context.Background(), Event{Type: "odd", Severity: "fatal"})
	assert.Equal(t, SeverityInfo, ev.Severity)
}

func TestEventIndexes(t *testing.T) {
	a, mem := newAudit(t)
	ctx := context.Background()

	a.Log(ctx, Event{Type: "rate_limited", Severity: SeverityWarning, IP: "10.0.0.2"})

	keys := []string{keyAll, typeKey("rate_limited"), sevKey(SeverityWarning), countKey("rate_limited", SeverityWarning)}
	for _, key := range keys {
		members, err := mem.ZRangeByScore(ctx, key, math.Inf(-1), math.Inf(1))
		require.NoError(t, err)
		assert.Lenf(t, members, 1, "index %s", key)
	}
}

func TestErrorThresholdAlertsOnce(t *testing.T) {
	a, _ := newAudit(t)
	ctx := context.Background()

	// four errors stay under the threshold of five
	for i := 0; i < 4; i++ {
		a.Log(ctx, Event{Type: "blocked_request", Severity: SeverityError})
	}
	alerts, err := a.RecentAlerts(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	// fifth error crosses it; later errors are absorbed by the cooldown
	for i := 0; i < 6; i++ {
		a.Log(ctx, Event{Type: "blocked_request", Severity: SeverityError})
	}
	alerts, err = a.RecentAlerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "blocked_request", alerts[0].Metric)
	assert.Equal(t, SeverityError, alerts[0].Severity)
	assert.Equal(t, int64(5), alerts[0].Threshold)
	assert.GreaterOrEqual(t, alerts[0].Count, int64(5))
}

func TestDistinctErrorTypesDoNotAlert(t *testing.T) {
	a, _ := newAudit(t)
	ctx := context.Background()

	// five errors of five different types: no single type reaches five
	types := []string{"ip_blocked", "rate_limited", "throttled", "host_not_allowed", "threat_detected"}
	for _, typ := range types {
		a.Log(ctx, Event{Type: typ, Severity: SeverityError})
	}

	alerts, err := a.RecentAlerts(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, alerts, "thresholds count per event type, not per severity")
}

func TestCriticalAlertsImmediately(t *testing.T) {
	a, _ := newAudit(t)
	ctx := context.Background()

	a.Log(ctx, Event{Type: "command_injection", Severity: SeverityCritical, IP: "10.0.0.3"})

	alerts, err := a.RecentAlerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "command_injection", alerts[0].Metric)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Equal(t, int64(1), alerts[0].Threshold)
}

func TestSeveritiesAlertIndependently(t *testing.T) {
	a, _ := newAudit(t)
	ctx := context.Background()

	a.Log(ctx, Event{Type: "x", Severity: SeverityCritical})
	for i := 0; i < 5; i++ {
		a.Log(ctx, Event{Type: "y", Severity: SeverityError})
	}

	alerts, err := a.RecentAlerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	sevs := []string{alerts[0].Severity, alerts[1].Severity}
	assert.Contains(t, sevs, SeverityCritical)
	assert.Contains(t, sevs, SeverityError)
}

func TestRecentEventsLimit(t *testing.T) {
	a, _ := newAudit(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		a.Log(ctx, Event{Type: "probe", Severity: SeverityInfo})
	}
	events, err := a.RecentEvents(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestPruneDropsExpiredEntries(t *testing.T) {
	a, mem := newAudit(t)
	ctx := context.Background()

	old := time.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, mem.ZAdd(ctx, keyAll, float64(old.UnixMilli()), `{"id":"old"}`))
	a.Log(ctx, Event{Type: "probe", Severity: SeverityInfo})

	a.Prune(ctx)

	members, err := mem.ZRangeByScore(ctx, keyAll, math.Inf(-1), math.Inf(1))
	require.NoError(t, err)
	assert.Len(t, members, 1, "only the fresh event survives")
}
