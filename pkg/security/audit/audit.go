// Package audit records security events into time-indexed sorted sets and
// raises threshold alerts when a severity's rolling-hour volume crosses its
// limit. Retention is enforced by per-entry score trims and key TTLs, never
// by rewriting an index.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"aegisgate/pkg/logging"
	"aegisgate/pkg/metrics"
	"aegisgate/pkg/store"
)

// Severities, lowest to highest.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// alertThresholds is the rolling-hour count of one event type that triggers
// an alert, keyed by the event's severity. A single critical event alerts
// immediately; five distinct error-type events with one occurrence each do
// not.
var alertThresholds = map[string]int64{
	SeverityCritical: 1,
	SeverityError:    5,
	SeverityWarning:  10,
	SeverityInfo:     100,
}

const (
	eventRetention = 30 * 24 * time.Hour
	alertWindow    = time.Hour
	// alertCooldown suppresses duplicate alerts for the same severity.
	alertCooldown = time.Hour
)

// Event is one recorded security event.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Severity  string            `json:"severity"`
	Message   string            `json:"message"`
	IP        string            `json:"ip,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Alert is an emitted threshold alert. Metric names the event type whose
// volume crossed the threshold.
type Alert struct {
	ID        string    `json:"id"`
	Metric    string    `json:"metric"`
	Severity  string    `json:"severity"`
	Count     int64     `json:"count"`
	Threshold int64     `json:"threshold"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger records events and evaluates alert thresholds.
type Logger struct {
	store store.Store
	log   *logging.Logger
}

// New builds an audit Logger.
func New(st store.Store, log *logging.Logger) *Logger {
	return &Logger{store: st, log: log}
}

const (
	keyAll    = "sec:events:all"
	keyAlerts = "sec:alerts"
)

func typeKey(t string) string       { return "sec:events:type:" + t }
func sevKey(s string) string        { return "sec:events:sev:" + s }
func countKey(t, s string) string   { return "sec:events:count:" + t + ":" + s }
func alertedKey(t, s string) string { return "sec:alerted:" + t + ":" + s }

// Log records an event into the all/by-type/by-severity indices and checks
// the severity's rolling-hour threshold. Index writes are best effort; an
// unreachable store loses the event but never fails the caller's request.
func (l *Logger) Log(ctx context.Context, ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if _, ok := alertThresholds[ev.Severity]; !ok {
		ev.Severity = SeverityInfo
	}

	metrics.EventsTotal.WithLabelValues(ev.Type, ev.Severity).Inc()

	buf, err := json.Marshal(ev)
	if err != nil {
		return ev
	}
	score := float64(ev.Timestamp.UnixMilli())
	keys := []string{keyAll, typeKey(ev.Type), sevKey(ev.Severity), countKey(ev.Type, ev.Severity)}
	for _, key := range keys {
		if err := l.store.ZAdd(ctx, key, score, string(buf)); err != nil {
			metrics.StoreErrors.WithLabelValues("audit").Inc()
			return ev
		}
		_ = l.store.Expire(ctx, key, eventRetention)
	}

	l.checkThreshold(ctx, ev.Type, ev.Severity)
	return ev
}

// checkThreshold counts this event type's occurrences over the rolling hour
// and emits an alert when the severity's threshold is met. Counting is
// per-type: five unrelated error-type events do not add up. The cooldown
// marker makes alerting approximately once per hour per (type, severity);
// concurrent loggers may race past it, which at-least-once delivery
// tolerates.
func (l *Logger) checkThreshold(ctx context.Context, eventType, severity string) {
	threshold := alertThresholds[severity]
	from := float64(time.Now().Add(-alertWindow).UnixMilli())
	count, err := l.store.ZCount(ctx, countKey(eventType, severity), from, math.Inf(1))
	if err != nil {
		metrics.StoreErrors.WithLabelValues("audit").Inc()
		return
	}
	if count < threshold {
		return
	}
	if _, hit, err := l.store.Get(ctx, alertedKey(eventType, severity)); err != nil || hit {
		return
	}
	_ = l.store.Set(ctx, alertedKey(eventType, severity), "1", alertCooldown)

	l.emit(ctx, Alert{
		ID:        uuid.NewString(),
		Metric:    eventType,
		Severity:  severity,
		Count:     count,
		Threshold: threshold,
		Message:   fmt.Sprintf("event type %q at severity %q reached %d occurrences in the last hour (threshold %d)", eventType, severity, count, threshold),
		Timestamp: time.Now().UTC(),
	})
}

func (l *Logger) emit(ctx context.Context, a Alert) {
	metrics.AlertsTotal.WithLabelValues(a.Severity).Inc()
	if buf, err := json.Marshal(a); err == nil {
		if err := l.store.ZAdd(ctx, keyAlerts, float64(a.Timestamp.UnixMilli()), string(buf)); err == nil {
			_ = l.store.Expire(ctx, keyAlerts, eventRetention)
		} else {
			metrics.StoreErrors.WithLabelValues("audit").Inc()
		}
	}
	if l.log != nil {
		l.log.SecurityEvent("threshold_alert", logging.Fields{
			"metric":    a.Metric,
			"severity":  a.Severity,
			"count":     a.Count,
			"threshold": a.Threshold,
		})
	}
}

// RecentEvents returns up to limit events from the last 24h, oldest first.
func (l *Logger) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	from := float64(time.Now().Add(-24 * time.Hour).UnixMilli())
	members, err := l.store.ZRangeByScore(ctx, keyAll, from, math.Inf(1))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(members) > limit {
		members = members[len(members)-limit:]
	}
	out := make([]Event, 0, len(members))
	for _, m := range members {
		var ev Event
		if json.Unmarshal([]byte(m), &ev) == nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

// RecentAlerts returns up to limit alerts from the last 24h, oldest first.
func (l *Logger) RecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	from := float64(time.Now().Add(-24 * time.Hour).UnixMilli())
	members, err := l.store.ZRangeByScore(ctx, keyAlerts, from, math.Inf(1))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(members) > limit {
		members = members[len(members)-limit:]
	}
	out := make([]Alert, 0, len(members))
	for _, m := range members {
		var a Alert
		if json.Unmarshal([]byte(m), &a) == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

// Prune trims entries past the retention horizon from the fixed indices.
// Per-type and per-(type,severity) indices rely on their key TTL instead,
// since the type space is open-ended.
func (l *Logger) Prune(ctx context.Context) {
	horizon := float64(time.Now().Add(-eventRetention).UnixMilli())
	keys := []string{keyAll, keyAlerts,
		sevKey(SeverityInfo), sevKey(SeverityWarning), sevKey(SeverityError), sevKey(SeverityCritical)}
	for _, key := range keys {
		if _, err := l.store.ZRemRangeByScore(ctx, key, math.Inf(-1), horizon); err != nil {
			metrics.StoreErrors.WithLabelValues("audit").Inc()
		}
	}
}
