// Package reputation tracks a bounded trust score per source IP, adjusted by
// weighted behavioral events. Records live in the shared store under a
// refreshed TTL; scoring is advisory and enforcement is left to the pipeline.
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"aegisgate/pkg/store"
)

// EventType is a weighted behavioral event.
type EventType string

const (
	EventSuccessfulRequest  EventType = "successful_request"
	EventFailedRequest      EventType = "failed_request"
	EventSecurityViolation  EventType = "security_violation"
	EventBlocked            EventType = "blocked"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventVerifiedUser       EventType = "verified_user"
)

// deltas is the fixed adjustment table.
var deltas = map[EventType]int{
	EventSuccessfulRequest:  1,
	EventFailedRequest:      -1,
	EventSecurityViolation:  -10,
	EventBlocked:            -20,
	EventSuspiciousActivity: -5,
	EventVerifiedUser:       10,
}

// Level buckets a score for the orchestrator.
type Level string

const (
	LevelBlocked       Level = "blocked"
	LevelSuspicious    Level = "suspicious"
	LevelNeutral       Level = "neutral"
	LevelTrusted       Level = "trusted"
	LevelHighlyTrusted Level = "highly_trusted"
)

const (
	// MinScore and MaxScore bound every record.
	MinScore = -100
	MaxScore = 100
	// InitialScore seeds records created on first sight.
	InitialScore = 50
	// maxHistory caps the per-record event history.
	maxHistory = 100
)

// HistoryEntry is one applied adjustment.
type HistoryEntry struct {
	Type    EventType `json:"type"`
	Delta   int       `json:"delta"`
	At      time.Time `json:"at"`
	Details string    `json:"details,omitempty"`
}

// Record is the store-owned reputation state for one IP.
type Record struct {
	IP          string         `json:"ip"`
	Score       int            `json:"score"`
	CreatedAt   time.Time      `json:"createdAt"`
	LastUpdated time.Time      `json:"lastUpdated"`
	History     []HistoryEntry `json:"history,omitempty"`
}

// Manager reads and adjusts reputation records.
type Manager struct {
	store store.Store
	ttl   time.Duration
}

// NewManager builds a Manager. ttl is the record retention, refreshed on
// every write; zero selects 24h.
func NewManager(st store.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{store: st, ttl: ttl}
}

func key(ip string) string { return "sec:rep:" + ip }

// Get returns the record for ip, lazily creating one at the initial score.
func (m *Manager) Get(ctx context.Context, ip string) (Record, error) {
	raw, ok, err := m.store.Get(ctx, key(ip))
	if err != nil {
		return Record{}, err
	}
	if !ok {
		now := time.Now().UTC()
		rec := Record{IP: ip, Score: InitialScore, CreatedAt: now, LastUpdated: now}
		if err := m.save(ctx, rec); err != nil {
			return Record{}, err
		}
		return rec, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("decode reputation record for %s: %w", ip, err)
	}
	return rec, nil
}

// Update applies one behavioral event and returns the adjusted record. The
// read-modify-write is unguarded: concurrent updates may lose an adjustment,
// which the design tolerates in exchange for lock-free operation.
func (m *Manager) Update(ctx context.Context, ip string, event EventType, details string) (Record, error) {
	delta, ok := deltas[event]
	if !ok {
		return Record{}, fmt.Errorf("unknown reputation event type %q", event)
	}
	rec, err := m.Get(ctx, ip)
	if err != nil {
		return Record{}, err
	}
	now := time.Now().UTC()
	rec.Score = clamp(rec.Score + delta)
	rec.LastUpdated = now
	rec.History = append(rec.History, HistoryEntry{Type: event, Delta: delta, At: now, Details: details})
	if len(rec.History) > maxHistory {
		rec.History = rec.History[len(rec.History)-maxHistory:]
	}
	if err := m.save(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (m *Manager) save(ctx context.Context, rec Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode reputation record for %s: %w", rec.IP, err)
	}
	return m.store.Set(ctx, key(rec.IP), string(buf), m.ttl)
}

// LevelFor buckets a score.
func LevelFor(score int) Level {
	switch {
	case score <= -50:
		return LevelBlocked
	case score <= -20:
		return LevelSuspicious
	case score <= 0:
		return LevelNeutral
	case score <= 70:
		return LevelTrusted
	default:
		return LevelHighlyTrusted
	}
}

func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
