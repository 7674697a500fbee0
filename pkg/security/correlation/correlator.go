// Package correlation keeps a rolling per-IP request history in the shared
// store and derives windowed pattern summaries from it. History lives in a
// sorted set scored by unix milliseconds; every write trims entries older
// than the retention horizon so the set never needs a full rewrite.
package correlation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"aegisgate/pkg/store"
)

// retention bounds the per-IP history.
const retention = 24 * time.Hour

// Summary windows.
const (
	Window5m  = "5m"
	Window1h  = "1h"
	Window24h = "24h"
)

var windows = map[string]time.Duration{
	Window5m:  5 * time.Minute,
	Window1h:  time.Hour,
	Window24h: 24 * time.Hour,
}

// Pattern flag thresholds over one window.
const (
	repeatedViolationsMin = 5   // responses with status 403 or 429
	distributedPathsMin   = 10  // distinct paths probed with at least one error
	rapidRequestsMin      = 100 // total requests
	concurrentSessionsMin = 20  // distinct session ids
)

// Snapshot is one recorded request outcome.
type Snapshot struct {
	ID          string    `json:"id"`
	IP          string    `json:"ip"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	StatusCode  int       `json:"statusCode"`
	DurationMs  int64     `json:"durationMs"`
	UserAgent   string    `json:"userAgent,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Timestamp   time.Time `json:"timestamp"`
}

// Summary aggregates one IP's activity over one window.
type Summary struct {
	IP              string         `json:"ip"`
	Window          string         `json:"window"`
	GeneratedAt     time.Time      `json:"generatedAt"`
	TotalRequests   int            `json:"totalRequests"`
	UniquePaths     int            `json:"uniquePaths"`
	UniqueSessions  int            `json:"uniqueSessions"`
	ErrorCount      int            `json:"errorCount"`
	AvgDurationMs   float64        `json:"avgDurationMs"`
	StatusCounts    map[int]int    `json:"statusCounts,omitempty"`
	MethodCounts    map[string]int `json:"methodCounts,omitempty"`
	PathCounts      map[string]int `json:"pathCounts,omitempty"`
	UserAgentCounts map[string]int `json:"userAgentCounts,omitempty"`
	Flags           []string       `json:"flags,omitempty"`
}

// Correlator records snapshots and computes summaries.
type Correlator struct {
	store store.Store
}

// New builds a Correlator over st.
func New(st store.Store) *Correlator {
	return &Correlator{store: st}
}

func historyKey(ip string) string { return "corr:" + ip }
func summaryKey(ip, window string) string {
	return fmt.Sprintf("corr:sum:%s:%s", ip, window)
}

// Fingerprint hashes the stable identity of a request source.
func Fingerprint(ip, method, path, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + "|" + method + "|" + path + "|" + userAgent))
	return hex.EncodeToString(sum[:8])
}

// Track appends one snapshot to the IP's history and trims entries past the
// retention horizon.
func (c *Correlator) Track(ctx context.Context, snap Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	if snap.Fingerprint == "" {
		snap.Fingerprint = Fingerprint(snap.IP, snap.Method, snap.Path, snap.UserAgent)
	}
	buf, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	key := historyKey(snap.IP)
	score := float64(snap.Timestamp.UnixMilli())
	if err := c.store.ZAdd(ctx, key, score, string(buf)); err != nil {
		return err
	}
	horizon := float64(time.Now().Add(-retention).UnixMilli())
	_, _ = c.store.ZRemRangeByScore(ctx, key, math.Inf(-1), horizon)
	_ = c.store.Expire(ctx, key, retention)
	return nil
}

// History returns the IP's snapshots inside the window, oldest first.
func (c *Correlator) History(ctx context.Context, ip string, window time.Duration) ([]Snapshot, error) {
	from := float64(time.Now().Add(-window).UnixMilli())
	members, err := c.store.ZRangeByScore(ctx, historyKey(ip), from, math.Inf(1))
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(members))
	for _, m := range members {
		var s Snapshot
		if err := json.Unmarshal([]byte(m), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Patterns returns the summary for one window name (5m, 1h, 24h). Summaries
// are cached under a TTL equal to the window, so a fresh one is computed at
// most once per window per IP.
func (c *Correlator) Patterns(ctx context.Context, ip, window string) (Summary, error) {
	dur, ok := windows[window]
	if !ok {
		return Summary{}, fmt.Errorf("unknown correlation window %q", window)
	}

	if raw, hit, err := c.store.Get(ctx, summaryKey(ip, window)); err == nil && hit {
		var cached Summary
		if json.Unmarshal([]byte(raw), &cached) == nil {
			return cached, nil
		}
	}

	snaps, err := c.History(ctx, ip, dur)
	if err != nil {
		return Summary{}, err
	}
	sum := summarize(ip, window, snaps)

	if buf, err := json.Marshal(sum); err == nil {
		_ = c.store.Set(ctx, summaryKey(ip, window), string(buf), dur)
	}
	return sum, nil
}

func summarize(ip, window string, snaps []Snapshot) Summary {
	sum := Summary{
		IP:              ip,
		Window:          window,
		GeneratedAt:     time.Now().UTC(),
		TotalRequests:   len(snaps),
		StatusCounts:    make(map[int]int),
		MethodCounts:    make(map[string]int),
		PathCounts:      make(map[string]int),
		UserAgentCounts: make(map[string]int),
	}

	sessions := make(map[string]struct{})
	violations := 0
	var totalDur int64
	for _, s := range snaps {
		sum.StatusCounts[s.StatusCode]++
		sum.MethodCounts[s.Method]++
		sum.PathCounts[s.Path]++
		if s.UserAgent != "" {
			sum.UserAgentCounts[s.UserAgent]++
		}
		if s.SessionID != "" {
			sessions[s.SessionID] = struct{}{}
		}
		if s.StatusCode >= 400 {
			sum.ErrorCount++
		}
		if s.StatusCode == 403 || s.StatusCode == 429 {
			violations++
		}
		totalDur += s.DurationMs
	}
	sum.UniquePaths = len(sum.PathCounts)
	sum.UniqueSessions = len(sessions)
	if len(snaps) > 0 {
		sum.AvgDurationMs = float64(totalDur) / float64(len(snaps))
	}

	if violations >= repeatedViolationsMin {
		sum.Flags = append(sum.Flags, "repeated_violations")
	}
	if sum.UniquePaths >= distributedPathsMin && sum.ErrorCount > 0 {
		sum.Flags = append(sum.Flags, "distributed_attempts")
	}
	if sum.TotalRequests >= rapidRequestsMin {
		sum.Flags = append(sum.Flags, "rapid_requests")
	}
	if sum.UniqueSessions >= concurrentSessionsMin {
		sum.Flags = append(sum.Flags, "concurrent_sessions")
	}
	return sum
}
