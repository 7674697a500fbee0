// Package ratelimit implements fixed-window request counting over the shared
// store with exponential backoff for repeat offenders. Counters use the
// Incr-then-Expire idiom so each window key dies with its window; violations
// are tracked separately under a longer TTL so backoff survives the window
// roll-over.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"aegisgate/pkg/metrics"
	"aegisgate/pkg/store"
)

// Window is one counting window with its request budget.
type Window struct {
	Name     string
	Duration time.Duration
	Limit    int64
}

// DefaultWindows returns the standard four-tier window set.
func DefaultWindows() []Window {
	return []Window{
		{Name: "second", Duration: time.Second, Limit: 10},
		{Name: "minute", Duration: time.Minute, Limit: 100},
		{Name: "hour", Duration: time.Hour, Limit: 2000},
		{Name: "day", Duration: 24 * time.Hour, Limit: 20000},
	}
}

// Config tunes the limiter. Zero values select defaults.
type Config struct {
	Windows    []Window
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Factor     float64
}

func (c *Config) normalize() {
	if len(c.Windows) == 0 {
		c.Windows = DefaultWindows()
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	if c.Factor < 1 {
		c.Factor = 2.0
	}
}

// Info describes a denial: which window tripped, where the count stands, and
// when the caller may retry.
type Info struct {
	Window     string        `json:"window"`
	Limit      int64         `json:"limit"`
	Count      int64         `json:"count"`
	Violations int64         `json:"violations"`
	Backoff    time.Duration `json:"backoff"`
	Reset      time.Time     `json:"reset"`
}

// Limiter checks per-key request budgets across every configured window.
type Limiter struct {
	store store.Store
	cfg   Config
}

// New builds a Limiter over st.
func New(st store.Store, cfg Config) *Limiter {
	cfg.normalize()
	return &Limiter{store: st, cfg: cfg}
}

func countKey(key, window string) string { return fmt.Sprintf("rl:cnt:%s:%s", key, window) }
func violKey(key string) string          { return "rl:viol:" + key }

// Check counts this request against every window for key. It returns
// (false, info) when any window is over budget. Store failures fail open:
// the request is allowed and the error is only counted.
func (l *Limiter) Check(ctx context.Context, key string) (bool, *Info) {
	for _, w := range l.cfg.Windows {
		cnt, err := l.store.Incr(ctx, countKey(key, w.Name))
		if err != nil {
			metrics.StoreErrors.WithLabelValues("ratelimit").Inc()
			return true, nil
		}
		if cnt == 1 {
			_ = l.store.Expire(ctx, countKey(key, w.Name), w.Duration)
		}
		if cnt > w.Limit {
			metrics.RateLimitHits.Inc()
			return false, l.deny(ctx, key, w, cnt)
		}
	}
	return true, nil
}

// deny records the violation and computes the backoff window.
func (l *Limiter) deny(ctx context.Context, key string, w Window, cnt int64) *Info {
	violations, err := l.store.Incr(ctx, violKey(key))
	if err != nil {
		metrics.StoreErrors.WithLabelValues("ratelimit").Inc()
		violations = 1
	} else if violations == 1 {
		_ = l.store.Expire(ctx, violKey(key), l.cfg.MaxBackoff)
	}
	backoff := l.backoffFor(violations)
	return &Info{
		Window:     w.Name,
		Limit:      w.Limit,
		Count:      cnt,
		Violations: violations,
		Backoff:    backoff,
		Reset:      time.Now().Add(backoff),
	}
}

// backoffFor grows min * factor^(n-1), capped at max.
func (l *Limiter) backoffFor(violations int64) time.Duration {
	if violations < 1 {
		violations = 1
	}
	b := float64(l.cfg.MinBackoff) * math.Pow(l.cfg.Factor, float64(violations-1))
	if b > float64(l.cfg.MaxBackoff) || b < 0 {
		return l.cfg.MaxBackoff
	}
	return time.Duration(b)
}

// ResetBackoff clears the violation counter for key, e.g. after an operator
// pardon. Window counters are left to expire on their own.
func (l *Limiter) ResetBackoff(ctx context.Context, key string) error {
	return l.store.Del(ctx, violKey(key))
}
