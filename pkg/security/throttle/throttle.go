// Package throttle implements token-bucket throttling over the shared store.
// Each (rule, key) pair owns one bucket serialized as JSON; refill is computed
// lazily from the elapsed time at check, so idle buckets cost nothing and
// expire from the store on their own.
package throttle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"aegisgate/pkg/metrics"
	"aegisgate/pkg/store"
)

// Rule types.
const (
	RuleGlobal   = "global"
	RuleIP       = "ip"
	RuleEndpoint = "endpoint"
)

// Rule is one throttle policy: a sustained per-minute rate and a burst
// capacity the bucket can hold.
type Rule struct {
	RatePerMinute float64
	Burst         float64
}

// DefaultRules returns the standard three-tier policy set.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		RuleGlobal:   {RatePerMinute: 10000, Burst: 1000},
		RuleIP:       {RatePerMinute: 100, Burst: 20},
		RuleEndpoint: {RatePerMinute: 1000, Burst: 100},
	}
}

// bucket is the stored state. Tokens is fractional so refill progress is
// never lost between checks.
type bucket struct {
	Tokens     float64   `json:"tokens"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// bucketTTL bounds how long an idle bucket survives. Any bucket older than
// this would have refilled to burst anyway.
const bucketTTL = time.Minute

// Denial reports a throttled request and when retrying makes sense.
type Denial struct {
	RuleType   string        `json:"ruleType"`
	RetryAfter time.Duration `json:"retryAfter"`
	Reset      time.Time     `json:"reset"`
}

// Throttler checks requests against its rule set.
type Throttler struct {
	store store.Store
	rules map[string]Rule
}

// New builds a Throttler. nil rules selects DefaultRules.
func New(st store.Store, rules map[string]Rule) *Throttler {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Throttler{store: st, rules: rules}
}

func bucketKey(ruleType, key string) string { return fmt.Sprintf("th:%s:%s", ruleType, key) }

// Allow takes one token from the (ruleType, key) bucket. Unknown rule types
// and store failures both allow the request; only the latter is counted as an
// error.
func (t *Throttler) Allow(ctx context.Context, ruleType, key string) (bool, *Denial) {
	rule, ok := t.rules[ruleType]
	if !ok {
		return true, nil
	}

	now := time.Now().UTC()
	k := bucketKey(ruleType, key)

	b, err := t.load(ctx, k, rule, now)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("throttle").Inc()
		return true, nil
	}

	// lazy refill since the last touch
	elapsed := now.Sub(b.LastUpdate).Seconds()
	if elapsed > 0 {
		b.Tokens += elapsed * rule.RatePerMinute / 60
		if b.Tokens > rule.Burst {
			b.Tokens = rule.Burst
		}
	}
	b.LastUpdate = now

	if b.Tokens >= 1 {
		b.Tokens--
		t.save(ctx, k, b)
		return true, nil
	}

	t.save(ctx, k, b)
	metrics.ThrottleHits.Inc()
	retry := t.untilNextToken(b.Tokens, rule)
	return false, &Denial{RuleType: ruleType, RetryAfter: retry, Reset: now.Add(retry)}
}

// untilNextToken is the wait for the token deficit to refill.
func (t *Throttler) untilNextToken(tokens float64, rule Rule) time.Duration {
	deficit := 1 - tokens
	secs := deficit * 60 / rule.RatePerMinute
	d := time.Duration(secs * float64(time.Second))
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (t *Throttler) load(ctx context.Context, key string, rule Rule, now time.Time) (bucket, error) {
	raw, ok, err := t.store.Get(ctx, key)
	if err != nil {
		return bucket{}, err
	}
	if !ok {
		return bucket{Tokens: rule.Burst, LastUpdate: now}, nil
	}
	var b bucket
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		// corrupt bucket: start fresh rather than wedging the key
		return bucket{Tokens: rule.Burst, LastUpdate: now}, nil
	}
	return b, nil
}

func (t *Throttler) save(ctx context.Context, key string, b bucket) {
	buf, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := t.store.Set(ctx, key, string(buf), bucketTTL); err != nil {
		metrics.StoreErrors.WithLabelValues("throttle").Inc()
	}
}
