// Package pipeline orchestrates the security components into one ordered,
// short-circuiting evaluation per inbound request, exposed as net/http
// middleware. Store-backed steps fail open so a backend outage degrades the
// gateway to its local checks instead of taking traffic down.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aegisgate/pkg/logging"
	"aegisgate/pkg/metrics"
	"aegisgate/pkg/security/audit"
	"aegisgate/pkg/security/correlation"
	"aegisgate/pkg/security/ratelimit"
	"aegisgate/pkg/security/reputation"
	"aegisgate/pkg/security/threat"
	"aegisgate/pkg/security/throttle"
	"aegisgate/pkg/store"
)

// Config tunes the pipeline. Zero values select defaults; Validate rejects
// values that cannot work.
type Config struct {
	// AllowedHosts is the Host header allowlist. Empty allows every host.
	AllowedHosts []string
	// AllowedMethods is the method allowlist. Empty selects the standard set.
	AllowedMethods []string
	// MaxBodyBytes caps the request body. Zero selects 10 MiB.
	MaxBodyBytes int64
	// BlockDuration is how long an explicit block record stays in force.
	// Zero selects one hour.
	BlockDuration time.Duration
	// JWTSecret verifies bearer tokens so events can carry a user id.
	// Empty disables token parsing.
	JWTSecret string
	// RateLimit tunes the sliding-window limiter.
	RateLimit ratelimit.Config
	// ThrottleRules overrides the token-bucket rule set.
	ThrottleRules map[string]throttle.Rule
}

func defaultMethods() []string {
	return []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead, http.MethodOptions}
}

// Validate normalizes the config in place.
func (c *Config) Validate() error {
	if c.MaxBodyBytes < 0 {
		return &ConfigError{Field: "MaxBodyBytes", Reason: "must not be negative"}
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.BlockDuration < 0 {
		return &ConfigError{Field: "BlockDuration", Reason: "must not be negative"}
	}
	if c.BlockDuration == 0 {
		c.BlockDuration = time.Hour
	}
	if len(c.AllowedMethods) == 0 {
		c.AllowedMethods = defaultMethods()
	}
	for i, m := range c.AllowedMethods {
		c.AllowedMethods[i] = strings.ToUpper(m)
	}
	for i, h := range c.AllowedHosts {
		c.AllowedHosts[i] = strings.ToLower(h)
	}
	return nil
}

// Pipeline wires the security components together.
type Pipeline struct {
	cfg        Config
	store      store.Store
	log        *logging.Logger
	analyzer   *threat.Analyzer
	reputation *reputation.Manager
	limiter    *ratelimit.Limiter
	throttler  *throttle.Throttler
	correlator *correlation.Correlator
	audit      *audit.Logger
}

// New builds a Pipeline over st. The config is validated and normalized.
func New(cfg Config, st store.Store, log *logging.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:        cfg,
		store:      st,
		log:        log,
		analyzer:   threat.NewAnalyzer(),
		reputation: reputation.NewManager(st, 24*time.Hour),
		limiter:    ratelimit.New(st, cfg.RateLimit),
		throttler:  throttle.New(st, cfg.ThrottleRules),
		correlator: correlation.New(st),
		audit:      audit.New(st, log),
	}, nil
}

// Audit exposes the event logger for the stats surface.
func (p *Pipeline) Audit() *audit.Logger { return p.audit }

func blockKey(ip string) string { return "sec:block:" + ip }

const blockIndexKey = "sec:blocks"

// Evaluate runs the ordered checks against one request. body is the already
// read request body (possibly truncated at MaxBodyBytes+1 by the caller).
// The verdict never echoes request content.
func (p *Pipeline) Evaluate(ctx context.Context, r *http.Request, body string, requestID string) Verdict {
	ip := clientIP(r)

	// 1. reputation level; store failure skips the check
	if rec, err := p.reputation.Get(ctx, ip); err == nil {
		if reputation.LevelFor(rec.Score) == reputation.LevelBlocked {
			return p.denied(ctx, r, ip, requestID,
				deny(requestID, http.StatusForbidden, ReasonReputationBlocked, "access denied"),
				audit.SeverityWarning)
		}
	} else {
		metrics.StoreErrors.WithLabelValues("reputation").Inc()
	}

	// 2. explicit block record
	if _, hit, err := p.store.Get(ctx, blockKey(ip)); err == nil && hit {
		return p.denied(ctx, r, ip, requestID,
			deny(requestID, http.StatusForbidden, ReasonExplicitBlock, "access denied"),
			audit.SeverityWarning)
	} else if err != nil {
		metrics.StoreErrors.WithLabelValues("pipeline").Inc()
	}

	// 3. sliding-window rate limit
	if ok, info := p.limiter.Check(ctx, ip); !ok {
		v := deny(requestID, http.StatusTooManyRequests, ReasonRateLimited, "rate limit exceeded")
		v.RetryAfter = info.Backoff
		return p.denied(ctx, r, ip, requestID, v, audit.SeverityWarning)
	}

	// 4. token-bucket throttles: global, per-IP, per-endpoint
	for _, check := range []struct{ rule, key string }{
		{throttle.RuleGlobal, "all"},
		{throttle.RuleIP, ip},
		{throttle.RuleEndpoint, r.Method + " " + r.URL.Path},
	} {
		if ok, denial := p.throttler.Allow(ctx, check.rule, check.key); !ok {
			v := deny(requestID, http.StatusTooManyRequests, ReasonThrottled, "request throttled")
			v.RetryAfter = denial.RetryAfter
			return p.denied(ctx, r, ip, requestID, v, audit.SeverityWarning)
		}
	}

	// 5. local allowlist and size checks; these cannot fail open
	if len(p.cfg.AllowedHosts) > 0 && !contains(p.cfg.AllowedHosts, strings.ToLower(hostOnly(r.Host))) {
		return p.denied(ctx, r, ip, requestID,
			deny(requestID, http.StatusForbidden, ReasonHostNotAllowed, "host not allowed"),
			audit.SeverityWarning)
	}
	if !contains(p.cfg.AllowedMethods, r.Method) {
		return p.denied(ctx, r, ip, requestID,
			deny(requestID, http.StatusForbidden, ReasonMethodNotAllowed, "method not allowed"),
			audit.SeverityWarning)
	}
	if int64(len(body)) > p.cfg.MaxBodyBytes || r.ContentLength > p.cfg.MaxBodyBytes {
		return p.denied(ctx, r, ip, requestID,
			deny(requestID, http.StatusRequestEntityTooLarge, ReasonBodyTooLarge, "request body too large"),
			audit.SeverityWarning)
	}

	// 6. cheap traversal check on the raw path before the full sweep
	if threat.HasTraversal(r.URL.Path) || threat.HasTraversal(r.URL.RawPath) {
		p.blockIP(ctx, ip)
		p.violation(ctx, ip)
		return p.denied(ctx, r, ip, requestID,
			deny(requestID, http.StatusForbidden, ReasonSuspiciousPath, "request blocked"),
			audit.SeverityCritical)
	}

	// 7. full pattern sweep over every surface; form bodies are decoded so
	// percent-encoding cannot hide a payload from the patterns
	sweepBody := body
	if strings.Contains(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if decoded, err := url.QueryUnescape(body); err == nil {
			sweepBody = decoded
		}
	}
	findings := p.analyzer.Analyze(r.Header, r.URL.Path, r.URL.Query(), sweepBody)
	switch threat.MaxSeverity(findings) {
	case threat.SeverityCritical, threat.SeverityHigh:
		p.blockIP(ctx, ip)
		p.violation(ctx, ip)
		v := deny(requestID, http.StatusForbidden, ReasonThreatDetected, "request blocked")
		sev := audit.SeverityError
		if threat.MaxSeverity(findings) == threat.SeverityCritical {
			sev = audit.SeverityCritical
		}
		return p.deniedWithFindings(ctx, r, ip, requestID, v, sev, findings)
	case threat.SeverityMedium:
		p.log.SecurityEvent("medium_severity_findings", logging.Fields{
			"ip": ip, "path": r.URL.Path, "findings": len(findings), "request_id": requestID,
		})
		p.audit.Log(ctx, audit.Event{
			Type:      "suspicious_request",
			Severity:  audit.SeverityInfo,
			Message:   "medium severity findings, request allowed",
			IP:        ip,
			UserID:    p.userID(r),
			RequestID: requestID,
			Details:   findingDetails(findings),
		})
	}

	metrics.VerdictsTotal.WithLabelValues("allow", "ok").Inc()
	return allow(requestID)
}

// denied finalizes a denial: metrics, audit event, correlation snapshot.
func (p *Pipeline) denied(ctx context.Context, r *http.Request, ip, requestID string, v Verdict, severity string) Verdict {
	return p.deniedWithFindings(ctx, r, ip, requestID, v, severity, nil)
}

func (p *Pipeline) deniedWithFindings(ctx context.Context, r *http.Request, ip, requestID string, v Verdict, severity string, findings []threat.Finding) Verdict {
	metrics.VerdictsTotal.WithLabelValues("block", v.Reason).Inc()
	p.audit.Log(ctx, audit.Event{
		Type:      v.Reason,
		Severity:  severity,
		Message:   "request denied: " + v.Reason,
		IP:        ip,
		UserID:    p.userID(r),
		RequestID: requestID,
		Details:   findingDetails(findings),
	})
	p.log.SecurityEvent("request_denied", logging.Fields{
		"ip": ip, "reason": v.Reason, "status": v.Status, "request_id": requestID,
	})
	return v
}

func findingDetails(findings []threat.Finding) map[string]string {
	if len(findings) == 0 {
		return nil
	}
	details := make(map[string]string, len(findings))
	for i, f := range findings {
		details[fmt.Sprintf("finding_%d", i)] = f.Type + "/" + string(f.Severity) + "@" + f.Surface
	}
	return details
}

// blockIP writes the explicit block record and indexes its expiry so the
// active-block gauge can be maintained without scanning keys.
func (p *Pipeline) blockIP(ctx context.Context, ip string) {
	if err := p.store.Set(ctx, blockKey(ip), "1", p.cfg.BlockDuration); err != nil {
		metrics.StoreErrors.WithLabelValues("pipeline").Inc()
		return
	}
	expiry := float64(time.Now().Add(p.cfg.BlockDuration).UnixMilli())
	_ = p.store.ZAdd(ctx, blockIndexKey, expiry, ip)
	metrics.ActiveBlocks.Inc()
}

// violation applies the reputation penalty for a detected attack.
func (p *Pipeline) violation(ctx context.Context, ip string) {
	if _, err := p.reputation.Update(ctx, ip, reputation.EventSecurityViolation, ""); err != nil {
		metrics.StoreErrors.WithLabelValues("reputation").Inc()
	}
}

// RecordOutcome runs after the downstream handler: correlation snapshot,
// reputation adjustment, pattern-flag audit events. It detaches from the
// request context so a client disconnect cannot abort the bookkeeping.
func (p *Pipeline) RecordOutcome(ctx context.Context, r *http.Request, requestID string, status int, duration time.Duration) {
	ctx = context.WithoutCancel(ctx)
	ip := clientIP(r)

	snap := correlation.Snapshot{
		ID:         requestID,
		IP:         ip,
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: status,
		DurationMs: duration.Milliseconds(),
		UserAgent:  r.UserAgent(),
		SessionID:  sessionID(r),
		UserID:     p.userID(r),
	}
	if err := p.correlator.Track(ctx, snap); err != nil {
		metrics.StoreErrors.WithLabelValues("correlation").Inc()
	}

	event := reputation.EventSuccessfulRequest
	if status >= 400 {
		event = reputation.EventFailedRequest
	}
	if _, err := p.reputation.Update(ctx, ip, event, ""); err != nil {
		metrics.StoreErrors.WithLabelValues("reputation").Inc()
	}

	if sum, err := p.correlator.Patterns(ctx, ip, correlation.Window5m); err == nil {
		for _, flag := range sum.Flags {
			p.audit.Log(ctx, audit.Event{
				Type:      flag,
				Severity:  audit.SeverityWarning,
				Message:   "correlation flag raised for " + ip,
				IP:        ip,
				RequestID: requestID,
			})
		}
	}

	if status < 400 {
		metrics.RequestDuration.Observe(duration.Seconds())
	}
}

// Stats returns a point-in-time view of the pipeline's stored state.
func (p *Pipeline) Stats(ctx context.Context) map[string]any {
	now := float64(time.Now().UnixMilli())
	stats := map[string]any{"time": time.Now().UTC().Format(time.RFC3339)}

	if n, err := p.store.ZCount(ctx, blockIndexKey, now, math.Inf(1)); err == nil {
		stats["active_blocks"] = n
	}
	if events, err := p.audit.RecentEvents(ctx, 20); err == nil {
		stats["recent_events"] = events
	}
	if alerts, err := p.audit.RecentAlerts(ctx, 20); err == nil {
		stats["recent_alerts"] = alerts
	}
	return stats
}

// StartMaintenance prunes expired state on a ticker until ctx is done.
func (p *Pipeline) StartMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.maintain(ctx)
			}
		}
	}()
}

func (p *Pipeline) maintain(ctx context.Context) {
	p.audit.Prune(ctx)
	now := float64(time.Now().UnixMilli())
	if _, err := p.store.ZRemRangeByScore(ctx, blockIndexKey, math.Inf(-1), now); err != nil {
		metrics.StoreErrors.WithLabelValues("pipeline").Inc()
		return
	}
	if n, err := p.store.ZCount(ctx, blockIndexKey, now, math.Inf(1)); err == nil {
		metrics.ActiveBlocks.Set(float64(n))
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func hostOnly(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i > 0 && !strings.Contains(hostport[i+1:], "]") {
		return hostport[:i]
	}
	return hostport
}
