// Package metrics exposes the Prometheus collectors for the security
// pipeline: events by type/severity, verdicts by outcome/reason, request
// duration, store errors, and the active-block gauge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Subsystem: "security",
			Name:      "events_total",
			Help:      "Security events recorded, by event type and severity.",
		},
		[]string{"type", "severity"},
	)

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Subsystem: "security",
			Name:      "alerts_total",
			Help:      "Threshold alerts emitted, by severity.",
		},
		[]string{"severity"},
	)

	VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Subsystem: "pipeline",
			Name:      "verdicts_total",
			Help:      "Pipeline verdicts, by outcome (allow/block) and reason.",
		},
		[]string{"outcome", "reason"},
	)

	RequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "aegis",
			Subsystem: "pipeline",
			Name:      "request_duration_seconds",
			Help:      "Downstream request duration for allowed requests.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	ActiveBlocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aegis",
			Subsystem: "pipeline",
			Name:      "active_blocks",
			Help:      "Block records currently in force.",
		},
	)

	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Subsystem: "pipeline",
			Name:      "ratelimit_hits_total",
			Help:      "Requests rejected by the sliding-window rate limiter.",
		},
	)

	ThrottleHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Subsystem: "pipeline",
			Name:      "throttle_hits_total",
			Help:      "Requests rejected by the token-bucket throttler.",
		},
	)

	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Shared-store failures that triggered a fail-open decision.",
		},
		[]string{"component"},
	)
)

func init() {
	// Safe register; ignore duplicate registration in case of multiple imports
	_ = prometheus.Register(EventsTotal)
	_ = prometheus.Register(AlertsTotal)
	_ = prometheus.Register(VerdictsTotal)
	_ = prometheus.Register(RequestDuration)
	_ = prometheus.Register(ActiveBlocks)
	_ = prometheus.Register(RateLimitHits)
	_ = prometheus.Register(ThrottleHits)
	_ = prometheus.Register(StoreErrors)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler { return promhttp.Handler() }
