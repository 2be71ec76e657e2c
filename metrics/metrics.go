// Package metrics wraps the control plane's Prometheus instrumentation on
// a private registry: placement pipeline outcomes, HTTP traffic, circuit
// breaker transitions, and apply results.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the pre-defined metric vectors. It owns its registry so
// tests can create collectors without global registration conflicts.
type Collector struct {
	registry *prometheus.Registry

	PlacementsTotal     *prometheus.CounterVec
	PlacementScore      *prometheus.HistogramVec
	RejectionsTotal     *prometheus.CounterVec
	DecisionDuration    *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ApplyTotal          *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
}

// NewCollector creates a collector with its own Prometheus registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		PlacementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idp",
			Name:      "placements_total",
			Help:      "Total placement decisions",
		}, []string{"cell", "tier", "provider", "arm"}),
		PlacementScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "idp",
			Name:      "placement_score",
			Help:      "Winning candidate total score",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"tier"}),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idp",
			Name:      "gate_rejections_total",
			Help:      "Requests rejected with no viable candidate",
		}, []string{"cell", "tier"}),
		DecisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "idp",
			Name:      "decision_duration_seconds",
			Help:      "Scheduler decision duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 10, 8),
		}, []string{"tier"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idp",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "idp",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ApplyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idp",
			Name:      "claim_applies_total",
			Help:      "Total Claim apply attempts",
		}, []string{"provider", "outcome"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "idp",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
		}, []string{"provider"}),
	}

	reg.MustRegister(c.PlacementsTotal, c.PlacementScore,
		c.RejectionsTotal, c.DecisionDuration,
		c.HTTPRequestsTotal, c.HTTPRequestDuration,
		c.ApplyTotal, c.BreakerState)
	return c
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordPlacement records one placement decision.
func (c *Collector) RecordPlacement(cell, tier, provider, arm string, score float64) {
	if arm == "" {
		arm = "none"
	}
	c.PlacementsTotal.WithLabelValues(cell, tier, provider, arm).Inc()
	c.PlacementScore.WithLabelValues(tier).Observe(score)
}

// RecordRejection records one no-viable-candidate rejection.
func (c *Collector) RecordRejection(cell, tier string) {
	c.RejectionsTotal.WithLabelValues(cell, tier).Inc()
}

// ObserveDecision records one scheduler decision duration.
func (c *Collector) ObserveDecision(tier string, duration time.Duration) {
	c.DecisionDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordApply records one Claim apply attempt.
func (c *Collector) RecordApply(provider, outcome string) {
	c.ApplyTotal.WithLabelValues(provider, outcome).Inc()
}

// SetBreakerState publishes a provider's breaker state.
func (c *Collector) SetBreakerState(provider string, state float64) {
	c.BreakerState.WithLabelValues(provider).Set(state)
}
