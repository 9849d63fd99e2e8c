// Package metrics exposes prometheus instrumentation for the proxy.
//
// Metrics:
//   - geocode_proxy_requests_total: inbound requests by outcome kind ("Ok" or an error kind)
//   - geocode_proxy_backend_attempts_total: backend attempts by provider and outcome
//   - geocode_proxy_backend_attempt_duration_seconds: backend attempt latency by provider
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "geocode_proxy"

// Collector owns the proxy's metrics and the registry they live in.
type Collector struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	attempts *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewCollector creates and registers the proxy metrics. A nil registry gets
// a fresh one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total inbound geocode requests by outcome kind",
			},
			[]string{"kind"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_attempts_total",
				Help:      "Total backend attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_attempt_duration_seconds",
				Help:      "Backend attempt latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider"},
		),
	}

	registry.MustRegister(c.requests, c.attempts, c.latency)
	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveAttempt implements geocode.Observer.
func (c *Collector) ObserveAttempt(provider string, ok bool, elapsed time.Duration) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	c.attempts.WithLabelValues(provider, outcome).Inc()
	c.latency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObserveRequest counts one answered inbound request.
func (c *Collector) ObserveRequest(kind string) {
	c.requests.WithLabelValues(kind).Inc()
}
