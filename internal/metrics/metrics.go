// Package metrics exposes the receiver's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admission outcomes recorded per webhook request.
const (
	OutcomeOK          = "ok"
	OutcomeMock        = "mock"
	OutcomeInvalidSlug = "invalid_slug"
	OutcomeNotFound    = "not_found"
	OutcomeExpired     = "expired"
	OutcomeQuotaDenied = "quota_exceeded"
	OutcomeOptimistic  = "optimistic"
)

// Metrics bundles the receiver's collectors on a private registry so tests
// can create them without global registration conflicts.
type Metrics struct {
	registry *prometheus.Registry

	Admissions    *prometheus.CounterVec
	BufferedTotal prometheus.Counter
	CircuitState  prometheus.Gauge
	FlushFailures prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receiver_admissions_total",
			Help: "Webhook admissions by outcome.",
		}, []string{"outcome"}),
		BufferedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receiver_buffered_requests_total",
			Help: "Requests appended to the capture buffer.",
		}),
		CircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "receiver_circuit_state",
			Help: "Convex circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receiver_flush_failures_total",
			Help: "Capture batches that failed to post.",
		}),
	}

	m.registry.MustRegister(m.Admissions, m.BufferedTotal, m.CircuitState, m.FlushFailures)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
