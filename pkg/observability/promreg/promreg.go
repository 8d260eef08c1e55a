// Package promreg holds the Prometheus registry backing the admin
// surface's metrics() text-exposition endpoint, run alongside (not
// instead of) the OTel exporters in pkg/observability.
package promreg

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the governance-domain Prometheus collectors plus the
// registry they're registered against.
type Registry struct {
	reg *prometheus.Registry

	DecisionsTotal        *prometheus.CounterVec
	DecisionDuration      *prometheus.HistogramVec
	EvaluationErrorsTotal prometheus.Counter
	EvaluationsInFlight   prometheus.Gauge
	BreakerOpenTotal      *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vyapaar",
			Name:      "decisions_total",
			Help:      "Total governance decisions, labeled by outcome and reason code.",
		}, []string{"outcome", "reason"}),
		DecisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vyapaar",
			Name:      "decision_duration_seconds",
			Help:      "Governance decision latency, labeled by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		EvaluationErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vyapaar",
			Name:      "evaluation_errors_total",
			Help:      "Total governance evaluations that returned an internal error.",
		}),
		EvaluationsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vyapaar",
			Name:      "evaluations_in_flight",
			Help:      "Number of governance evaluations currently executing.",
		}),
		BreakerOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vyapaar",
			Name:      "breaker_open_total",
			Help:      "Total times a circuit breaker tripped open, labeled by breaker name.",
		}, []string{"breaker"}),
	}

	reg.MustRegister(
		r.DecisionsTotal,
		r.DecisionDuration,
		r.EvaluationErrorsTotal,
		r.EvaluationsInFlight,
		r.BreakerOpenTotal,
	)
	return r
}

// Handler returns the http.Handler for the admin surface's metrics()
// endpoint: Prometheus text exposition format over this registry only.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
