package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for admission decisions.
type Metrics struct {
	registry *prometheus.Registry

	decisions      *prometheus.CounterVec
	storeErrors    *prometheus.CounterVec
	resets         *prometheus.CounterVec
	decideDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance registered on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_decisions_total",
				Help: "Total number of admission decisions",
			},
			[]string{"algorithm", "result"},
		),

		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_store_errors_total",
				Help: "Total number of decisions that failed on the counter store",
			},
			[]string{"algorithm"},
		),

		resets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_resets_total",
				Help: "Total number of limiter state resets",
			},
			[]string{"algorithm"},
		),

		decideDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "admission_decide_duration_seconds",
				Help:    "Duration of admission decisions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16), // 10µs to 330ms
			},
			[]string{"algorithm"},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDecision records the outcome of a decision.
func (m *Metrics) RecordDecision(algorithm string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.decisions.WithLabelValues(algorithm, result).Inc()
}

// RecordStoreError records a decision that failed on the store.
func (m *Metrics) RecordStoreError(algorithm string) {
	m.storeErrors.WithLabelValues(algorithm).Inc()
}

// RecordReset records a state reset.
func (m *Metrics) RecordReset(algorithm string) {
	m.resets.WithLabelValues(algorithm).Inc()
}

// RecordDecideDuration records how long a decision took.
func (m *Metrics) RecordDecideDuration(algorithm string, seconds float64) {
	m.decideDuration.WithLabelValues(algorithm).Observe(seconds)
}
