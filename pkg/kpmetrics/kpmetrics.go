// Package kpmetrics exposes the keyserver's Prometheus metrics,
// following the teacher's pairing of client_golang counters/gauges
// registered on the same router that serves the rest of the HTTP
// surface (bb-storage pairs contrib.go.opencensus.io/exporter/prometheus
// with client_golang; this module drops the opencensus tracing half,
// see DESIGN.md, and keeps only the metrics registry).
package kpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge the keyserver updates.
type Metrics struct {
	KeysTotal            prometheus.Gauge
	ReconcileAttempts    *prometheus.CounterVec
	ReconcileFailures    *prometheus.CounterVec
	ReconcileKeysFetched *prometheus.CounterVec
	DecodeIterations     prometheus.Histogram
}

// New registers and returns a fresh Metrics bundle against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the
// global default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		KeysTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "keyserver_keys_total",
			Help: "Number of keys currently indexed.",
		}),
		ReconcileAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keyserver_reconcile_attempts_total",
			Help: "Reconciliation sessions started, by peer.",
		}, []string{"peer"}),
		ReconcileFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keyserver_reconcile_failures_total",
			Help: "Reconciliation sessions that ended in an error, by peer and error kind.",
		}, []string{"peer", "kind"}),
		ReconcileKeysFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keyserver_reconcile_keys_fetched_total",
			Help: "Keys successfully fetched from a peer during reconciliation, by peer.",
		}, []string{"peer"}),
		DecodeIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "keyserver_ibf_decode_iterations",
			Help:    "Number of IBF decode() calls needed to exhaust a residual filter.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}
