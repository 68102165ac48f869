// Package status exposes the agent's runtime counters as prometheus
// metrics, mounted at /metrics by internal/api. No part of the original
// implementation had observability beyond println! logging; this is pure
// ambient-stack enrichment (SPEC_FULL.md §10), grounded on promauto's
// register-on-construction pattern as used throughout the
// prometheus-engine example repo.
package status

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every gauge/counter this agent exports.
type Metrics struct {
	OffsetBytes       *prometheus.GaugeVec
	LinesEmittedTotal *prometheus.CounterVec
	OutputErrorsTotal *prometheus.CounterVec
	WorkersActive     prometheus.Gauge
}

// New registers every metric against reg and returns the bundle. Pass
// prometheus.DefaultRegisterer to use the global registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OffsetBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvest_offset_bytes",
			Help: "Current read offset, in bytes, per tailed log file.",
		}, []string{"namespace", "pod", "container"}),

		LinesEmittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_lines_emitted_total",
			Help: "Total number of log lines forwarded to an output sink.",
		}, []string{"namespace", "pod", "container", "output"}),

		OutputErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_output_errors_total",
			Help: "Total number of output sink write failures.",
		}, []string{"namespace", "pod", "container", "output"}),

		WorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_workers_active",
			Help: "Number of tailer worker goroutines currently running.",
		}),
	}
}
