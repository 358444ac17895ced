// Package metrics exposes the Prometheus instrumentation for the grading
// service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the grading pipeline
type Metrics struct {
	// Grading metrics
	GradingTotal    *prometheus.CounterVec
	GradingDuration *prometheus.HistogramVec

	// Credential pool metrics
	KeysAvailable prometheus.Gauge
	KeysFailed    prometheus.Gauge

	// Flood control metrics
	FloodRejections prometheus.Counter

	// Upstream metrics
	UpstreamCalls   *prometheus.CounterVec
	FirstTokenDelay *prometheus.HistogramVec
}

// NewMetrics creates all Prometheus metrics and registers them with the
// default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics with a caller-supplied registerer.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		GradingTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grading_requests_total",
				Help: "Total grading requests by mode and outcome",
			},
			[]string{"mode", "outcome"}, // outcome: ok, ai_error, exhausted, bad_input
		),

		GradingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grading_duration_seconds",
				Help:    "End-to-end grading duration",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120, 180},
			},
			[]string{"mode"},
		),

		KeysAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keypool_available_keys",
				Help: "Credentials currently available for borrowing",
			},
		),

		KeysFailed: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keypool_failed_keys",
				Help: "Credentials in cool-down after an upstream failure",
			},
		),

		FloodRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flood_rejections_total",
				Help: "Requests rejected by the per-user flood check",
			},
		),

		UpstreamCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_calls_total",
				Help: "Upstream AI calls by provider and status",
			},
			[]string{"provider", "status"}, // status: ok, error
		),

		FirstTokenDelay: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upstream_first_token_seconds",
				Help:    "Delay until the first streamed token arrives",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
			},
			[]string{"provider"},
		),
	}
}

// RecordGrading records one grading request outcome
func (m *Metrics) RecordGrading(mode, outcome string, seconds float64) {
	m.GradingTotal.WithLabelValues(mode, outcome).Inc()
	m.GradingDuration.WithLabelValues(mode).Observe(seconds)
}

// UpdatePoolGauges refreshes the credential pool gauges
func (m *Metrics) UpdatePoolGauges(available, failed int64) {
	m.KeysAvailable.Set(float64(available))
	m.KeysFailed.Set(float64(failed))
}

// RecordFloodRejection counts one flood-control denial
func (m *Metrics) RecordFloodRejection() {
	m.FloodRejections.Inc()
}

// RecordUpstreamCall counts one upstream AI call
func (m *Metrics) RecordUpstreamCall(providerName string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.UpstreamCalls.WithLabelValues(providerName, status).Inc()
}

// RecordFirstToken records the time-to-first-token of a streamed call
func (m *Metrics) RecordFirstToken(providerName string, seconds float64) {
	m.FirstTokenDelay.WithLabelValues(providerName).Observe(seconds)
}
