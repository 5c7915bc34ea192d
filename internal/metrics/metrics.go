// Package metrics provides Prometheus observability for validation runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the validation engine.
type Metrics struct {
	// Run outcomes by report status
	RunsTotal *prometheus.CounterVec

	// Overall run latency
	RunDuration prometheus.Histogram

	// Per-filter step latency and outcomes
	StepDuration *prometheus.HistogramVec
	StepOutcomes *prometheus.CounterVec
	StepErrors   *prometheus.CounterVec

	// End-of-run cleanup results by disposition
	CleanupKeys *prometheus.CounterVec

	// Records still waiting in the cleanup queue
	CleanupPending prometheus.Gauge
}

// New creates a Metrics instance with all collectors registered on the
// default registry.
func New() *Metrics {
	return newWith(prometheus.DefaultRegisterer)
}

func newWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flint_runs_total",
			Help: "Total validation runs by final report status",
		}, []string{"status"}),

		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flint_run_duration_seconds",
			Help:    "Duration of full validation runs including cleanup",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flint_step_duration_seconds",
			Help:    "Duration of individual filter executions",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"filter"}),

		StepOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flint_step_outcomes_total",
			Help: "Total filter executions by filter and step status",
		}, []string{"filter", "status"}),

		StepErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flint_step_errors_total",
			Help: "Total filter executions that surfaced an engine-level error",
		}, []string{"filter"}),

		CleanupKeys: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flint_cleanup_keys_total",
			Help: "Temp keys handled at end of run by disposition",
		}, []string{"result"}),

		CleanupPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flint_cleanup_pending",
			Help: "Cleanup records currently queued for retry",
		}),
	}
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(status string, d time.Duration) {
	if m != nil {
		m.RunsTotal.WithLabelValues(status).Inc()
		m.RunDuration.Observe(d.Seconds())
	}
}

// ObserveStep records one filter execution.
func (m *Metrics) ObserveStep(filterID, status string, d time.Duration) {
	if m != nil {
		m.StepDuration.WithLabelValues(filterID).Observe(d.Seconds())
		m.StepOutcomes.WithLabelValues(filterID, status).Inc()
	}
}

// IncrementStepError records an engine-level step error.
func (m *Metrics) IncrementStepError(filterID string) {
	if m != nil {
		m.StepErrors.WithLabelValues(filterID).Inc()
	}
}

// ObserveCleanup records the disposition counts of one cleanup pass.
func (m *Metrics) ObserveCleanup(deleted, queued, failed int) {
	if m != nil {
		m.CleanupKeys.WithLabelValues("deleted").Add(float64(deleted))
		m.CleanupKeys.WithLabelValues("queued").Add(float64(queued))
		m.CleanupKeys.WithLabelValues("failed").Add(float64(failed))
	}
}

// SetCleanupPending publishes the current cleanup queue depth.
func (m *Metrics) SetCleanupPending(count int) {
	if m != nil {
		m.CleanupPending.Set(float64(count))
	}
}
