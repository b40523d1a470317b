// Package metrics holds fixpland's Prometheus instruments. They register
// with the default registry once and are served on /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	global *Metrics
	once   sync.Once
)

// Metrics holds every fixpland instrument.
type Metrics struct {
	Submitted        *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	AnalysisDuration *prometheus.HistogramVec
	Dispatched       *prometheus.CounterVec
	LeaseExpiries    *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	Validation       *prometheus.HistogramVec
	Executions       *prometheus.CounterVec
	Distillations    *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	JobRuns          *prometheus.CounterVec
	BusyWorkers      prometheus.Gauge
}

// Get returns the process-wide instruments, registering them on first use.
func Get() *Metrics {
	once.Do(func() {
		global = &Metrics{
			Submitted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fixplan_plans_submitted_total",
				Help: "Plans accepted for analysis, by source.",
			}, []string{"source"}),
			Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fixplan_transitions_total",
				Help: "Recorded plan state transitions.",
			}, []string{"to"}),
			AnalysisDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "fixplan_analysis_duration_seconds",
				Help:    "Risk analysis latency.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			}, []string{"outcome"}),
			Dispatched: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fixplan_queue_dispatched_total",
				Help: "Outbox rows published to the execution queue.",
			}, []string{"priority"}),
			LeaseExpiries: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fixplan_lease_expiries_total",
				Help: "Expired execution leases, by outcome.",
			}, []string{"outcome"}),
			StepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "fixplan_step_duration_seconds",
				Help:    "Sandbox step duration.",
				Buckets: prometheus.ExponentialBuckets(0.005, 3, 10),
			}, []string{"kind", "outcome"}),
			Validation: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "fixplan_validation_duration_seconds",
				Help:    "Validation run duration.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			}, []string{"outcome"}),
			Executions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fixplan_executions_total",
				Help: "Finished executions, by terminal status and reason.",
			}, []string{"status", "reason"}),
			Distillations: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fixplan_distillations_total",
				Help: "Knowledge distillation attempts.",
			}, []string{"outcome"}),
			Notifications: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fixplan_notifications_total",
				Help: "Status notifications, by outcome.",
			}, []string{"outcome"}),
			JobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fixplan_scheduler_runs_total",
				Help: "Background job runs, by job and outcome.",
			}, []string{"job", "outcome"}),
			BusyWorkers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "fixplan_workers_busy",
				Help: "Workers currently holding a plan lease.",
			}),
		}
	})
	return global
}

// Outcome maps an error to an "ok"/"error" label.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Since observes the seconds elapsed from start on h.
func Since(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
