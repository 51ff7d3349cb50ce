// Package metrics exposes Prometheus collectors for batches, executions
// and steps.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "batchflow"

// Collector holds the scheduler and engine metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	BatchesSubmitted  prometheus.Counter
	BatchesFinished   *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionsRunning prometheus.Gauge
	StepsTotal        *prometheus.CounterVec
	StepAttempts      prometheus.Counter
	StepDuration      *prometheus.HistogramVec
	SlotsInUse        prometheus.Gauge
}

// New creates a Collector and registers it on reg. A nil reg registers
// on the default registry.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		BatchesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_submitted_total",
			Help:      "Total number of batches accepted by the scheduler",
		}),
		BatchesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_finished_total",
			Help:      "Total number of settled batches by final status",
		}, []string{"status"}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of finished template executions by status",
		}, []string{"status"}),
		ExecutionsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_running",
			Help:      "Number of executions currently holding a slot",
		}),
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of resolved steps by status",
		}, []string{"status"}),
		StepAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Total number of executor invocations including retries",
		}),
		// Buckets: 100ms to 10m; AI operations are slow.
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of executed steps including retries",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"operation"}),
		SlotsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slots_in_use",
			Help:      "Number of global execution slots currently held",
		}),
	}
}

// BatchSubmitted counts an accepted batch.
func (c *Collector) BatchSubmitted() {
	if c == nil {
		return
	}
	c.BatchesSubmitted.Inc()
}

// BatchFinished counts a settled batch.
func (c *Collector) BatchFinished(status string) {
	if c == nil {
		return
	}
	c.BatchesFinished.WithLabelValues(status).Inc()
}

// ExecutionStarted tracks an execution taking a slot.
func (c *Collector) ExecutionStarted() {
	if c == nil {
		return
	}
	c.ExecutionsRunning.Inc()
}

// ExecutionFinished records a finished execution and releases its
// running count.
func (c *Collector) ExecutionFinished(status string) {
	if c == nil {
		return
	}
	c.ExecutionsRunning.Dec()
	c.ExecutionsTotal.WithLabelValues(status).Inc()
}

// StepResolved records a step reaching a terminal status. Skipped steps
// have zero attempts and no duration sample.
func (c *Collector) StepResolved(operation, status string, attempts int, d time.Duration) {
	if c == nil {
		return
	}
	c.StepsTotal.WithLabelValues(status).Inc()
	if attempts > 0 {
		c.StepAttempts.Add(float64(attempts))
		c.StepDuration.WithLabelValues(operation).Observe(d.Seconds())
	}
}

// SetSlotsInUse reports the current global slot usage.
func (c *Collector) SetSlotsInUse(n int) {
	if c == nil {
		return
	}
	c.SlotsInUse.Set(float64(n))
}
