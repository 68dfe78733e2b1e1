package baton

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the engine's Prometheus instruments. A nil *Metrics is
// valid and records nothing, so instrumentation stays optional.
type Metrics struct {
	ExecutionsStarted  prometheus.Counter
	ExecutionsFinished *prometheus.CounterVec
	StepsExecuted      *prometheus.CounterVec
	StepDuration       prometheus.Histogram
	Compensations      *prometheus.CounterVec
	ActiveExecutions   prometheus.Gauge
}

// NewMetrics builds the instrument set registered against reg. A nil reg
// leaves the instruments unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "saga_executions_started_total",
			Help: "Number of saga executions accepted for running.",
		}),
		ExecutionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_executions_finished_total",
			Help: "Number of saga executions reaching a terminal status.",
		}, []string{"status"}),
		StepsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_steps_executed_total",
			Help: "Number of steps settled, by settled status.",
		}, []string{"status"}),
		StepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Wall time from first attempt to settle, per step.",
			Buckets: prometheus.DefBuckets,
		}),
		Compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Number of compensation actions, by result.",
		}, []string{"result"}),
		ActiveExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "saga_active_executions",
			Help: "Executions currently attached to a run goroutine.",
		}),
	}
}

func (m *Metrics) executionStarted() {
	if m == nil {
		return
	}
	m.ExecutionsStarted.Inc()
}

func (m *Metrics) executionFinished(status Status) {
	if m == nil {
		return
	}
	m.ExecutionsFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) stepExecuted(status StepStatus, seconds float64) {
	if m == nil {
		return
	}
	m.StepsExecuted.WithLabelValues(string(status)).Inc()
	if seconds > 0 {
		m.StepDuration.Observe(seconds)
	}
}

func (m *Metrics) compensation(result string) {
	if m == nil {
		return
	}
	m.Compensations.WithLabelValues(result).Inc()
}

func (m *Metrics) activeExecutions(delta float64) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Add(delta)
}
