package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rom8726/loom"
)

var _ MetricsCollector = (*PrometheusCollector)(nil)

type PrometheusCollector struct {
	runStarted  *prometheus.CounterVec
	runFinished *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runsActive  *prometheus.GaugeVec

	stepStarted   *prometheus.CounterVec
	stepCompleted *prometheus.CounterVec
	stepResumed   *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepsInFlight *prometheus.GaugeVec
}

func NewPrometheusCollector(registry prometheus.Registerer) *PrometheusCollector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusCollector{
		runStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_run_started_total",
				Help: "Total number of runs started",
			},
			[]string{"fn_name"},
		),
		runFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_run_finished_total",
				Help: "Total number of runs finished",
			},
			[]string{"fn_name"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_run_duration_seconds",
				Help:    "Time from run start to run finish in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"fn_name"},
		),
		runsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "loom_runs_active",
				Help: "Runs started and not yet finished",
			},
			[]string{"fn_name"},
		),
		stepStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_step_started_total",
				Help: "Total number of step invocations enqueued",
			},
			[]string{"fn_name", "step_id"},
		),
		stepCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_step_completed_total",
				Help: "Total number of step invocations completed, by resulting status",
			},
			[]string{"fn_name", "step_id", "status"},
		),
		stepResumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_step_resumed_total",
				Help: "Total number of suspended steps resumed",
			},
			[]string{"fn_name", "step_id"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_step_duration_seconds",
				Help:    "Time from step enqueue to step completion in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"fn_name", "step_id"},
		),
		stepsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "loom_steps_in_flight",
				Help: "Step invocations enqueued and not yet completed",
			},
			[]string{"fn_name"},
		),
	}
}

func (c *PrometheusCollector) RecordRunStarted(fnName string) {
	c.runStarted.WithLabelValues(fnName).Inc()
	c.runsActive.WithLabelValues(fnName).Inc()
}

func (c *PrometheusCollector) RecordRunFinished(fnName string, duration time.Duration) {
	c.runFinished.WithLabelValues(fnName).Inc()
	c.runDuration.WithLabelValues(fnName).Observe(duration.Seconds())
	c.runsActive.WithLabelValues(fnName).Dec()
}

func (c *PrometheusCollector) RecordStepStarted(fnName string, stepID string) {
	c.stepStarted.WithLabelValues(fnName, stepID).Inc()
	c.stepsInFlight.WithLabelValues(fnName).Inc()
}

func (c *PrometheusCollector) RecordStepCompleted(
	fnName string,
	stepID string,
	status loom.StepStatusKind,
	duration time.Duration,
) {
	c.stepCompleted.WithLabelValues(fnName, stepID, string(status)).Inc()
	c.stepDuration.WithLabelValues(fnName, stepID).Observe(duration.Seconds())
	c.stepsInFlight.WithLabelValues(fnName).Dec()
}

func (c *PrometheusCollector) RecordStepResumed(fnName string, stepID string) {
	c.stepResumed.WithLabelValues(fnName, stepID).Inc()
}
