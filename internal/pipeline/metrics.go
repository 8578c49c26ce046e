package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for pipeline activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	retries       *prometheus.CounterVec
	runsActive    prometheus.Gauge
	interrupts    *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// register adds c to reg, returning the already registered collector when
// an identical one exists.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// MustNewMetrics registers the pipeline collectors with reg. Registration
// errors other than duplicates panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		stageDuration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "movi",
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Duration spent in each pipeline stage.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage", "status"},
		)),
		stageFailures: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "movi",
				Subsystem: "pipeline",
				Name:      "stage_failures_total",
				Help:      "Stage executions that fell back or failed.",
			},
			[]string{"stage", "reason"},
		)),
		retries: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "movi",
				Subsystem: "pipeline",
				Name:      "completion_retries_total",
				Help:      "Completion calls retried after a failure.",
			},
			[]string{"stage"},
		)),
		runsActive: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "movi",
				Subsystem: "pipeline",
				Name:      "runs_active",
				Help:      "Pipeline runs currently holding a session lease.",
			},
		)),
		interrupts: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "movi",
				Subsystem: "pipeline",
				Name:      "interrupts_total",
				Help:      "Runs suspended awaiting confirmation, by tool.",
			},
			[]string{"tool"},
		)),
		resolutions: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "movi",
				Subsystem: "pipeline",
				Name:      "confirmations_total",
				Help:      "Pending confirmations resolved, by outcome.",
			},
			[]string{"outcome"},
		)),
	}
}

// ObserveStage records the time spent in a stage.
func (m *Metrics) ObserveStage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// IncStageFailure counts a stage fallback or failure.
func (m *Metrics) IncStageFailure(stage, reason string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage, reason).Inc()
}

// IncRetry counts a retried completion call.
func (m *Metrics) IncRetry(stage string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stage).Inc()
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

// RunFinished marks a run as done or suspended.
func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.runsActive.Dec()
}

// IncInterrupt counts a suspension for tool.
func (m *Metrics) IncInterrupt(tool string) {
	if m == nil {
		return
	}
	m.interrupts.WithLabelValues(tool).Inc()
}

// IncResolution counts a resolved confirmation.
func (m *Metrics) IncResolution(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}
