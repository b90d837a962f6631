package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xkilldash9x/probe/api/schemas"
)

// Metrics holds the counters a run reports. Each instance owns its registry so
// several runs in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	StepsTotal      *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	TestsTotal      *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	SessionLaunches *prometheus.CounterVec
}

// NewMetrics registers the probe collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "probe",
				Subsystem: "step",
				Name:      "results_total",
				Help:      "Steps executed, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "probe",
				Subsystem: "step",
				Name:      "duration_seconds",
				Help:      "Step execution time in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"kind"},
		),
		TestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "probe",
				Subsystem: "test",
				Name:      "results_total",
				Help:      "Tests finished, by status",
			},
			[]string{"status"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "probe",
				Subsystem: "session",
				Name:      "active",
				Help:      "Browser sessions currently open",
			},
		),
		SessionLaunches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "probe",
				Subsystem: "session",
				Name:      "launches_total",
				Help:      "Browser launch attempts, by result",
			},
			[]string{"result"},
		),
	}
}

// ObserveStep records one step result. A nil receiver is a no-op.
func (m *Metrics) ObserveStep(kind schemas.StepKind, outcome schemas.Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(string(kind), string(outcome)).Inc()
	if outcome != schemas.OutcomeSkipped {
		m.StepDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
	}
}

// ObserveTest records a finished test.
func (m *Metrics) ObserveTest(status schemas.RunStatus) {
	if m == nil {
		return
	}
	m.TestsTotal.WithLabelValues(string(status)).Inc()
}

// SessionOpened records a launch attempt and tracks the open session count.
func (m *Metrics) SessionOpened(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SessionLaunches.WithLabelValues("error").Inc()
		return
	}
	m.SessionLaunches.WithLabelValues("ok").Inc()
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the open session count.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
