package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for agent cycles.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	cycles       *prometheus.CounterVec
	invocation   *prometheus.HistogramVec
	storeErrors  *prometheus.CounterVec
	tasksRunning prometheus.Gauge
	tasksHalted  prometheus.Gauge
}

// MustNewMetrics registers the engine collectors with reg. Registration
// errors panic, like promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentengine",
			Name:      "cycles_total",
			Help:      "Activation cycles by agent and recorded outcome.",
		}, []string{"agent_id", "outcome"}),
		invocation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentengine",
			Name:      "invocation_duration_seconds",
			Help:      "Time spent waiting on the remote agent per cycle.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"agent_id"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentengine",
			Name:      "store_errors_total",
			Help:      "Cycle records that could not be persisted.",
		}, []string{"agent_id"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentengine",
			Name:      "tasks_running",
			Help:      "Agent loops currently running.",
		}),
		tasksHalted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentengine",
			Name:      "tasks_halted",
			Help:      "Agent loops halted after a fatal outcome.",
		}),
	}
	reg.MustRegister(m.cycles, m.invocation, m.storeErrors, m.tasksRunning, m.tasksHalted)
	return m
}

func (m *Metrics) observeCycle(agentID string, outcome Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(agentID, string(outcome)).Inc()
	m.invocation.WithLabelValues(agentID).Observe(d.Seconds())
}

func (m *Metrics) storeError(agentID string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(agentID).Inc()
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.tasksRunning.Inc()
}

func (m *Metrics) taskExited(halted bool) {
	if m == nil {
		return
	}
	m.tasksRunning.Dec()
	if halted {
		m.tasksHalted.Inc()
	}
}
