package pipeline

import (
	"time"

	"github.com/odvcencio/deployfix/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records step latency and deployment outcomes. A nil *Metrics
// records nothing.
type Metrics struct {
	stepDuration *prometheus.HistogramVec
	finishedAll  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deployfix",
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Pipeline step latency in seconds, by job kind, step and outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind", "step", "outcome"}),
		finishedAll: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployfix",
			Subsystem: "pipeline",
			Name:      "deployments_finished_total",
			Help:      "Deployments that reached a terminal fix status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.stepDuration, m.finishedAll)
	}
	return m
}

func (m *Metrics) observeStep(kind models.JobKind, step, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(string(kind), step, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) finished(status models.FixStatus) {
	if m == nil {
		return
	}
	m.finishedAll.WithLabelValues(string(status)).Inc()
}
