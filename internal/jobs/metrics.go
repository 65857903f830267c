package jobs

import (
	"time"

	"github.com/odvcencio/deployfix/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "deployfix"
	metricsSubsystem = "jobs"
)

// Metrics records queue and worker activity. A nil *Metrics records nothing.
type Metrics struct {
	enqueuedTotal *prometheus.CounterVec
	outcomeTotal  *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "enqueued_total",
			Help:      "Pipeline jobs created, by kind.",
		}, []string{"kind"}),
		outcomeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "runs_total",
			Help:      "Pipeline job runs, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "run_duration_seconds",
			Help:      "Pipeline job run latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.enqueuedTotal, m.outcomeTotal, m.duration)
	}
	return m
}

func (m *Metrics) enqueued(kind models.JobKind) {
	if m == nil {
		return
	}
	m.enqueuedTotal.WithLabelValues(string(kind)).Inc()
}

// observe records one run. outcome is completed, retried or failed.
func (m *Metrics) observe(kind models.JobKind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomeTotal.WithLabelValues(string(kind), outcome).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}
