package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports pipeline counters through a Prometheus registry.
type Metrics struct {
	stageDuration   *prometheus.HistogramVec
	jobsTotal       *prometheus.CounterVec
	activePipelines prometheus.Gauge
}

// NewMetrics registers the pipeline collectors with the supplied registerer
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "uvsib",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall time per pipeline stage run.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
		}, []string{"stage", "outcome"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uvsib",
			Subsystem: "pipeline",
			Name:      "jobs_total",
			Help:      "Dispatched jobs by kind and terminal status.",
		}, []string{"kind", "status"}),
		activePipelines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "uvsib",
			Subsystem: "pipeline",
			Name:      "active_pipelines",
			Help:      "Orchestrator instances currently running.",
		}),
	}
	for _, c := range []prometheus.Collector{m.stageDuration, m.jobsTotal, m.activePipelines} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeStage(stage string, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) observeJob(kind JobKind, status JobStatus) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(string(kind), string(status)).Inc()
}

func (m *Metrics) pipelineStarted() {
	if m == nil {
		return
	}
	m.activePipelines.Inc()
}

func (m *Metrics) pipelineFinished() {
	if m == nil {
		return
	}
	m.activePipelines.Dec()
}
