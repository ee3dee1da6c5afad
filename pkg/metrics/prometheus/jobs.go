package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/netwall-io/netwall/pkg/metrics"
)

// jobMetrics is the Prometheus implementation of metrics.JobMetrics.
type jobMetrics struct {
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	activeJobs  prometheus.Gauge
}

// NewJobMetrics creates a new Prometheus-backed JobMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewJobMetrics() metrics.JobMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &jobMetrics{
		jobsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "netwall_jobs_total",
				Help: "Total background jobs by kind and terminal status",
			},
			[]string{"kind", "status"},
		),
		jobDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "netwall_job_duration_milliseconds",
				Help: "Duration of background jobs in milliseconds",
				Buckets: []float64{
					100,    // 100ms - empty cleanups
					500,    // 500ms
					1000,   // 1s
					5000,   // 5s - small imports
					10000,  // 10s
					30000,  // 30s
					60000,  // 1m - large imports
					300000, // 5m
					600000, // 10m
				},
			},
			[]string{"kind"},
		),
		activeJobs: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "netwall_jobs_active",
				Help: "Number of background jobs currently running",
			},
		),
	}
}

func (m *jobMetrics) RecordJob(kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(kind, status).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(duration.Seconds() * 1000)
}

func (m *jobMetrics) SetActiveJobs(count int) {
	if m == nil {
		return
	}
	m.activeJobs.Set(float64(count))
}
