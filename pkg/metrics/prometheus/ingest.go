// Package prometheus provides the Prometheus-backed implementations of
// the pkg/metrics interfaces. Constructors return nil when the metrics
// registry has not been initialized, so callers can pass the result
// straight through without branching.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/netwall-io/netwall/pkg/metrics"
)

// ingestMetrics is the Prometheus implementation of
// metrics.IngestMetrics.
type ingestMetrics struct {
	datagramsTotal prometheus.Counter
	datagramBytes  prometheus.Counter
	linesTotal     prometheus.Counter
	queueDropped   prometheus.Counter
	oversizeLines  prometheus.Counter
	recordsTotal   *prometheus.CounterVec
	batchesTotal   *prometheus.CounterVec
	batchRows      prometheus.Histogram
	batchDuration  prometheus.Histogram
	queueDepth     prometheus.Gauge
}

// NewIngestMetrics creates a new Prometheus-backed IngestMetrics
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewIngestMetrics() metrics.IngestMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &ingestMetrics{
		datagramsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "netwall_ingest_udp_datagrams_total",
				Help: "Total number of UDP syslog datagrams received",
			},
		),
		datagramBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "netwall_ingest_udp_bytes_total",
				Help: "Total UDP payload bytes received",
			},
		),
		linesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "netwall_ingest_lines_total",
				Help: "Total syslog lines extracted from datagrams and imported files",
			},
		),
		queueDropped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "netwall_ingest_queue_dropped_total",
				Help: "Total lines dropped because the intake queue was full",
			},
		),
		oversizeLines: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "netwall_ingest_oversize_lines_total",
				Help: "Total lines truncated for exceeding the line size cap",
			},
		),
		recordsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "netwall_ingest_records_total",
				Help: "Total reconstructed records by parse outcome",
			},
			[]string{"status"},
		),
		batchesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "netwall_ingest_batches_total",
				Help: "Total batch writes by outcome",
			},
			[]string{"status"},
		),
		batchRows: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "netwall_ingest_batch_rows",
				Help:    "Distribution of rows per batch write",
				Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
			},
		),
		batchDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "netwall_ingest_batch_duration_milliseconds",
				Help: "Duration of batch writes in milliseconds",
				Buckets: []float64{
					1,    // 1ms - tiny sqlite batches
					5,    // 5ms
					10,   // 10ms
					50,   // 50ms
					100,  // 100ms
					500,  // 500ms - contended writes
					1000, // 1s
					5000, // 5s - retries exhausted
				},
			},
		),
		queueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "netwall_ingest_queue_depth",
				Help: "Current depth of the intake line queue",
			},
		),
	}
}

func (m *ingestMetrics) RecordDatagram(bytes int) {
	if m == nil {
		return
	}
	m.datagramsTotal.Inc()
	if bytes > 0 {
		m.datagramBytes.Add(float64(bytes))
	}
}

func (m *ingestMetrics) RecordLines(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.linesTotal.Add(float64(count))
}

func (m *ingestMetrics) RecordQueueDrop(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.queueDropped.Add(float64(count))
}

func (m *ingestMetrics) RecordOversizeLine() {
	if m == nil {
		return
	}
	m.oversizeLines.Inc()
}

func (m *ingestMetrics) RecordRecord(status string) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(status).Inc()
}

func (m *ingestMetrics) RecordBatch(rows int, duration time.Duration, err error) {
	if m == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}

	m.batchesTotal.WithLabelValues(status).Inc()
	m.batchRows.Observe(float64(rows))
	m.batchDuration.Observe(duration.Seconds() * 1000)
}

func (m *ingestMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
