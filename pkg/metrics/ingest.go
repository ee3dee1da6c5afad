package metrics

import (
	"time"
)

// IngestMetrics provides observability for the syslog intake pipeline.
//
// Implementations can collect metrics about received datagrams, queue
// pressure, parse outcomes, and batch writes. This interface is
// optional - pass nil to disable metrics collection with zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	metrics.InitRegistry()
//	im := prometheus.NewIngestMetrics()
//	pipe := ingest.NewPipeline(st, classifier, opts, im)
//
//	// Without metrics (pass nil for zero overhead)
//	pipe := ingest.NewPipeline(st, classifier, opts, nil)
type IngestMetrics interface {
	// RecordDatagram records one received UDP datagram and its payload
	// size in bytes.
	RecordDatagram(bytes int)

	// RecordLines records syslog lines extracted from datagrams or
	// imported files.
	RecordLines(count int)

	// RecordQueueDrop records lines dropped because the intake queue
	// was full.
	RecordQueueDrop(count int)

	// RecordOversizeLine records a line that exceeded the line size cap
	// and was truncated.
	RecordOversizeLine()

	// RecordRecord records one reconstructed record by parse outcome:
	// "ok", "error", or "filtered".
	RecordRecord(status string)

	// RecordBatch records a completed batch write with its row count,
	// duration, and outcome.
	RecordBatch(rows int, duration time.Duration, err error)

	// SetQueueDepth updates the current intake queue depth gauge.
	SetQueueDepth(depth int)
}

// RecordDatagram records a datagram on m, tolerating nil.
func RecordDatagram(m IngestMetrics, bytes int) {
	if m != nil {
		m.RecordDatagram(bytes)
	}
}

// RecordLines records extracted lines on m, tolerating nil.
func RecordLines(m IngestMetrics, count int) {
	if m != nil {
		m.RecordLines(count)
	}
}

// RecordQueueDrop records dropped lines on m, tolerating nil.
func RecordQueueDrop(m IngestMetrics, count int) {
	if m != nil {
		m.RecordQueueDrop(count)
	}
}

// RecordOversizeLine records a truncated line on m, tolerating nil.
func RecordOversizeLine(m IngestMetrics) {
	if m != nil {
		m.RecordOversizeLine()
	}
}

// RecordRecord records a parse outcome on m, tolerating nil.
func RecordRecord(m IngestMetrics, status string) {
	if m != nil {
		m.RecordRecord(status)
	}
}

// RecordBatch records a batch write on m, tolerating nil.
func RecordBatch(m IngestMetrics, rows int, duration time.Duration, err error) {
	if m != nil {
		m.RecordBatch(rows, duration, err)
	}
}

// SetQueueDepth updates the queue depth gauge on m, tolerating nil.
func SetQueueDepth(m IngestMetrics, depth int) {
	if m != nil {
		m.SetQueueDepth(depth)
	}
}
