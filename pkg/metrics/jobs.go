package metrics

import (
	"time"
)

// JobMetrics provides observability for background jobs (imports,
// purges, retention cleanups).
//
// This interface is optional - pass nil to disable metrics collection
// with zero overhead.
type JobMetrics interface {
	// RecordJob records a finished job with its kind, terminal status
	// ("done", "error", "canceled"), and wall-clock duration.
	RecordJob(kind, status string, duration time.Duration)

	// SetActiveJobs updates the number of jobs currently running.
	SetActiveJobs(count int)
}

// RecordJob records a finished job on m, tolerating nil.
func RecordJob(m JobMetrics, kind, status string, duration time.Duration) {
	if m != nil {
		m.RecordJob(kind, status, duration)
	}
}

// SetActiveJobs updates the running-jobs gauge on m, tolerating nil.
func SetActiveJobs(m JobMetrics, count int) {
	if m != nil {
		m.SetActiveJobs(count)
	}
}
