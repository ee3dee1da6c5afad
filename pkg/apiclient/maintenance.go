package apiclient

import (
	"net/url"
	"time"
)

// CleanupResult is the response of a cleanup submission. Skipped is set
// when a cleanup was already queued or running.
type CleanupResult struct {
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped"`
	JobID   string `json:"job_id"`
}

// CleanupSummary is the persisted result of the most recent retention
// run.
type CleanupSummary struct {
	LastRun        time.Time `json:"last_run"`
	DurationMs     int64     `json:"duration_ms"`
	DeletedEvents  int64     `json:"deleted_events"`
	DeletedRawLogs int64     `json:"deleted_raw_logs"`
	VacuumRan      bool      `json:"vacuum_ran"`
	KeepDays       int       `json:"keep_days"`
	Cutoff         time.Time `json:"cutoff"`
}

// RunCleanup queues a retention cleanup job.
func (c *Client) RunCleanup() (*CleanupResult, error) {
	return createResource[CleanupResult](c, "/api/maintenance/cleanup", nil)
}

// CleanupSummary returns the result of the latest cleanup run, or nil
// when none has run yet.
func (c *Client) CleanupSummary() (*CleanupSummary, error) {
	var summary *CleanupSummary
	if err := c.get("/api/maintenance/cleanup/summary", &summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// GetMaintenanceJob returns a cleanup or purge job by ID.
func (c *Client) GetMaintenanceJob(id string) (*IngestJob, error) {
	return getResource[IngestJob](c, resourcePath("/api/maintenance/jobs/%s", url.PathEscape(id)))
}
