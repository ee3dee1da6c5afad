package apiclient

import (
	"net/url"
	"strings"
	"time"
)

// IngestJob mirrors the server's job record.
type IngestJob struct {
	ID       string  `json:"id"`
	Kind     string  `json:"kind"`
	Device   *string `json:"device,omitempty"`
	Filename *string `json:"filename,omitempty"`
	Status   string  `json:"status"`
	Phase    string  `json:"phase,omitempty"`

	TotalLines      int64   `json:"total_lines"`
	ProcessedLines  int64   `json:"processed_lines"`
	OKRecords       int64   `json:"ok_records"`
	ErrRecords      int64   `json:"err_records"`
	FilteredRecords int64   `json:"filtered_records"`
	Progress        float64 `json:"progress"`

	CancelRequested bool    `json:"cancel_requested"`
	ErrorType       *string `json:"error_type,omitempty"`
	Error           *string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the job reached a final state.
func (j *IngestJob) Terminal() bool {
	switch j.Status {
	case "done", "error", "canceled":
		return true
	}
	return false
}

// ListJobs returns recent jobs, optionally filtered to the given states
// (queued, running, done, error, canceled).
func (c *Client) ListJobs(states ...string) ([]IngestJob, error) {
	path := "/api/ingest/jobs"
	if len(states) > 0 {
		path += "?state=" + url.QueryEscape(strings.Join(states, ","))
	}
	return listResources[IngestJob](c, path)
}

// GetJob returns one job by ID.
func (c *Client) GetJob(id string) (*IngestJob, error) {
	return getResource[IngestJob](c, resourcePath("/api/ingest/jobs/%s", url.PathEscape(id)))
}

// CancelJob requests cancellation of a queued or running job.
func (c *Client) CancelJob(id string) error {
	return c.post(resourcePath("/api/ingest/jobs/%s/cancel", url.PathEscape(id)), nil, nil)
}

// DeleteJob removes a finished job from the history.
func (c *Client) DeleteJob(id string) error {
	return c.delete(resourcePath("/api/ingest/jobs/%s", url.PathEscape(id)), nil)
}
