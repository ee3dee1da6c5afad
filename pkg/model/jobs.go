package model

import "time"

// Job kinds.
const (
	JobKindImport  = "import"
	JobKindPurge   = "purge"
	JobKindCleanup = "cleanup"
)

// Job statuses. The machine is queued -> running -> one terminal
// state; terminal jobs never change status again. A queued job may be
// canceled before it ever runs.
const (
	JobStatusQueued   = "queued"
	JobStatusRunning  = "running"
	JobStatusDone     = "done"
	JobStatusError    = "error"
	JobStatusCanceled = "canceled"
)

// Import job phases, in execution order.
const (
	JobPhaseUploading = "uploading"
	JobPhaseParsing   = "parsing"
	JobPhaseStoring   = "storing"
	JobPhaseIndexing  = "indexing"
	JobPhaseVacuum    = "vacuum"
)

// Error types recorded on failed jobs.
const (
	ErrTypeRecoveredAfterCrash = "recovered_after_crash"
	ErrTypeStorageUnavailable  = "storage_unavailable"
	ErrTypeBadUpload           = "bad_upload"
	ErrTypeCanceled            = "canceled"
	ErrTypeInternal            = "internal"
)

// IngestJob tracks one import, purge or cleanup run.
type IngestJob struct {
	ID       string  `db:"id" json:"id"`
	Kind     string  `db:"kind" json:"kind"`
	Device   *string `db:"device" json:"device,omitempty"`
	Filename *string `db:"filename" json:"filename,omitempty"`
	Status   string  `db:"status" json:"status"`
	Phase    string  `db:"phase" json:"phase,omitempty"`

	TotalLines      int64   `db:"total_lines" json:"total_lines"`
	ProcessedLines  int64   `db:"processed_lines" json:"processed_lines"`
	OKRecords       int64   `db:"ok_records" json:"ok_records"`
	ErrRecords      int64   `db:"err_records" json:"err_records"`
	FilteredRecords int64   `db:"filtered_records" json:"filtered_records"`
	Progress        float64 `db:"progress" json:"progress"`

	CancelRequested bool    `db:"cancel_requested" json:"cancel_requested"`
	ErrorType       *string `db:"error_type" json:"error_type,omitempty"`
	Error           *string `db:"error" json:"error,omitempty"`
	ResultJSON      *string `db:"result_json" json:"-"`

	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	StartedAt  *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// Terminal reports whether the job reached a final state.
func (j *IngestJob) Terminal() bool {
	switch j.Status {
	case JobStatusDone, JobStatusError, JobStatusCanceled:
		return true
	}
	return false
}
