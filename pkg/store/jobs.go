package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/model"
)

// Non-terminal statuses, for conflict checks.
var activeJobStatuses = []interface{}{model.JobStatusQueued, model.JobStatusRunning}

const insertJobSQL = `
INSERT INTO ingest_jobs (
	id, kind, device, filename, status, phase,
	total_lines, processed_lines, ok_records, err_records, filtered_records, progress,
	cancel_requested, error_type, error, result_json,
	created_at, started_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, 0, 0, 0, ?, NULL, NULL, NULL, ?, NULL, NULL)`

// CreateJob inserts a new queued job and returns it. ID and
// CreatedAt are assigned here.
func (s *Store) CreateJob(ctx context.Context, kind string, device, filename *string) (*model.IngestJob, error) {
	job := &model.IngestJob{
		ID:        uuid.NewString(),
		Kind:      kind,
		Device:    device,
		Filename:  filename,
		Status:    model.JobStatusQueued,
		CreatedAt: time.Now().UTC(),
	}

	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(insertJobSQL),
			job.ID, job.Kind, job.Device, job.Filename, job.Status, job.Phase,
			false, msOf(job.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s job: %w", kind, err)
	}

	logger.Info("job created", "job_id", job.ID, "kind", kind)
	return job, nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*model.IngestJob, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		s.rebind("SELECT * FROM ingest_jobs WHERE id = ?"), id)
	if err != nil {
		return nil, convertNotFoundError(err, fmt.Sprintf("job %s", id))
	}
	job := row.toModel()
	return &job, nil
}

// ListJobs returns the most recent jobs, newest first, optionally
// narrowed to the given statuses.
func (s *Store) ListJobs(ctx context.Context, statuses []string, limit int) ([]model.IngestJob, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT * FROM ingest_jobs ORDER BY created_at DESC, id DESC LIMIT ?"
	args := []interface{}{limit}
	if len(statuses) > 0 {
		q, a, err := sqlx.In(
			"SELECT * FROM ingest_jobs WHERE status IN (?) ORDER BY created_at DESC, id DESC LIMIT ?",
			statuses, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to build job list query: %w", err)
		}
		query, args = q, a
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]model.IngestJob, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toModel())
	}
	return jobs, nil
}

// ListJobsForDevice returns the most recent jobs touching one device
// key, newest first. Feeds the per-firewall import history.
func (s *Store) ListJobsForDevice(ctx context.Context, device string, limit int) ([]model.IngestJob, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(
		"SELECT * FROM ingest_jobs WHERE device = ? ORDER BY created_at DESC, id DESC LIMIT ?"),
		device, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for %s: %w", device, err)
	}

	jobs := make([]model.IngestJob, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toModel())
	}
	return jobs, nil
}

// FindActiveJob returns the oldest queued or running job, or nil when
// the worker is idle and nothing is queued.
func (s *Store) FindActiveJob(ctx context.Context) (*model.IngestJob, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.rebind(
		"SELECT * FROM ingest_jobs WHERE status IN (?, ?) ORDER BY created_at ASC, id ASC LIMIT 1"),
		activeJobStatuses...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active job: %w", err)
	}
	job := row.toModel()
	return &job, nil
}

// FindActiveJobForDevice returns a queued or running job touching the
// given device, or nil.
func (s *Store) FindActiveJobForDevice(ctx context.Context, device string) (*model.IngestJob, error) {
	var row jobRow
	args := append([]interface{}{}, activeJobStatuses...)
	args = append(args, device)
	err := s.db.GetContext(ctx, &row, s.rebind(
		"SELECT * FROM ingest_jobs WHERE status IN (?, ?) AND device = ? ORDER BY created_at ASC, id ASC LIMIT 1"),
		args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active job for %s: %w", device, err)
	}
	job := row.toModel()
	return &job, nil
}

// NextQueuedJob returns the oldest queued job, or nil.
func (s *Store) NextQueuedJob(ctx context.Context) (*model.IngestJob, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.rebind(
		"SELECT * FROM ingest_jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1"),
		model.JobStatusQueued)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find queued job: %w", err)
	}
	job := row.toModel()
	return &job, nil
}

// MarkJobRunning claims a queued job. Returns false when the job was
// no longer queued, which means another worker claimed it first.
func (s *Store) MarkJobRunning(ctx context.Context, id, phase string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE ingest_jobs SET status = ?, phase = ?, started_at = ? WHERE id = ? AND status = ?"),
		model.JobStatusRunning, phase, msOf(time.Now().UTC()), id, model.JobStatusQueued)
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n > 0, nil
}

// JobProgress carries one progress sample written on batch boundaries.
type JobProgress struct {
	Phase           string
	TotalLines      int64
	ProcessedLines  int64
	OKRecords       int64
	ErrRecords      int64
	FilteredRecords int64
	Progress        float64
}

// UpdateJobProgress writes a progress sample. Queued jobs take
// samples too: the upload spool reports received bytes before the
// worker claims the job. Silently ignored once the job is terminal.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, p JobProgress) error {
	if p.Progress < 0 {
		p.Progress = 0
	}
	if p.Progress > 1 {
		p.Progress = 1
	}

	args := []interface{}{
		p.Phase, p.TotalLines, p.ProcessedLines,
		p.OKRecords, p.ErrRecords, p.FilteredRecords, p.Progress,
		id,
	}
	args = append(args, activeJobStatuses...)
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE ingest_jobs SET
			phase = ?, total_lines = ?, processed_lines = ?,
			ok_records = ?, err_records = ?, filtered_records = ?, progress = ?
		WHERE id = ? AND status IN (?, ?)`),
		args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s progress: %w", id, err)
	}
	return nil
}

// SetJobDevice records which device a job ended up touching. Import
// jobs learn their device from the file contents, after the fact.
func (s *Store) SetJobDevice(ctx context.Context, id, device string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE ingest_jobs SET device = ? WHERE id = ?"), device, id)
	if err != nil {
		return fmt.Errorf("failed to set job %s device: %w", id, err)
	}
	return nil
}

// RequestJobCancel flags a job for cancellation. The worker notices on
// its next flag check and winds down. Terminal jobs cannot be
// cancelled.
func (s *Store) RequestJobCancel(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return fmt.Errorf("job %s is already %s: %w", id, job.Status, model.ErrJobNotCancellable)
	}

	args := append([]interface{}{true, id}, activeJobStatuses...)
	res, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE ingest_jobs SET cancel_requested = ? WHERE id = ? AND status IN (?, ?)"),
		args...)
	if err != nil {
		return fmt.Errorf("failed to request cancel for job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read cancel result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s reached a terminal state first: %w", id, model.ErrJobNotCancellable)
	}
	return nil
}

// JobCancelRequested polls the cancel flag. Workers call this at least
// every 500ms or 1000 records.
func (s *Store) JobCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.GetContext(ctx, &requested,
		s.rebind("SELECT cancel_requested FROM ingest_jobs WHERE id = ?"), id)
	if err != nil {
		return false, convertNotFoundError(err, fmt.Sprintf("job %s", id))
	}
	return requested, nil
}

// MarkJobDone finishes a job successfully. resultJSON, when non-empty,
// carries kind-specific counters for the job history view.
func (s *Store) MarkJobDone(ctx context.Context, id string, resultJSON *string) error {
	return s.finishJob(ctx, id, model.JobStatusDone, nil, nil, resultJSON, 1)
}

// MarkJobError finishes a job with an error type and message.
func (s *Store) MarkJobError(ctx context.Context, id, errorType, message string) error {
	return s.finishJob(ctx, id, model.JobStatusError, &errorType, &message, nil, -1)
}

// MarkJobCanceled finishes a job after a cancel request won.
func (s *Store) MarkJobCanceled(ctx context.Context, id string) error {
	errType := model.ErrTypeCanceled
	return s.finishJob(ctx, id, model.JobStatusCanceled, &errType, nil, nil, -1)
}

// finishJob moves a job to a terminal state exactly once. progress < 0
// leaves the last sampled value in place.
func (s *Store) finishJob(ctx context.Context, id, status string, errorType, message, resultJSON *string, progress float64) error {
	set := "status = ?, error_type = ?, error = ?, result_json = ?, finished_at = ?"
	args := []interface{}{status, errorType, message, resultJSON, msOf(time.Now().UTC())}
	if progress >= 0 {
		set += ", progress = ?"
		args = append(args, progress)
	}
	args = append(args, id)
	args = append(args, activeJobStatuses...)

	res, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE ingest_jobs SET "+set+" WHERE id = ? AND status IN (?, ?)"), args...)
	if err != nil {
		return fmt.Errorf("failed to finish job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read finish result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s already terminal: %w", id, model.ErrConflict)
	}

	logger.Info("job finished", "job_id", id, "status", status)
	return nil
}

// RecoverCrashedJobs marks jobs left running by a dead process as
// failed. Called once at startup before the worker starts; queued
// jobs are left alone and picked up normally.
func (s *Store) RecoverCrashedJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE ingest_jobs SET status = ?, error_type = ?, error = ?, finished_at = ?
		WHERE status = ?`),
		model.JobStatusError, model.ErrTypeRecoveredAfterCrash,
		"process exited while the job was running", msOf(time.Now().UTC()),
		model.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to recover crashed jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read recovery result: %w", err)
	}
	if n > 0 {
		logger.Warn("recovered crashed jobs", "count", n)
	}
	return n, nil
}

// DeleteJob removes a terminal job from history.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !job.Terminal() {
		return fmt.Errorf("job %s is still %s: %w", id, job.Status, model.ErrConflict)
	}

	_, err = s.db.ExecContext(ctx, s.rebind("DELETE FROM ingest_jobs WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}
