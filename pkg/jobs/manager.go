// Package jobs runs the heavy background work: file imports, device
// purges and retention cleanup. Submissions become rows in the
// ingest_jobs table; a single worker drains them oldest-first, so at
// most one heavy job touches the store at a time and the queue
// survives restarts. A second goroutine schedules the daily retention
// cleanup.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/classify"
	"github.com/netwall-io/netwall/pkg/ingest"
	"github.com/netwall-io/netwall/pkg/metrics"
	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

const (
	defaultPollInterval = 1500 * time.Millisecond

	// Import progress anchors: the upload spool owns the first stretch,
	// the parse/store stream the middle, attribution the rest.
	uploadSpan   = 0.05
	storeSpanEnd = 0.95

	// Error messages on job rows are for humans; a wrapped driver error
	// chain can run to kilobytes.
	maxErrorLen = 1000
)

// errCanceled marks a purge or cleanup stopped by a cancel request.
// Imports signal the same through ingest.ErrCanceled.
var errCanceled = errors.New("job canceled")

// Options tune the manager.
type Options struct {
	// YearMode is passed to the import parser.
	YearMode string

	// BatchSize is the rows-per-write bound for imports. Zero means the
	// ingest default.
	BatchSize int

	// UploadDir is where uploads are spooled while their job is queued.
	// Empty means the OS temp directory.
	UploadDir string

	// PollInterval is how often the idle worker checks the queue.
	// Submissions nudge it immediately; the poll catches everything
	// else. Zero means 1.5s.
	PollInterval time.Duration

	// CleanupCheckInterval is how often the scheduler re-evaluates
	// whether a retention cleanup is due. Zero means one hour.
	CleanupCheckInterval time.Duration
}

// Manager owns the job queue worker and the retention scheduler.
type Manager struct {
	store *store.Store
	class *classify.Classifier
	m     metrics.JobMetrics
	opts  Options

	ctx      context.Context
	cancel   context.CancelFunc
	wake     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager builds a manager. m may be nil to disable metrics.
func NewManager(st *store.Store, class *classify.Classifier, m metrics.JobMetrics, opts Options) *Manager {
	if opts.UploadDir == "" {
		opts.UploadDir = os.TempDir()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.CleanupCheckInterval <= 0 {
		opts.CleanupCheckInterval = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:  st,
		class:  class,
		m:      m,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

// Start recovers jobs orphaned by a crash, then launches the worker and
// the retention scheduler.
func (m *Manager) Start() error {
	if err := os.MkdirAll(m.opts.UploadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create upload dir: %w", err)
	}
	if _, err := m.store.RecoverCrashedJobs(m.ctx); err != nil {
		return err
	}
	if err := m.sweepAbandonedUploads(); err != nil {
		return err
	}

	m.wg.Add(2)
	go m.worker()
	go m.scheduler()
	return nil
}

// Stop interrupts the running job, if any, and waits for the worker
// and scheduler to exit or for ctx to expire. An interrupted job is
// marked as failed; its committed batches stay.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(m.cancel)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake nudges the worker to check the queue without waiting for the
// next poll.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// SpoolPath is where the upload for an import job lives between the
// HTTP request and the worker run.
func (m *Manager) SpoolPath(jobID string) string {
	return filepath.Join(m.opts.UploadDir, jobID+".upload")
}

// SubmitImport queues a file import. Imports never conflict: they wait
// their turn behind whatever is running. The caller streams the upload
// to SpoolPath(job.ID) and then calls MarkUploaded; until then the
// worker leaves the job alone.
func (m *Manager) SubmitImport(ctx context.Context, filename, preferredDevice string) (*model.IngestJob, error) {
	var device *string
	if preferredDevice != "" {
		device = &preferredDevice
	}

	job, err := m.store.CreateJob(ctx, model.JobKindImport, device, &filename)
	if err != nil {
		return nil, err
	}

	err = m.store.UpdateJobProgress(ctx, job.ID, store.JobProgress{Phase: model.JobPhaseUploading})
	if err != nil {
		_ = m.store.MarkJobError(context.Background(), job.ID,
			model.ErrTypeInternal, "failed to initialize upload")
		return nil, err
	}

	job.Phase = model.JobPhaseUploading
	return job, nil
}

// ReportUpload records spool progress while the upload is still
// streaming in. Best effort: a failed sample never aborts the upload.
func (m *Manager) ReportUpload(ctx context.Context, jobID string, fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	err := m.store.UpdateJobProgress(ctx, jobID, store.JobProgress{
		Phase:    model.JobPhaseUploading,
		Progress: uploadSpan * fraction,
	})
	if err != nil {
		logger.Warn("failed to record upload progress", "job_id", jobID, "error", err)
	}
}

// MarkUploaded flips an import job to ready and nudges the worker.
func (m *Manager) MarkUploaded(ctx context.Context, jobID string) error {
	err := m.store.UpdateJobProgress(ctx, jobID, store.JobProgress{
		Phase:    model.JobPhaseParsing,
		Progress: uploadSpan,
	})
	if err != nil {
		return err
	}
	m.Wake()
	return nil
}

// FailUpload abandons an import whose upload never completed and
// removes whatever was spooled. Runs on a background context because
// the request that was uploading is usually already dead.
func (m *Manager) FailUpload(jobID, reason string) {
	err := m.store.MarkJobError(context.Background(), jobID,
		model.ErrTypeBadUpload, truncateMsg(reason))
	if err != nil {
		logger.Error("failed to mark upload error", "job_id", jobID, "error", err)
	}
	m.removeSpool(jobID)
}

// SubmitPurge queues a purge unless something else already claims the
// device or an import/cleanup is running. The returned error wraps
// model.ErrConflict in the busy cases.
func (m *Manager) SubmitPurge(ctx context.Context, deviceKey string) (*model.IngestJob, error) {
	active, err := m.store.FindActiveJobForDevice(ctx, deviceKey)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%s job %s is %s for %s: %w",
			active.Kind, active.ID, active.Status, deviceKey, model.ErrConflict)
	}

	running, err := m.store.ListJobs(ctx, []string{model.JobStatusRunning}, 1)
	if err != nil {
		return nil, err
	}
	if len(running) > 0 && running[0].Kind != model.JobKindPurge {
		return nil, fmt.Errorf("a %s job is running: %w", running[0].Kind, model.ErrConflict)
	}

	job, err := m.store.CreateJob(ctx, model.JobKindPurge, &deviceKey, nil)
	if err != nil {
		return nil, err
	}
	m.Wake()
	return job, nil
}

// SubmitCleanup queues a retention cleanup unless any job is queued or
// running; callers treat the wrapped model.ErrConflict as "skipped".
func (m *Manager) SubmitCleanup(ctx context.Context) (*model.IngestJob, error) {
	active, err := m.store.FindActiveJob(ctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%s job %s is %s: %w",
			active.Kind, active.ID, active.Status, model.ErrConflict)
	}

	job, err := m.store.CreateJob(ctx, model.JobKindCleanup, nil, nil)
	if err != nil {
		return nil, err
	}
	m.Wake()
	return job, nil
}

// worker drains the queue, then sleeps until a submission or the poll
// wakes it.
func (m *Manager) worker() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		for m.runNext() {
			if m.ctx.Err() != nil {
				return
			}
		}

		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		case <-ticker.C:
		}
	}
}

// runNext claims and runs the oldest ready job. Returns false when
// there was nothing to do.
func (m *Manager) runNext() bool {
	job, err := m.store.NextQueuedJob(m.ctx)
	if err != nil {
		if m.ctx.Err() == nil {
			logger.Error("failed to poll job queue", "error", err)
		}
		return false
	}
	if job == nil || !ready(job) {
		return false
	}

	phase := ""
	if job.Kind == model.JobKindImport {
		phase = model.JobPhaseParsing
	}
	claimed, err := m.store.MarkJobRunning(m.ctx, job.ID, phase)
	if err != nil {
		if m.ctx.Err() == nil {
			logger.Error("failed to claim job", "job_id", job.ID, "error", err)
		}
		return false
	}
	if !claimed {
		return false
	}

	logger.Info("job started", "job_id", job.ID, "kind", job.Kind)
	metrics.SetActiveJobs(m.m, 1)
	start := time.Now()

	status := m.execute(job)

	metrics.SetActiveJobs(m.m, 0)
	metrics.RecordJob(m.m, job.Kind, status, time.Since(start))
	return true
}

// ready keeps the worker off import jobs whose upload is still
// streaming into the spool.
func ready(job *model.IngestJob) bool {
	if job.Kind != model.JobKindImport {
		return true
	}
	return job.Phase != "" && job.Phase != model.JobPhaseUploading
}

// execute runs one claimed job to a terminal state and returns that
// state. Terminal transitions use a background context so a shutdown
// that interrupted the job cannot also prevent recording the outcome.
func (m *Manager) execute(job *model.IngestJob) string {
	var result *string
	var err error

	switch job.Kind {
	case model.JobKindImport:
		result, err = m.runImport(job)
	case model.JobKindPurge:
		result, err = m.runPurge(job)
	case model.JobKindCleanup:
		result, err = m.runCleanup(job)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	bg := context.Background()
	switch {
	case err == nil:
		if markErr := m.store.MarkJobDone(bg, job.ID, result); markErr != nil {
			logger.Error("failed to mark job done", "job_id", job.ID, "error", markErr)
		}
		return model.JobStatusDone

	case errors.Is(err, ingest.ErrCanceled) || errors.Is(err, errCanceled):
		if markErr := m.store.MarkJobCanceled(bg, job.ID); markErr != nil {
			logger.Error("failed to mark job canceled", "job_id", job.ID, "error", markErr)
		}
		return model.JobStatusCanceled

	default:
		errType, msg := classifyError(job.Kind, err)
		logger.Error("job failed", "job_id", job.ID, "kind", job.Kind, "error_type", errType, "error", err)
		if markErr := m.store.MarkJobError(bg, job.ID, errType, msg); markErr != nil {
			logger.Error("failed to mark job error", "job_id", job.ID, "error", markErr)
		}
		return model.JobStatusError
	}
}

// classifyError maps a runner error to the stable error_type recorded
// on the job row.
func classifyError(kind string, err error) (string, string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return model.ErrTypeInternal, "interrupted by shutdown"
	}

	if kind == model.JobKindImport {
		var pathErr *fs.PathError
		var corrupt flate.CorruptInputError
		if errors.As(err, &pathErr) || errors.As(err, &corrupt) ||
			errors.Is(err, gzip.ErrHeader) || errors.Is(err, gzip.ErrChecksum) {
			return model.ErrTypeBadUpload, truncateMsg(err.Error())
		}
	}

	return model.ErrTypeStorageUnavailable, truncateMsg(err.Error())
}

func truncateMsg(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}

// cancelProbe polls the job's cancel flag. Probe errors read as "keep
// going": a flaky read must not kill a long import.
func (m *Manager) cancelProbe(id string) func() bool {
	return func() bool {
		requested, err := m.store.JobCancelRequested(m.ctx, id)
		return err == nil && requested
	}
}

// sweepAbandonedUploads errors out import jobs whose upload was still
// streaming when the process died; their spool files are incomplete or
// gone either way.
func (m *Manager) sweepAbandonedUploads() error {
	queued, err := m.store.ListJobs(m.ctx, []string{model.JobStatusQueued}, 1000)
	if err != nil {
		return err
	}

	for i := range queued {
		job := &queued[i]
		if job.Kind != model.JobKindImport || ready(job) {
			continue
		}
		err := m.store.MarkJobError(m.ctx, job.ID,
			model.ErrTypeBadUpload, "upload interrupted by restart")
		if err != nil {
			return err
		}
		m.removeSpool(job.ID)
		logger.Warn("abandoned upload swept", "job_id", job.ID)
	}
	return nil
}

func (m *Manager) removeSpool(jobID string) {
	if err := os.Remove(m.SpoolPath(jobID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove upload spool", "job_id", jobID, "error", err)
	}
}
