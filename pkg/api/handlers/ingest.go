package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/ingest"
	"github.com/netwall-io/netwall/pkg/jobs"
	"github.com/netwall-io/netwall/pkg/store"
)

// Default upload size cap: 1 GiB, matching the largest exports
// firewalls emit.
const defaultUploadMaxBytes = 1 << 30

// Copy granularity for spooling uploads to disk.
const uploadChunkBytes = 4 << 20

// IngestHandler serves file imports and the live ingest counters.
type IngestHandler struct {
	store     *store.Store
	jobs      *jobs.Manager
	stats     *ingest.Stats
	maxUpload int64
}

// NewIngestHandler creates an ingest handler. maxUpload bounds upload
// size in bytes; zero means the 1 GiB default.
func NewIngestHandler(st *store.Store, jm *jobs.Manager, stats *ingest.Stats, maxUpload int64) *IngestHandler {
	if maxUpload <= 0 {
		maxUpload = defaultUploadMaxBytes
	}
	return &IngestHandler{store: st, jobs: jm, stats: stats, maxUpload: maxUpload}
}

// Upload accepts a multipart syslog file, spools it to disk and queues
// an import job. The multipart field is "file"; an optional "device"
// field pins the import to a firewall instead of auto-detecting.
// POST /api/ingest/upload
func (h *IngestHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1)
	reader, err := r.MultipartReader()
	if err != nil {
		WriteDetail(w, http.StatusBadRequest, "expected a multipart upload")
		return
	}

	var (
		filename string
		device   string
		filePart io.Reader
	)
	// Walk parts until the file; form fields before it are read inline.
	for filePart == nil {
		part, err := reader.NextPart()
		if err == io.EOF {
			WriteDetail(w, http.StatusBadRequest, "missing file part")
			return
		}
		if err != nil {
			WriteDetail(w, http.StatusBadRequest, "malformed multipart upload")
			return
		}
		switch part.FormName() {
		case "file":
			filename = part.FileName()
			filePart = part
		case "device":
			value, err := io.ReadAll(io.LimitReader(part, 4096))
			if err == nil {
				device = strings.TrimSpace(string(value))
			}
		}
	}
	if filename == "" {
		WriteDetail(w, http.StatusBadRequest, "missing filename")
		return
	}

	job, err := h.jobs.SubmitImport(ctx, filename, device)
	if err != nil {
		WriteError(w, err)
		return
	}

	size, err := h.spool(ctx, job.ID, filePart, r.ContentLength)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || errors.Is(err, errUploadTooLarge) {
			h.jobs.FailUpload(job.ID, "file too large (max 1 GB)")
			WriteDetail(w, http.StatusRequestEntityTooLarge, "file too large (max 1 GB)")
			return
		}
		h.jobs.FailUpload(job.ID, err.Error())
		logger.Error("upload spool failed", "job_id", job.ID, "error", err)
		WriteDetail(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	if err := h.jobs.MarkUploaded(ctx, job.ID); err != nil {
		h.jobs.FailUpload(job.ID, "failed to finalize upload")
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"job_id":     job.ID,
		"filename":   filename,
		"size_bytes": size,
	})
}

var errUploadTooLarge = errors.New("upload exceeds size limit")

// spool streams the upload to the job's spool file in fixed chunks,
// sampling progress when the request advertised its length.
func (h *IngestHandler) spool(ctx context.Context, jobID string, src io.Reader, contentLength int64) (int64, error) {
	path := h.jobs.SpoolPath(jobID)
	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer out.Close()

	var total int64
	buf := make([]byte, uploadChunkBytes)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > h.maxUpload {
				return total, errUploadTooLarge
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("failed to write spool file: %w", err)
			}
			if contentLength > 0 {
				h.jobs.ReportUpload(ctx, jobID, float64(total)/float64(contentLength))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return total, fmt.Errorf("failed to read upload: %w", readErr)
		}
	}
	if err := out.Sync(); err != nil {
		return total, fmt.Errorf("failed to sync spool file: %w", err)
	}
	return total, nil
}

// Jobs lists recent jobs, optionally filtered by state.
// GET /api/ingest/jobs
func (h *IngestHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	var statuses []string
	if state := r.URL.Query().Get("state"); state != "" {
		statuses = strings.Split(state, ",")
	}
	list, err := h.store.ListJobs(r.Context(), statuses, intParam(r, "limit", 50))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, list)
}

// Job returns one job by id.
// GET /api/ingest/jobs/{id}
func (h *IngestHandler) Job(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), pathParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// UploadStatus mirrors Job but takes the id as a query parameter, the
// shape the upload progress poller uses.
// GET /api/ingest/upload/status
func (h *IngestHandler) UploadStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("job_id")
	if id == "" {
		WriteDetail(w, http.StatusBadRequest, "job_id is required")
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Cancel requests cancellation of a queued or running job. Terminal
// jobs return 409.
// POST /api/ingest/jobs/{id}/cancel
func (h *IngestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := h.store.RequestJobCancel(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "job_id": id})
}

// Delete removes a terminal job from history. Active jobs return 409.
// DELETE /api/ingest/jobs/{id}
func (h *IngestHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteJob(r.Context(), pathParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Stats returns the live ingest counters.
// GET /api/ingest/stats
func (h *IngestHandler) Stats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.stats.Snapshot())
}

// StatsDetail returns the counters plus per-status breakdowns and a
// sample line for parser debugging.
// GET /api/ingest/stats/detail
func (h *IngestHandler) StatsDetail(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.stats.Detail())
}

// ResetStats zeroes the counters.
// POST /api/ingest/stats/reset
func (h *IngestHandler) ResetStats(w http.ResponseWriter, r *http.Request) {
	h.stats.Reset()
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}
