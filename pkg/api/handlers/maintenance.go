package handlers

import (
	"errors"
	"net/http"

	"github.com/netwall-io/netwall/pkg/jobs"
	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// MaintenanceHandler serves retention cleanup: manual trigger, job
// polling and the last-run summary.
type MaintenanceHandler struct {
	store *store.Store
	jobs  *jobs.Manager
}

// NewMaintenanceHandler creates a maintenance handler.
func NewMaintenanceHandler(st *store.Store, jm *jobs.Manager) *MaintenanceHandler {
	return &MaintenanceHandler{store: st, jobs: jm}
}

// Job returns one maintenance job by id, for cleanup progress polling.
// GET /api/maintenance/jobs/{id}
func (h *MaintenanceHandler) Job(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), pathParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Cleanup queues a manual retention cleanup. When another job is
// already active the run is skipped rather than rejected, since the
// scheduler will catch up on its own.
// POST /api/maintenance/cleanup
func (h *MaintenanceHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.SubmitCleanup(r.Context())
	if err != nil {
		if errors.Is(err, model.ErrJobConflict) || errors.Is(err, model.ErrConflict) {
			WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "skipped": true})
			return
		}
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "job_id": job.ID})
}

// Summary returns the persisted result of the most recent cleanup run,
// or null when none has run yet.
// GET /api/maintenance/cleanup/summary
func (h *MaintenanceHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.store.LastCleanup(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}
