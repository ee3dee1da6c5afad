package handlers

import (
	"net/http"

	"github.com/netwall-io/netwall/pkg/ingest"
	"github.com/netwall-io/netwall/pkg/store"
)

// StatsHandler serves the dashboard counters: the live ingest snapshot
// and database row counts.
type StatsHandler struct {
	store *store.Store
	stats *ingest.Stats
}

// NewStatsHandler creates a stats handler.
func NewStatsHandler(st *store.Store, stats *ingest.Stats) *StatsHandler {
	return &StatsHandler{store: st, stats: stats}
}

// Snapshot returns the live ingest counters.
// GET /api/stats
func (h *StatsHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.stats.Snapshot())
}

// DB reports table row counts, the stored data's age span and, on
// SQLite, the database file size.
// GET /api/stats/db
func (h *StatsHandler) DB(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.DBStats(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
