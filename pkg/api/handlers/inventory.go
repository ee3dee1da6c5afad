package handlers

import (
	"net/http"

	"github.com/netwall-io/netwall/pkg/store"
)

// InventoryHandler serves the MAC rollup that backs the router-MAC
// suggestion screen.
type InventoryHandler struct {
	store *store.Store
}

// NewInventoryHandler creates an inventory handler.
func NewInventoryHandler(st *store.Store) *InventoryHandler {
	return &InventoryHandler{store: st}
}

// MACs groups events by source MAC and reports distinct-IP counts,
// busiest first. MACs above the threshold are suggested as routers;
// already-flagged MACs are marked.
// GET /api/inventory/macs
func (h *InventoryHandler) MACs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	devices, err := resolveDevices(ctx, h.store, r)
	if err != nil {
		WriteError(w, err)
		return
	}
	from, to, err := timeWindow(r, false)
	if err != nil {
		WriteError(w, err)
		return
	}

	rows, err := h.store.MACInventory(ctx, store.MACInventoryQuery{
		Devices:   devices,
		From:      from,
		To:        to,
		Threshold: int64(intParam(r, "threshold", 0)),
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rows)
}
