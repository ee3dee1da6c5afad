package handlers

import (
	"net/http"
	"strconv"

	"github.com/netwall-io/netwall/pkg/ingest/parser"
	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// RouterMACHandler manages the rules marking upstream-router MACs.
// Flagged MACs collapse into the graph's router bucket instead of
// appearing as individual hosts.
type RouterMACHandler struct {
	store *store.Store
}

// NewRouterMACHandler creates a router-MAC handler.
func NewRouterMACHandler(st *store.Store) *RouterMACHandler {
	return &RouterMACHandler{store: st}
}

// List returns the rules for a device, or every rule when the device
// parameter is absent.
// GET /api/router-macs
func (h *RouterMACHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var devices []string
	if r.URL.Query().Get("device") != "" {
		var err error
		devices, err = resolveDevices(ctx, h.store, r)
		if err != nil {
			WriteError(w, err)
			return
		}
		if len(devices) == 0 {
			WriteJSON(w, http.StatusOK, []model.RouterMACRule{})
			return
		}
	}

	rules, err := h.store.ListRouterMACRules(ctx, devices)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rules)
}

type routerMACPayload struct {
	Device    string  `json:"device"`
	MAC       string  `json:"mac"`
	Direction string  `json:"direction"`
	Note      *string `json:"note"`
}

// Upsert flags a MAC as a router. For an HA selector the rule is
// written to every member device so both halves of the cluster
// collapse the same hosts.
// POST /api/router-macs
func (h *RouterMACHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload routerMACPayload
	if err := decodeBody(r, &payload); err != nil {
		WriteError(w, err)
		return
	}
	mac := parser.NormalizeMAC(payload.MAC)
	if mac == "" {
		WriteDetail(w, http.StatusBadRequest, "invalid or empty MAC")
		return
	}
	if payload.Device == "" {
		WriteDetail(w, http.StatusBadRequest, "device is required")
		return
	}

	devices, err := h.store.ResolveDeviceKeys(ctx, payload.Device)
	if err != nil {
		WriteError(w, err)
		return
	}
	if len(devices) == 0 {
		devices = []string{payload.Device}
	}

	var first *model.RouterMACRule
	for _, dev := range devices {
		stored, err := h.store.UpsertRouterMACRule(ctx, &model.RouterMACRule{
			DeviceKey: dev,
			MAC:       mac,
			Direction: payload.Direction,
			Note:      payload.Note,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		if first == nil {
			first = stored
		}
	}
	WriteJSON(w, http.StatusOK, first)
}

// Delete removes a rule by id.
// DELETE /api/router-macs/{id}
func (h *RouterMACHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil {
		WriteDetail(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	if err := h.store.DeleteRouterMACRule(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
