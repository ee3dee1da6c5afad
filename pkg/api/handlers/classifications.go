package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/netwall-io/netwall/pkg/classify"
	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// ClassificationHandler manages the zone/interface side assignments
// that decide which end of a flow is "inside".
type ClassificationHandler struct {
	store      *store.Store
	classifier *classify.Classifier
}

// NewClassificationHandler creates a classification handler.
func NewClassificationHandler(st *store.Store, class *classify.Classifier) *ClassificationHandler {
	return &ClassificationHandler{store: st, classifier: class}
}

// List returns the classification rules for a device.
// GET /api/classifications
func (h *ClassificationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	devices, err := resolveDevices(ctx, h.store, r)
	if err != nil {
		WriteError(w, err)
		return
	}
	rules, err := h.store.ListClassifications(ctx, devices)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rules)
}

type classificationPayload struct {
	Device   string `json:"device"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Side     string `json:"side"`
	Priority int    `json:"priority"`
}

// Upsert creates or updates a rule. For an HA selector the rule is
// written to every member device.
// POST /api/classifications
func (h *ClassificationHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload classificationPayload
	if err := decodeBody(r, &payload); err != nil {
		WriteError(w, err)
		return
	}
	if payload.Kind != model.ClassKindZone && payload.Kind != model.ClassKindInterface {
		WriteDetail(w, http.StatusBadRequest, "kind must be zone or interface")
		return
	}
	if !model.ValidSide(payload.Side) {
		WriteDetail(w, http.StatusBadRequest, "side must be inside, outside, remote or unknown")
		return
	}
	name := strings.TrimSpace(payload.Name)
	if name == "" || payload.Device == "" {
		WriteDetail(w, http.StatusBadRequest, "device and name are required")
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

	var first *model.Classification
	for _, dev := range devices {
		stored, err := h.store.UpsertClassification(ctx, &model.Classification{
			Device:   dev,
			Kind:     payload.Kind,
			Name:     name,
			Side:     payload.Side,
			Priority: payload.Priority,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		if first == nil {
			first = stored
		}
	}
	h.classifier.Invalidate()
	WriteJSON(w, http.StatusOK, first)
}

// Delete removes a rule by id.
// DELETE /api/classifications/{id}
func (h *ClassificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil {
		WriteDetail(w, http.StatusBadRequest, "invalid classification id")
		return
	}
	if err := h.store.DeleteClassification(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	h.classifier.Invalidate()
	WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Unclassified lists the zone and interface names traffic has been
// seen with but no rule covers, busiest first.
// GET /api/classifications/unclassified
func (h *ClassificationHandler) Unclassified(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	devices, err := resolveDevices(ctx, h.store, r)
	if err != nil {
		WriteError(w, err)
		return
	}
	names, err := h.store.ListUnclassified(ctx, devices)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, names)
}
