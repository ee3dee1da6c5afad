package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/netwall-io/netwall/pkg/ha"
	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// DeviceHandler serves the firewall selector: observed devices, HA
// candidates and the enabled group list the frontend picks a source
// from.
type DeviceHandler struct {
	store *store.Store
}

// NewDeviceHandler creates a device handler.
func NewDeviceHandler(st *store.Store) *DeviceHandler {
	return &DeviceHandler{store: st}
}

// DeviceGroup is one selectable source: a single firewall or an
// enabled HA cluster.
type DeviceGroup struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Kind    string   `json:"kind"`
	Members []string `json:"members"`
}

// List returns the distinct device names observed in parsed events.
// GET /api/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.ListEventDevices(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, devices)
}

// Groups returns the selectable sources: every observed device that is
// not claimed by an enabled HA cluster, plus the enabled clusters
// themselves. Display-name overrides win over learned names.
// GET /api/devices/groups
func (h *DeviceHandler) Groups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	devices, err := h.store.ListEventDevices(ctx)
	if err != nil {
		WriteError(w, err)
		return
	}
	firewalls, err := h.store.ListFirewalls(ctx)
	if err != nil {
		WriteError(w, err)
		return
	}
	overrides, err := h.store.ListFirewallOverrides(ctx)
	if err != nil {
		WriteError(w, err)
		return
	}

	claimed := make(map[string]bool)
	groups := make([]DeviceGroup, 0, len(devices))
	for _, fw := range firewalls {
		if !fw.IsHA() || !fw.Enabled {
			continue
		}
		for _, m := range fw.Members {
			claimed[m] = true
		}
		label := fw.DisplayName
		if o, ok := overrides[fw.DeviceKey]; ok && o.DisplayName != nil && *o.DisplayName != "" {
			label = *o.DisplayName
		}
		groups = append(groups, DeviceGroup{
			ID:      fw.DeviceKey,
			Label:   label,
			Kind:    "ha",
			Members: fw.Members,
		})
	}

	for _, d := range devices {
		if claimed[d] {
			continue
		}
		label := d
		if o, ok := overrides[d]; ok && o.DisplayName != nil && *o.DisplayName != "" {
			label = *o.DisplayName
		}
		groups = append(groups, DeviceGroup{ID: d, Label: label, Kind: "single", Members: []string{d}})
	}

	sort.Slice(groups, func(i, j int) bool {
		li, lj := strings.ToLower(groups[i].Label), strings.ToLower(groups[j].Label)
		if li != lj {
			return li < lj
		}
		return groups[i].ID < groups[j].ID
	})
	WriteJSON(w, http.StatusOK, groups)
}

// HACandidates returns detected but not yet enabled HA pairs, minus
// the ones whose banner the operator dismissed.
// GET /api/devices/ha-candidates
func (h *DeviceHandler) HACandidates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	firewalls, err := h.store.ListFirewalls(ctx)
	if err != nil {
		WriteError(w, err)
		return
	}
	dismissed, err := h.store.HADismissals(ctx)
	if err != nil {
		WriteError(w, err)
		return
	}

	enabled := make(map[string]bool)
	lastSeen := make(map[string]time.Time)
	for _, fw := range firewalls {
		if fw.IsHA() {
			if fw.Enabled {
				enabled[fw.HABase()] = true
			}
			continue
		}
		lastSeen[fw.DeviceKey] = fw.LastSeen
	}

	candidates := make([]ha.Candidate, 0)
	for _, c := range ha.Candidates(lastSeen) {
		if enabled[c.Base] || dismissed.Contains(c.Base) {
			continue
		}
		candidates = append(candidates, c)
	}
	WriteJSON(w, http.StatusOK, candidates)
}

// EnableGroup enables or disables an HA cluster. Members come from the
// observed devices matching the base; a group enabled before any
// traffic falls back to the conventional names.
// POST /api/devices/groups/enable
func (h *DeviceHandler) EnableGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Base    string `json:"base"`
		Enabled *bool  `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	base := strings.TrimSpace(body.Base)
	if base == "" {
		WriteError(w, fmt.Errorf("%w: base is required", model.ErrValidation))
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	members, err := h.detectMembers(r, base)
	if err != nil {
		WriteError(w, err)
		return
	}

	fw, err := h.store.UpsertHAGroup(ctx, base, members, enabled)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"base":    base,
		"enabled": fw.Enabled,
		"members": fw.Members,
	})
}

// RenameGroup sets the display name of an HA cluster.
// POST /api/devices/groups/rename
func (h *DeviceHandler) RenameGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Base  string `json:"base"`
		Label string `json:"label"`
	}
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	base := strings.TrimSpace(body.Base)
	label := strings.TrimSpace(body.Label)
	if base == "" {
		WriteError(w, fmt.Errorf("%w: base is required", model.ErrValidation))
		return
	}
	if label == "" {
		WriteError(w, fmt.Errorf("%w: label is required", model.ErrValidation))
		return
	}

	if err := h.store.SetFirewallDisplayName(r.Context(), ha.GroupKey(base), label); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "base": base, "label": label})
}

// detectMembers finds the observed device names carrying the base with
// a recognized HA suffix.
func (h *DeviceHandler) detectMembers(r *http.Request, base string) ([]string, error) {
	devices, err := h.store.ListEventDevices(r.Context())
	if err != nil {
		return nil, err
	}

	var primary, secondary string
	for _, d := range devices {
		b, role, ok := ha.SplitSuffix(d)
		if !ok || b != base {
			continue
		}
		switch role {
		case ha.RolePrimary:
			primary = d
		case ha.RoleSecondary:
			secondary = d
		}
	}
	if primary == "" && secondary == "" {
		return ha.DefaultMembers(base), nil
	}
	members := make([]string, 0, 2)
	if primary != "" {
		members = append(members, primary)
	}
	if secondary != "" {
		members = append(members, secondary)
	}
	return members, nil
}
