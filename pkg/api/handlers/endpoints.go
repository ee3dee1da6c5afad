package handlers

import (
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/netwall-io/netwall/pkg/ingest/parser"
	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// EndpointHandler serves the device inventory screen: the paginated
// known-endpoint table and the per-MAC detail with manual overrides.
type EndpointHandler struct {
	store *store.Store
}

// NewEndpointHandler creates an endpoint handler.
func NewEndpointHandler(st *store.Store) *EndpointHandler {
	return &EndpointHandler{store: st}
}

// Known lists endpoints for the inventory table with paging, search
// and sorting. local_only restricts to the configured local CIDRs and
// always drops NAT-translated addresses.
// GET /api/endpoints/known
func (h *EndpointHandler) Known(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	devices, err := resolveDevices(ctx, h.store, r)
	if err != nil {
		WriteError(w, err)
		return
	}

	q := store.KnownEndpointsQuery{
		Devices:  devices,
		Page:     intParam(r, "page", 1),
		PageSize: intParam(r, "page_size", 20),
		Search:   r.URL.Query().Get("search"),
		SortBy:   r.URL.Query().Get("sort_by"),
		SortDir:  r.URL.Query().Get("sort_dir"),
	}
	if boolParam(r, "local_only") {
		q.LocalOnly = true
		q.ExcludeNATIPs = true
		q.LocalNetworks, err = h.localPrefixes(r)
		if err != nil {
			WriteError(w, err)
			return
		}
	}

	page, err := h.store.KnownEndpoints(ctx, q)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
}

func (h *EndpointHandler) localPrefixes(r *http.Request) ([]netip.Prefix, error) {
	settings, err := h.store.LocalNetworks(r.Context())
	if err != nil {
		return nil, err
	}
	cidrs := settings.CIDRs
	if len(cidrs) == 0 {
		cidrs = model.DefaultLocalNetworks()
	}
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			continue
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

// identityFields is the auto/override field set shown on the detail
// card. Nil means unset.
type identityFields struct {
	Hostname *string `json:"hostname"`
	Vendor   *string `json:"vendor"`
	HWType   *string `json:"hwtype"`
	OSType   *string `json:"ostype"`
	Brand    *string `json:"brand"`
	Model    *string `json:"model"`
}

type endpointDetail struct {
	IP        *string        `json:"ip"`
	MAC       string         `json:"mac"`
	Label     string         `json:"label"`
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
	SeenCount int64          `json:"seen_count"`
	Auto      identityFields `json:"auto"`
	Override  struct {
		identityFields
		Note *string `json:"note"`
	} `json:"override"`
}

// Detail returns learned identity and the manual override for a MAC.
// GET /api/device-inventory/{mac}
func (h *EndpointHandler) Detail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	devices, err := resolveDevices(ctx, h.store, r)
	if err != nil {
		WriteError(w, err)
		return
	}
	mac := parser.NormalizeMAC(pathParam(r, "mac"))
	if mac == "" {
		WriteDetail(w, http.StatusBadRequest, "invalid or empty MAC")
		return
	}

	ep, err := h.store.FindEndpointByMAC(ctx, devices, mac)
	if err != nil {
		WriteError(w, err)
		return
	}
	seen, err := h.store.CountEventSightings(ctx, devices, mac)
	if err != nil {
		WriteError(w, err)
		return
	}

	detail := endpointDetail{
		IP:        ep.IP,
		MAC:       mac,
		Label:     endpointLabel(ep, derefOr(ep.IP, mac)),
		FirstSeen: ep.FirstSeen,
		LastSeen:  ep.LastSeen,
		SeenCount: seen,
		Auto: identityFields{
			Hostname: ep.Hostname,
			Vendor:   ep.Vendor,
			HWType:   ep.HWType,
			OSType:   ep.OSType,
			Brand:    ep.Brand,
			Model:    ep.Model,
		},
	}

	override, err := h.store.GetOverride(ctx, mac)
	if err != nil && !model.IsNotFound(err) {
		WriteError(w, err)
		return
	}
	if override != nil {
		detail.Override.Hostname = override.Hostname
		detail.Override.Vendor = override.Vendor
		detail.Override.HWType = override.HWType
		detail.Override.OSType = override.OSType
		detail.Override.Brand = override.Brand
		detail.Override.Model = override.Model
		detail.Override.Note = override.Note
	}
	WriteJSON(w, http.StatusOK, detail)
}

type overridePayload struct {
	Override struct {
		Hostname string `json:"hostname"`
		Vendor   string `json:"vendor"`
		HWType   string `json:"hwtype"`
		OSType   string `json:"ostype"`
		Brand    string `json:"brand"`
		Model    string `json:"model"`
		Note     string `json:"note"`
	} `json:"override"`
}

const maxOverrideNoteLen = 2000

// PutOverride upserts the manual identity override for a MAC. Empty
// fields clear the corresponding override so learned data shows again.
// PUT /api/device-inventory/{mac}
func (h *EndpointHandler) PutOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mac := parser.NormalizeMAC(pathParam(r, "mac"))
	if mac == "" {
		WriteDetail(w, http.StatusBadRequest, "invalid or empty MAC")
		return
	}

	var payload overridePayload
	if err := decodeBody(r, &payload); err != nil {
		WriteError(w, err)
		return
	}
	if len(payload.Override.Note) > maxOverrideNoteLen {
		WriteDetail(w, http.StatusBadRequest, "note must be 2000 characters or fewer")
		return
	}

	o := &model.EndpointOverride{
		MAC:      mac,
		Hostname: optString(payload.Override.Hostname),
		Vendor:   optString(payload.Override.Vendor),
		HWType:   optString(payload.Override.HWType),
		OSType:   optString(payload.Override.OSType),
		Brand:    optString(payload.Override.Brand),
		Model:    optString(payload.Override.Model),
		Note:     optString(payload.Override.Note),
	}
	if o.Hostname == nil && o.Vendor == nil && o.HWType == nil && o.OSType == nil &&
		o.Brand == nil && o.Model == nil && o.Note == nil {
		// All fields cleared: drop the override row entirely.
		if err := h.store.DeleteOverride(ctx, mac); err != nil && !model.IsNotFound(err) {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "mac": mac, "cleared": true})
		return
	}
	if err := h.store.UpsertOverride(ctx, o); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "mac": mac})
}

// optString converts an incoming form value to its stored shape:
// whitespace-only collapses to nil.
func optString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
