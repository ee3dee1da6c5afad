package handlers

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/netwall-io/netwall/pkg/jobs"
	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// FirewallHandler serves the firewall management screen: the source
// list with data spans, per-firewall overrides, import history and
// purge.
type FirewallHandler struct {
	store *store.Store
	jobs  *jobs.Manager
}

// NewFirewallHandler creates a firewall handler.
func NewFirewallHandler(st *store.Store, jm *jobs.Manager) *FirewallHandler {
	return &FirewallHandler{store: st, jobs: jm}
}

// firewallSource describes where a firewall's data came from.
type firewallSource struct {
	Syslog       bool       `json:"syslog"`
	Import       bool       `json:"import"`
	LastImportTs *time.Time `json:"last_import_ts"`
	Display      []string   `json:"source_display"`
}

// firewallEntry is one row of the firewall list.
type firewallEntry struct {
	DeviceKey        string            `json:"device_key"`
	DisplayName      string            `json:"display_name"`
	Comment          *string           `json:"comment,omitempty"`
	Members          []string          `json:"members"`
	Enabled          bool              `json:"enabled"`
	OldestLog        *time.Time        `json:"oldest_log"`
	LatestLog        *time.Time        `json:"latest_log"`
	EventCount       int64             `json:"event_count"`
	Source           firewallSource    `json:"source"`
	IsImporting      bool              `json:"is_importing"`
	ActiveImportJobs []model.IngestJob `json:"active_import_jobs"`
}

// List returns every known firewall and enabled HA cluster with its
// data span, sources and active import jobs. Members of an enabled
// cluster are folded into the cluster row.
// GET /api/firewalls
func (h *FirewallHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

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
	claimed, err := h.store.EnabledHAMembership(ctx)
	if err != nil {
		WriteError(w, err)
		return
	}
	active, err := h.store.ListJobs(ctx, []string{model.JobStatusQueued, model.JobStatusRunning}, 0)
	if err != nil {
		WriteError(w, err)
		return
	}
	activeByDevice := make(map[string][]model.IngestJob)
	for _, job := range active {
		if job.Kind != model.JobKindImport || job.Device == nil {
			continue
		}
		activeByDevice[*job.Device] = append(activeByDevice[*job.Device], job)
	}

	out := make([]firewallEntry, 0, len(firewalls))
	for _, fw := range firewalls {
		if _, member := claimed[fw.DeviceKey]; member && !fw.IsHA() {
			continue
		}
		if fw.IsHA() && !fw.Enabled {
			continue
		}

		members := fw.Members
		if len(members) == 0 {
			members = []string{fw.DeviceKey}
		}
		span, err := h.store.EventSpanFor(ctx, members)
		if err != nil {
			WriteError(w, err)
			return
		}

		entry := firewallEntry{
			DeviceKey:        fw.DeviceKey,
			DisplayName:      fw.DisplayName,
			Members:          members,
			Enabled:          fw.Enabled,
			OldestLog:        span.Oldest,
			LatestLog:        span.Latest,
			EventCount:       span.Count,
			ActiveImportJobs: []model.IngestJob{},
			Source: firewallSource{
				Syslog:       fw.SourceSyslog,
				Import:       fw.SourceImport,
				LastImportTs: fw.LastImportTs,
				Display:      sourceDisplay(fw.SourceSyslog, fw.SourceImport),
			},
		}
		if o, ok := overrides[fw.DeviceKey]; ok {
			if o.DisplayName != nil && strings.TrimSpace(*o.DisplayName) != "" {
				entry.DisplayName = *o.DisplayName
			}
			entry.Comment = o.Comment
		}
		for _, m := range members {
			entry.ActiveImportJobs = append(entry.ActiveImportJobs, activeByDevice[m]...)
		}
		entry.IsImporting = len(entry.ActiveImportJobs) > 0
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool {
		li, lj := strings.ToLower(out[i].DisplayName), strings.ToLower(out[j].DisplayName)
		if li != lj {
			return li < lj
		}
		return out[i].DeviceKey < out[j].DeviceKey
	})
	WriteJSON(w, http.StatusOK, out)
}

// "Import wins": a firewall that was ever imported shows only IMPORT.
func sourceDisplay(syslog, imported bool) []string {
	switch {
	case imported:
		return []string{"IMPORT"}
	case syslog:
		return []string{"SYSLOG"}
	}
	return []string{"—"}
}

// GetOverride returns the operator override for one firewall, with
// null fields when none is set.
// GET /api/firewalls/{device_key}
func (h *FirewallHandler) GetOverride(w http.ResponseWriter, r *http.Request) {
	deviceKey := pathParam(r, "device_key")
	o, err := h.store.GetFirewallOverride(r.Context(), deviceKey)
	if err != nil {
		if model.IsNotFound(err) {
			WriteJSON(w, http.StatusOK, model.FirewallOverride{DeviceKey: deviceKey})
			return
		}
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, o)
}

type firewallOverridePayload struct {
	DisplayName string `json:"display_name"`
	Comment     string `json:"comment"`
	Enabled     *bool  `json:"enabled"`
}

// PutOverride sets the display name, comment and enabled flag for a
// firewall. The display name must be non-empty after trimming.
// PUT /api/firewalls/{device_key}
func (h *FirewallHandler) PutOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceKey := pathParam(r, "device_key")

	var payload firewallOverridePayload
	if err := decodeBody(r, &payload); err != nil {
		WriteError(w, err)
		return
	}
	displayName := strings.TrimSpace(payload.DisplayName)
	if displayName == "" {
		WriteDetail(w, http.StatusBadRequest, "display_name is required and cannot be empty")
		return
	}

	o := &model.FirewallOverride{
		DeviceKey:   deviceKey,
		DisplayName: &displayName,
		Comment:     optString(payload.Comment),
	}
	if err := h.store.UpsertFirewallOverride(ctx, o); err != nil {
		WriteError(w, err)
		return
	}
	if payload.Enabled != nil {
		if err := h.store.SetFirewallEnabled(ctx, deviceKey, *payload.Enabled); err != nil && !model.IsNotFound(err) {
			WriteError(w, err)
			return
		}
	}

	stored, err := h.store.GetFirewallOverride(ctx, deviceKey)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stored)
}

// ImportJobs lists the import history for one firewall, newest first.
// GET /api/firewalls/{device_key}/import-jobs
func (h *FirewallHandler) ImportJobs(w http.ResponseWriter, r *http.Request) {
	deviceKey := pathParam(r, "device_key")
	list, err := h.store.ListJobsForDevice(r.Context(), deviceKey, 50)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, list)
}

// Purge queues the destructive removal of everything a firewall ever
// produced. Returns 409 when another job is already active.
// POST /api/firewalls/{device_key}/purge
func (h *FirewallHandler) Purge(w http.ResponseWriter, r *http.Request) {
	deviceKey := pathParam(r, "device_key")
	job, err := h.jobs.SubmitPurge(r.Context(), deviceKey)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "job_id": job.ID})
}
