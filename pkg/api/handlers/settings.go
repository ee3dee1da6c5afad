package handlers

import (
	"net/http"
	"strings"

	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// SettingsHandler serves the persisted operator settings.
type SettingsHandler struct {
	store *store.Store
}

// NewSettingsHandler creates a settings handler.
func NewSettingsHandler(st *store.Store) *SettingsHandler {
	return &SettingsHandler{store: st}
}

// All returns every setting in one payload.
// GET /api/settings
func (h *SettingsHandler) All(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	retention, err := h.store.RetentionSettings(ctx)
	if err != nil {
		WriteError(w, err)
		return
	}
	locals, err := h.store.LocalNetworks(ctx)
	if err != nil {
		WriteError(w, err)
		return
	}
	dismissed, err := h.store.HADismissals(ctx)
	if err != nil {
		WriteError(w, err)
		return
	}
	if dismissed == nil {
		dismissed = model.HADismissals{}
	}
	cleanup, err := h.store.LastCleanup(ctx)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		model.SettingLogRetention:  retention,
		model.SettingLocalNetworks: locals,
		model.SettingHABanner:      dismissed,
		model.SettingLastCleanup:   cleanup,
	})
}

// GetRetention returns the log retention policy.
// GET /api/settings/log-retention
func (h *SettingsHandler) GetRetention(w http.ResponseWriter, r *http.Request) {
	retention, err := h.store.RetentionSettings(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, retention)
}

// PutRetention updates the log retention policy. keep_days must stay
// between 1 and 365.
// PUT /api/settings/log-retention
func (h *SettingsHandler) PutRetention(w http.ResponseWriter, r *http.Request) {
	var payload model.RetentionSettings
	if err := decodeBody(r, &payload); err != nil {
		WriteError(w, err)
		return
	}
	if err := payload.Validate(); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.store.PutSetting(r.Context(), model.SettingLogRetention, payload); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, payload)
}

// GetLocalNetworks returns the local-network CIDR filter.
// GET /api/settings/local-networks
func (h *SettingsHandler) GetLocalNetworks(w http.ResponseWriter, r *http.Request) {
	locals, err := h.store.LocalNetworks(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, locals)
}

// PutLocalNetworks replaces the local-network CIDR filter. CIDRs are
// normalized to their masked form; non-IPv4 entries are rejected.
// PUT /api/settings/local-networks
func (h *SettingsHandler) PutLocalNetworks(w http.ResponseWriter, r *http.Request) {
	var payload model.LocalNetworksSettings
	if err := decodeBody(r, &payload); err != nil {
		WriteError(w, err)
		return
	}
	normalized, err := payload.Normalize()
	if err != nil {
		WriteError(w, err)
		return
	}
	normalized.Enabled = payload.Enabled
	if err := h.store.PutSetting(r.Context(), model.SettingLocalNetworks, normalized); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, normalized)
}

type haBannerPayload struct {
	Base      string `json:"base"`
	Dismissed *bool  `json:"dismissed"`
}

// GetHABanner returns the dismissed HA candidate bases.
// GET /api/settings/ha-banner
func (h *SettingsHandler) GetHABanner(w http.ResponseWriter, r *http.Request) {
	dismissed, err := h.store.HADismissals(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	if dismissed == nil {
		dismissed = model.HADismissals{}
	}
	WriteJSON(w, http.StatusOK, dismissed)
}

// PutHABanner dismisses or restores the candidate banner for one HA
// base. dismissed defaults to true.
// PUT /api/settings/ha-banner
func (h *SettingsHandler) PutHABanner(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload haBannerPayload
	if err := decodeBody(r, &payload); err != nil {
		WriteError(w, err)
		return
	}
	base := strings.TrimSpace(payload.Base)
	if base == "" {
		WriteDetail(w, http.StatusBadRequest, "base is required")
		return
	}

	dismissed, err := h.store.HADismissals(ctx)
	if err != nil {
		WriteError(w, err)
		return
	}
	if payload.Dismissed == nil || *payload.Dismissed {
		dismissed = dismissed.Add(base)
	} else {
		kept := make(model.HADismissals, 0, len(dismissed))
		for _, b := range dismissed {
			if b != base {
				kept = append(kept, b)
			}
		}
		dismissed = kept
	}
	if err := h.store.PutSetting(ctx, model.SettingHABanner, dismissed); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, dismissed)
}
