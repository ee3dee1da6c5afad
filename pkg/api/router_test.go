package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netwall-io/netwall/pkg/api"
	"github.com/netwall-io/netwall/pkg/classify"
	"github.com/netwall-io/netwall/pkg/graph"
	"github.com/netwall-io/netwall/pkg/ingest"
	"github.com/netwall-io/netwall/pkg/jobs"
	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// newTestAPI wires the full router over a fresh SQLite store. The jobs
// manager is constructed but never started, so submitted jobs stay
// queued and handler responses are deterministic.
func newTestAPI(t *testing.T) (http.Handler, *store.Store) {
	t.Helper()

	cfg := &store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "netwall.db")},
	}
	st, err := store.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	class := classify.New(st, "zone")
	jm := jobs.NewManager(st, class, nil, jobs.Options{UploadDir: t.TempDir()})

	router := api.NewRouter(api.APIConfig{}, api.Deps{
		Store:      st,
		Classifier: class,
		Jobs:       jm,
		Stats:      ingest.NewStats(),
		Graph:      graph.New(st, class),
	})
	return router, st
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func seedEvents(t *testing.T, st *store.Store, device string, n int) {
	t.Helper()

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	batch := &store.Batch{}
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		srcIP := fmt.Sprintf("192.168.1.%d", 10+i)
		srcMAC := fmt.Sprintf("00-11-22-33-44-%02X", i)
		destIP := "203.0.113.9"
		zone := "lan"
		eventType := model.EventConnOpen
		proto := "TCP"
		side := model.SideInside
		batch.Events = append(batch.Events, model.Event{
			TsUTC:     ts,
			Device:    device,
			EventType: &eventType,
			Proto:     &proto,
			SrcIP:     &srcIP,
			SrcMAC:    &srcMAC,
			DestIP:    &destIP,
			RecvZone:  &zone,
		})
		batch.Endpoints = append(batch.Endpoints, store.EndpointObservation{
			EndpointID: model.EndpointIDForMAC(srcMAC),
			DeviceKey:  device,
			IP:         &srcIP,
			MAC:        &srcMAC,
			Side:       &side,
			Zone:       &zone,
			Ts:         ts,
		})
	}
	batch.Firewalls = append(batch.Firewalls, store.FirewallObservation{
		DeviceKey: device,
		Source:    model.FirewallSourceSyslog,
		Ts:        base,
	})
	require.NoError(t, st.WriteBatch(context.Background(), batch))
}

func TestRouter_Health(t *testing.T) {
	t.Parallel()
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_DevicesAndZones(t *testing.T) {
	t.Parallel()
	router, st := newTestAPI(t)
	seedEvents(t, st, "fw-office", 3)

	rec := doJSON(t, router, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var devices []string
	decodeInto(t, rec, &devices)
	assert.Equal(t, []string{"fw-office"}, devices)

	rec = doJSON(t, router, http.MethodGet, "/api/zones?device=fw-office", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var zones []string
	decodeInto(t, rec, &zones)
	assert.Contains(t, zones, "lan")

	// Missing device parameter is a validation error.
	rec = doJSON(t, router, http.MethodGet, "/api/zones", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "detail")
}

func TestRouter_SettingsRoundTrip(t *testing.T) {
	t.Parallel()
	router, _ := newTestAPI(t)

	// Defaults before anything is written.
	rec := doJSON(t, router, http.MethodGet, "/api/settings/log-retention", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var retention model.RetentionSettings
	decodeInto(t, rec, &retention)
	assert.False(t, retention.Enabled)
	assert.Equal(t, model.RetentionDefaultDays, retention.KeepDays)

	rec = doJSON(t, router, http.MethodPut, "/api/settings/log-retention",
		model.RetentionSettings{Enabled: true, KeepDays: 14})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/settings/log-retention", nil)
	decodeInto(t, rec, &retention)
	assert.True(t, retention.Enabled)
	assert.Equal(t, 14, retention.KeepDays)

	// Out-of-range keep_days is rejected.
	rec = doJSON(t, router, http.MethodPut, "/api/settings/log-retention",
		model.RetentionSettings{Enabled: true, KeepDays: 1000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_LocalNetworksNormalized(t *testing.T) {
	t.Parallel()
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodPut, "/api/settings/local-networks",
		model.LocalNetworksSettings{Enabled: true, CIDRs: []string{"192.168.1.17/24"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var locals model.LocalNetworksSettings
	decodeInto(t, rec, &locals)
	assert.Equal(t, []string{"192.168.1.0/24"}, locals.CIDRs, "host bits cleared")

	rec = doJSON(t, router, http.MethodPut, "/api/settings/local-networks",
		model.LocalNetworksSettings{CIDRs: []string{"not-a-cidr"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_RouterMACs(t *testing.T) {
	t.Parallel()
	router, st := newTestAPI(t)
	seedEvents(t, st, "fw-edge", 2)

	rec := doJSON(t, router, http.MethodPost, "/api/router-macs", map[string]any{
		"device":    "fw-edge",
		"mac":       "aa:bb:cc:dd:ee:ff",
		"direction": "both",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var rule model.RouterMACRule
	decodeInto(t, rec, &rule)
	assert.Equal(t, "AA-BB-CC-DD-EE-FF", rule.MAC, "MAC normalized to dash form")
	assert.Equal(t, "fw-edge", rule.DeviceKey)

	rec = doJSON(t, router, http.MethodGet, "/api/router-macs?device=fw-edge", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []model.RouterMACRule
	decodeInto(t, rec, &rules)
	require.Len(t, rules, 1)

	rec = doJSON(t, router, http.MethodPost, "/api/router-macs", map[string]any{
		"device":    "fw-edge",
		"mac":       "aa:bb:cc:dd:ee:ff",
		"direction": "sideways",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, fmt.Sprintf("/api/router-macs/%d", rules[0].ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/router-macs/99999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_IngestUploadAndJobs(t *testing.T) {
	t.Parallel()
	router, _ := newTestAPI(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "fw.log")
	require.NoError(t, err)
	_, err = part.Write([]byte("Mar 10 12:00:00 fw-lab EFW: CONN:\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/ingest/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created struct {
		OK    bool   `json:"ok"`
		JobID string `json:"job_id"`
		Name  string `json:"filename"`
		Size  int64  `json:"size_bytes"`
	}
	decodeInto(t, rec, &created)
	assert.True(t, created.OK)
	assert.NotEmpty(t, created.JobID)
	assert.Equal(t, "fw.log", created.Name)
	assert.Greater(t, created.Size, int64(0))

	rec = doJSON(t, router, http.MethodGet, "/api/ingest/jobs/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job model.IngestJob
	decodeInto(t, rec, &job)
	assert.Equal(t, model.JobKindImport, job.Kind)
	assert.Equal(t, model.JobStatusQueued, job.Status)

	// Deleting a queued job conflicts; cancel it first.
	rec = doJSON(t, router, http.MethodDelete, "/api/ingest/jobs/"+created.JobID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/ingest/jobs/"+created.JobID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/ingest/jobs/unknown-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_StatsAndMaintenance(t *testing.T) {
	t.Parallel()
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/stats/db", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats store.DBStats
	decodeInto(t, rec, &stats)
	assert.Equal(t, string(store.DatabaseTypeSQLite), stats.Backend)

	rec = doJSON(t, router, http.MethodGet, "/api/maintenance/cleanup/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String(), "no cleanup has run yet")

	rec = doJSON(t, router, http.MethodPost, "/api/maintenance/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cleanup struct {
		OK    bool   `json:"ok"`
		JobID string `json:"job_id"`
	}
	decodeInto(t, rec, &cleanup)
	assert.True(t, cleanup.OK)
	assert.NotEmpty(t, cleanup.JobID)

	// A second trigger while the first is queued reports skipped.
	rec = doJSON(t, router, http.MethodPost, "/api/maintenance/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"skipped":true`)
}

func TestRouter_HABannerDismissal(t *testing.T) {
	t.Parallel()
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodPut, "/api/settings/ha-banner",
		map[string]any{"base": "fw-cluster"})
	require.Equal(t, http.StatusOK, rec.Code)
	var dismissed []string
	decodeInto(t, rec, &dismissed)
	assert.Equal(t, []string{"fw-cluster"}, dismissed)

	rec = doJSON(t, router, http.MethodPut, "/api/settings/ha-banner",
		map[string]any{"base": "fw-cluster", "dismissed": false})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &dismissed)
	assert.Empty(t, dismissed)

	rec = doJSON(t, router, http.MethodPut, "/api/settings/ha-banner", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_EndpointObservedList(t *testing.T) {
	t.Parallel()
	router, st := newTestAPI(t)
	seedEvents(t, st, "fw-office", 2)

	rec := doJSON(t, router, http.MethodGet,
		"/api/endpoints/list?device=fw-office&has_mac=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []struct {
		ID  string  `json:"id"`
		IP  string  `json:"ip"`
		MAC *string `json:"mac"`
	}
	decodeInto(t, rec, &entries)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotEmpty(t, e.ID)
		require.NotNil(t, e.MAC)
	}
}

func TestRouter_FirewallOverrideAndCandidates(t *testing.T) {
	t.Parallel()
	router, st := newTestAPI(t)
	seedEvents(t, st, "branch_Master", 2)
	seedEvents(t, st, "branch_Slave", 2)

	rec := doJSON(t, router, http.MethodGet, "/api/devices/ha-candidates", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var candidates []struct {
		Base           string `json:"base"`
		Primary        string `json:"master"`
		Secondary      string `json:"slave"`
		SuggestedLabel string `json:"suggested_label"`
	}
	decodeInto(t, rec, &candidates)
	require.Len(t, candidates, 1)
	assert.Equal(t, "branch", candidates[0].Base)
	assert.Equal(t, "branch_Master", candidates[0].Primary)
	assert.Equal(t, "branch_Slave", candidates[0].Secondary)

	rec = doJSON(t, router, http.MethodPut, "/api/firewalls/branch_Master", map[string]any{
		"display_name": "Branch office",
		"comment":      "rack 2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/firewalls", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []struct {
		DeviceKey   string `json:"device_key"`
		DisplayName string `json:"display_name"`
		EventCount  int64  `json:"event_count"`
	}
	decodeInto(t, rec, &list)
	require.Len(t, list, 2)
	byKey := make(map[string]string, len(list))
	for _, fw := range list {
		byKey[fw.DeviceKey] = fw.DisplayName
	}
	assert.Equal(t, "Branch office", byKey["branch_Master"])

	// Purge queues a deletion job; the unstarted manager leaves it queued.
	rec = doJSON(t, router, http.MethodPost, "/api/firewalls/branch_Slave/purge", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var purged struct {
		OK    bool   `json:"ok"`
		JobID string `json:"job_id"`
	}
	decodeInto(t, rec, &purged)
	assert.True(t, purged.OK)
	assert.NotEmpty(t, purged.JobID)
}

func TestRouter_UnknownRoute(t *testing.T) {
	t.Parallel()
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
