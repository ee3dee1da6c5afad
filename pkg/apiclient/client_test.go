package apiclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	client := New("http://localhost:8080")
	assert.NotNil(t, client)
	assert.Equal(t, "http://localhost:8080", client.baseURL)
}

func TestDoWithSuccess(t *testing.T) {
	type Response struct {
		Message string `json:"message"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(Response{Message: "success"})
	}))
	defer server.Close()

	client := New(server.URL)

	var resp Response
	err := client.get("/test", &resp)
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Message)
}

func TestDoWithAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "unknown device"})
	}))
	defer server.Close()

	client := New(server.URL)
	err := client.get("/test", nil)
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "unknown device", apiErr.Detail)
	assert.True(t, apiErr.IsNotFound())
	assert.False(t, apiErr.IsConflict())
}

func TestDoWithNonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	client := New(server.URL)
	err := client.get("/test", nil)
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Detail)
}

func TestListFirewalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/firewalls", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[{"device_key":"ha:fw1","display_name":"Edge","members":["fw1-a","fw1-b"],"enabled":true,"event_count":42,"source":{"syslog":true,"import":false,"source_display":["SYSLOG"]}}]`))
	}))
	defer server.Close()

	client := New(server.URL)
	firewalls, err := client.ListFirewalls()
	require.NoError(t, err)
	require.Len(t, firewalls, 1)
	assert.Equal(t, "ha:fw1", firewalls[0].DeviceKey)
	assert.Equal(t, "Edge", firewalls[0].DisplayName)
	assert.Equal(t, []string{"fw1-a", "fw1-b"}, firewalls[0].Members)
	assert.True(t, firewalls[0].Source.Syslog)
	assert.Equal(t, int64(42), firewalls[0].EventCount)
}

func TestHACandidatesAndEnable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/devices/ha-candidates":
			assert.Equal(t, http.MethodGet, r.Method)
			_, _ = w.Write([]byte(`[{"base":"branch","master":"branch_Master","slave":"branch_Slave","suggested_label":"branch (HA)"}]`))
		case "/api/devices/groups/enable":
			assert.Equal(t, http.MethodPost, r.Method)
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "branch", body["base"])
			assert.Equal(t, true, body["enabled"])
			_, _ = w.Write([]byte(`{"ok":true,"base":"branch","enabled":true,"members":["branch_Master","branch_Slave"]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := New(server.URL)
	candidates, err := client.ListHACandidates()
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "branch", candidates[0].Base)
	assert.Equal(t, "branch_Master", candidates[0].Primary)
	assert.Equal(t, "branch (HA)", candidates[0].SuggestedLabel)

	result, err := client.EnableHAGroup("branch", true)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, []string{"branch_Master", "branch_Slave"}, result.Members)
}

func TestCancelJobEscapesID(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true,"job_id":"abc"}`))
	}))
	defer server.Close()

	client := New(server.URL)
	require.NoError(t, client.CancelJob("abc"))
	assert.Equal(t, "/api/ingest/jobs/abc/cancel", gotPath)
}

func TestPostWithBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)

		var req RetentionSettings
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, 14, req.KeepDays)
		assert.True(t, req.Enabled)

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(req)
	}))
	defer server.Close()

	client := New(server.URL)
	got, err := client.SetRetention(RetentionSettings{Enabled: true, KeepDays: 14})
	require.NoError(t, err)
	assert.Equal(t, 14, got.KeepDays)
}

func TestCleanupSummaryNull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("null\n"))
	}))
	defer server.Close()

	client := New(server.URL)
	summary, err := client.CleanupSummary()
	require.NoError(t, err)
	assert.Nil(t, summary)
}
