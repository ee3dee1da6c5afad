package apiclient

import (
	"net/url"
	"time"
)

// FirewallSource describes where a firewall's events came from.
type FirewallSource struct {
	Syslog       bool       `json:"syslog"`
	Import       bool       `json:"import"`
	LastImportTs *time.Time `json:"last_import_ts"`
	Display      []string   `json:"source_display"`
}

// Firewall is one row of the firewall list: a standalone device or an
// enabled HA group.
type Firewall struct {
	DeviceKey        string         `json:"device_key"`
	DisplayName      string         `json:"display_name"`
	Comment          *string        `json:"comment,omitempty"`
	Members          []string       `json:"members"`
	Enabled          bool           `json:"enabled"`
	OldestLog        *time.Time     `json:"oldest_log"`
	LatestLog        *time.Time     `json:"latest_log"`
	EventCount       int64          `json:"event_count"`
	Source           FirewallSource `json:"source"`
	IsImporting      bool           `json:"is_importing"`
	ActiveImportJobs []IngestJob    `json:"active_import_jobs"`
}

// FirewallOverride is the stored per-firewall display settings.
type FirewallOverride struct {
	DeviceKey   string    `json:"device_key"`
	DisplayName *string   `json:"display_name,omitempty"`
	Comment     *string   `json:"comment,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UpdateFirewallRequest is the payload for UpdateFirewall.
type UpdateFirewallRequest struct {
	DisplayName string `json:"display_name"`
	Comment     string `json:"comment"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// PurgeResult is the response of a purge submission.
type PurgeResult struct {
	OK    bool   `json:"ok"`
	JobID string `json:"job_id"`
}

// ListFirewalls returns all observed firewalls and enabled HA groups.
func (c *Client) ListFirewalls() ([]Firewall, error) {
	return listResources[Firewall](c, "/api/firewalls")
}

// GetFirewallOverride returns the stored display settings for a device.
func (c *Client) GetFirewallOverride(deviceKey string) (*FirewallOverride, error) {
	return getResource[FirewallOverride](c, resourcePath("/api/firewalls/%s", url.PathEscape(deviceKey)))
}

// UpdateFirewall sets the display name, comment and enabled flag of a
// firewall or HA group.
func (c *Client) UpdateFirewall(deviceKey string, req UpdateFirewallRequest) (*FirewallOverride, error) {
	return updateResource[FirewallOverride](c, resourcePath("/api/firewalls/%s", url.PathEscape(deviceKey)), req)
}

// ListImportJobs returns the recent import jobs of a firewall.
func (c *Client) ListImportJobs(deviceKey string) ([]IngestJob, error) {
	return listResources[IngestJob](c, resourcePath("/api/firewalls/%s/import-jobs", url.PathEscape(deviceKey)))
}

// PurgeFirewall queues a job deleting all stored data of a firewall.
func (c *Client) PurgeFirewall(deviceKey string) (*PurgeResult, error) {
	return createResource[PurgeResult](c, resourcePath("/api/firewalls/%s/purge", url.PathEscape(deviceKey)), nil)
}
