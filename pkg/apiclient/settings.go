package apiclient

// RetentionSettings is the log retention window.
type RetentionSettings struct {
	Enabled  bool `json:"enabled"`
	KeepDays int  `json:"keep_days"`
}

// LocalNetworksSettings is the local-network CIDR filter.
type LocalNetworksSettings struct {
	Enabled bool     `json:"enabled"`
	CIDRs   []string `json:"cidrs"`
}

// GetRetention returns the current retention settings.
func (c *Client) GetRetention() (*RetentionSettings, error) {
	return getResource[RetentionSettings](c, "/api/settings/log-retention")
}

// SetRetention updates the retention settings.
func (c *Client) SetRetention(settings RetentionSettings) (*RetentionSettings, error) {
	return updateResource[RetentionSettings](c, "/api/settings/log-retention", settings)
}

// GetLocalNetworks returns the local-network filter settings.
func (c *Client) GetLocalNetworks() (*LocalNetworksSettings, error) {
	return getResource[LocalNetworksSettings](c, "/api/settings/local-networks")
}

// SetLocalNetworks updates the local-network filter settings.
func (c *Client) SetLocalNetworks(settings LocalNetworksSettings) (*LocalNetworksSettings, error) {
	return updateResource[LocalNetworksSettings](c, "/api/settings/local-networks", settings)
}
