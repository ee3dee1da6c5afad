package apiclient

// HACandidate is a detected but not yet enabled HA pair.
type HACandidate struct {
	Base           string `json:"base"`
	Primary        string `json:"master"`
	Secondary      string `json:"slave"`
	SuggestedLabel string `json:"suggested_label"`
}

// HAGroupResult is the response of enabling or disabling an HA group.
type HAGroupResult struct {
	OK      bool     `json:"ok"`
	Base    string   `json:"base"`
	Enabled bool     `json:"enabled"`
	Members []string `json:"members"`
}

// ListHACandidates returns suggested HA pairs the operator has neither
// enabled nor dismissed.
func (c *Client) ListHACandidates() ([]HACandidate, error) {
	return listResources[HACandidate](c, "/api/devices/ha-candidates")
}

// EnableHAGroup enables or disables the HA cluster with the given base
// name. Members are detected server-side from the observed devices.
func (c *Client) EnableHAGroup(base string, enabled bool) (*HAGroupResult, error) {
	body := map[string]any{"base": base, "enabled": enabled}
	return createResource[HAGroupResult](c, "/api/devices/groups/enable", body)
}
