package apiclient

import "time"

// IngestStats is the live ingest counter snapshot.
type IngestStats struct {
	UDPPackets   int64      `json:"udp_packets"`
	UDPBytes     int64      `json:"udp_bytes"`
	Lines        int64      `json:"lines"`
	QueueDropped int64      `json:"queue_dropped"`
	RecordsTotal int64      `json:"records_total"`
	RecordsOK    int64      `json:"records_ok"`
	ParseErr     int64      `json:"parse_err"`
	FilteredID   int64      `json:"filtered_id"`
	DBRawLogs    int64      `json:"db_raw_logs"`
	DBEvents     int64      `json:"db_events"`
	LastUpdated  *time.Time `json:"last_updated"`
}

// DBStats reports row counts and the age span of stored data.
type DBStats struct {
	Backend        string     `json:"db_type"`
	RawLogsCount   int64      `json:"raw_logs_count"`
	EventsCount    int64      `json:"events_count"`
	FlowsCount     int64      `json:"flows_count"`
	EndpointsCount int64      `json:"endpoints_count"`
	OldestEventTs  *time.Time `json:"oldest_event_ts,omitempty"`
	NewestEventTs  *time.Time `json:"newest_event_ts,omitempty"`
	FileSizeBytes  *int64     `json:"db_file_size_bytes,omitempty"`
}

// Health checks the server health endpoint.
func (c *Client) Health() error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.get("/health", &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return &APIError{StatusCode: 503, Detail: "server reported status " + resp.Status}
	}
	return nil
}

// Stats returns the live ingest counters.
func (c *Client) Stats() (*IngestStats, error) {
	return getResource[IngestStats](c, "/api/stats")
}

// DBStats returns database row counts and data age.
func (c *Client) DBStats() (*DBStats, error) {
	return getResource[DBStats](c, "/api/stats/db")
}
