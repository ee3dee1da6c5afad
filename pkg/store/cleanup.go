package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/netwall-io/netwall/internal/logger"
)

// One retention DELETE never touches more rows than this, so the write
// lock stays short and live ingest keeps flowing during cleanup.
const retentionDeleteBatchSize = 50000

// SyslogOnlyFirewalls returns the device keys eligible for retention:
// sources fed purely by live syslog. A firewall that ever received an
// import keeps its data until the operator purges it.
func (s *Store) SyslogOnlyFirewalls(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys, s.rebind(
		"SELECT device_key FROM firewalls WHERE source_syslog = ? AND source_import = ? ORDER BY device_key ASC"),
		true, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list syslog-only firewalls: %w", err)
	}
	return keys, nil
}

// DeleteEventsBefore removes events for the given devices older than
// cutoff, in bounded batches, and returns the total rows deleted.
func (s *Store) DeleteEventsBefore(ctx context.Context, devices []string, cutoff time.Time) (int64, error) {
	return s.deleteOldRows(ctx, "events", devices, cutoff)
}

// DeleteRawLogsBefore removes raw log lines for the given devices older
// than cutoff, in bounded batches, and returns the total rows deleted.
func (s *Store) DeleteRawLogsBefore(ctx context.Context, devices []string, cutoff time.Time) (int64, error) {
	return s.deleteOldRows(ctx, "raw_logs", devices, cutoff)
}

func (s *Store) deleteOldRows(ctx context.Context, table string, devices []string, cutoff time.Time) (int64, error) {
	if len(devices) == 0 {
		return 0, nil
	}

	// LIMIT is not allowed on a bare DELETE in either dialect, so the
	// batch bound goes through an id subquery.
	template := fmt.Sprintf(`
		DELETE FROM %[1]s WHERE id IN (
			SELECT id FROM %[1]s WHERE device IN (?) AND ts_utc < ? LIMIT %[2]d
		)`, table, retentionDeleteBatchSize)

	query, args, err := sqlx.In(template, devices, msOf(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to build %s cleanup query: %w", table, err)
	}
	query = s.rebind(query)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var n int64
		err := withRetry(ctx, func() error {
			res, err := s.db.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to delete old %s: %w", table, err)
			}
			n, err = res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read %s cleanup result: %w", table, err)
			}
			return nil
		})
		if err != nil {
			return total, err
		}

		total += n
		if n < retentionDeleteBatchSize {
			return total, nil
		}
	}
}

// Vacuum reclaims the space bulk deletes left behind. SQLite rewrites
// the database file; PostgreSQL also refreshes planner statistics.
// Must run outside any transaction, which plain Exec guarantees.
func (s *Store) Vacuum(ctx context.Context) error {
	var stmt string
	switch s.config.Type {
	case DatabaseTypeSQLite:
		stmt = "VACUUM"
	case DatabaseTypePostgres:
		stmt = "VACUUM (ANALYZE)"
	default:
		return nil
	}

	start := time.Now()
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	logger.Info("vacuum complete", "backend", string(s.config.Type), "took", time.Since(start))
	return nil
}

// PurgeDevice erases every trace of one firewall in a single
// transaction: flows, events, raw logs, endpoints, classification data,
// router MAC rules, the operator overrides and the inventory rows
// themselves. deviceKey is the selector the operator purged ("ha:x" or
// a plain name); members are the physical device names whose rows carry
// the data. Endpoint overrides are keyed by MAC alone and span
// firewalls, so they survive. Returns per-table deletion counts keyed
// "<table>_deleted".
func (s *Store) PurgeDevice(ctx context.Context, deviceKey string, members []string) (map[string]int64, error) {
	if len(members) == 0 {
		members = []string{deviceKey}
	}

	// The override and inventory rows may exist under both the selector
	// and the member names.
	ownerKeys := make([]string, 0, len(members)+1)
	ownerKeys = append(ownerKeys, members...)
	if !containsString(ownerKeys, deviceKey) {
		ownerKeys = append(ownerKeys, deviceKey)
	}

	counts := make(map[string]int64)
	deletes := []struct {
		label string
		query string
		keys  []string
	}{
		{"flows", "DELETE FROM flows WHERE device_key IN (?)", members},
		{"events", "DELETE FROM events WHERE device IN (?)", members},
		{"raw_logs", "DELETE FROM raw_logs WHERE device IN (?)", members},
		{"endpoints", "DELETE FROM endpoints WHERE device_key IN (?)", members},
		{"classifications", "DELETE FROM classifications WHERE device IN (?)", members},
		{"unclassified", "DELETE FROM unclassified_endpoints WHERE device IN (?)", members},
		{"router_mac_rules", "DELETE FROM router_mac_rules WHERE device_key IN (?)", members},
		{"firewall_overrides", "DELETE FROM firewall_overrides WHERE device_key IN (?)", ownerKeys},
		{"firewalls", "DELETE FROM firewalls WHERE device_key IN (?)", ownerKeys},
	}

	err := withRetry(ctx, func() error {
		clear(counts)
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			for _, d := range deletes {
				query, args, err := sqlx.In(d.query, d.keys)
				if err != nil {
					return fmt.Errorf("failed to build %s purge query: %w", d.label, err)
				}
				res, err := tx.ExecContext(ctx, s.rebind(query), args...)
				if err != nil {
					return fmt.Errorf("failed to purge %s for %s: %w", d.label, deviceKey, err)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return fmt.Errorf("failed to read %s purge result: %w", d.label, err)
				}
				counts[d.label+"_deleted"] = n
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Info("device purged", "device_key", deviceKey, "members", len(members))
	return counts, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// DBStats summarizes table sizes and data age for the stats endpoint.
// Pointer fields are nil on an empty database.
type DBStats struct {
	Backend        string     `json:"db_type"`
	RawLogsCount   int64      `json:"raw_logs_count"`
	EventsCount    int64      `json:"events_count"`
	FlowsCount     int64      `json:"flows_count"`
	EndpointsCount int64      `json:"endpoints_count"`
	OldestEventTs  *time.Time `json:"oldest_event_ts,omitempty"`
	NewestEventTs  *time.Time `json:"newest_event_ts,omitempty"`
	OldestRawTs    *time.Time `json:"oldest_raw_received_at,omitempty"`
	NewestRawTs    *time.Time `json:"newest_raw_received_at,omitempty"`
	FileSizeBytes  *int64     `json:"db_file_size_bytes,omitempty"`
}

// DBStats reports row counts and the age span of stored data. The file
// size is only available on the SQLite backend.
func (s *Store) DBStats(ctx context.Context) (*DBStats, error) {
	out := &DBStats{Backend: string(s.config.Type)}

	counts := []struct {
		table string
		dest  *int64
	}{
		{"raw_logs", &out.RawLogsCount},
		{"events", &out.EventsCount},
		{"flows", &out.FlowsCount},
		{"endpoints", &out.EndpointsCount},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dest, "SELECT COUNT(*) FROM "+c.table); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}

	var span struct {
		OldestEvent *int64 `db:"oldest_event"`
		NewestEvent *int64 `db:"newest_event"`
	}
	err := s.db.GetContext(ctx, &span,
		"SELECT MIN(ts_utc) AS oldest_event, MAX(ts_utc) AS newest_event FROM events")
	if err != nil {
		return nil, fmt.Errorf("failed to read event time span: %w", err)
	}
	out.OldestEventTs = timeOfPtr(span.OldestEvent)
	out.NewestEventTs = timeOfPtr(span.NewestEvent)

	var rawSpan struct {
		OldestRaw *int64 `db:"oldest_raw"`
		NewestRaw *int64 `db:"newest_raw"`
	}
	err = s.db.GetContext(ctx, &rawSpan,
		"SELECT MIN(ts_utc) AS oldest_raw, MAX(ts_utc) AS newest_raw FROM raw_logs")
	if err != nil {
		return nil, fmt.Errorf("failed to read raw log time span: %w", err)
	}
	out.OldestRawTs = timeOfPtr(rawSpan.OldestRaw)
	out.NewestRawTs = timeOfPtr(rawSpan.NewestRaw)

	if s.config.Type == DatabaseTypeSQLite {
		if info, err := os.Stat(s.config.SQLite.Path); err == nil {
			size := info.Size()
			out.FileSizeBytes = &size
		}
	}

	return out, nil
}
