package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/netwall-io/netwall/pkg/model"
)

// EventQuery filters the events table for log inspection. Devices must
// already be resolved to physical keys (HA groups expanded by the
// caller). Translated widens the IP and port matches to the NAT
// columns the way the graph's translated view does.
type EventQuery struct {
	Devices    []string
	From       time.Time
	To         time.Time
	SrcIP      string
	DestIP     string
	Proto      string
	DestPort   int
	AppName    string
	Translated bool
	Limit      int
	Offset     int
}

// EventPage is one page of inspection results plus the unpaged total.
type EventPage struct {
	Events []model.Event `json:"events"`
	Total  int           `json:"total"`
}

var connEventTypes = []string{
	model.EventConnOpen,
	model.EventConnOpenNATSAT,
	model.EventConnClose,
	model.EventConnCloseNATSAT,
}

// QueryEvents returns CONN events matching the query, newest first.
// The window is inclusive on both ends.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) (*EventPage, error) {
	if len(q.Devices) == 0 {
		return &EventPage{Events: []model.Event{}}, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	conds := []string{
		"device IN (?)",
		"ts_utc >= ?",
		"ts_utc <= ?",
		"event_type IN (?)",
	}
	args := []interface{}{q.Devices, msOf(q.From), msOf(q.To), connEventTypes}

	if q.Translated {
		conds = append(conds,
			"(xlat_src_ip = ? OR src_ip = ?)",
			"(xlat_dest_ip = ? OR dest_ip = ?)",
			"(xlat_dest_port = ? OR dest_port = ?)")
		args = append(args, q.SrcIP, q.SrcIP, q.DestIP, q.DestIP, q.DestPort, q.DestPort)
	} else {
		conds = append(conds, "src_ip = ?", "dest_ip = ?", "dest_port = ?")
		args = append(args, q.SrcIP, q.DestIP, q.DestPort)
	}

	if proto := strings.ToUpper(strings.TrimSpace(q.Proto)); proto != "" {
		// Older firmware drops connipproto on some close records.
		conds = append(conds, "(proto = ? OR proto IS NULL)")
		args = append(args, proto)
	}
	if app := strings.TrimSpace(q.AppName); app != "" {
		conds = append(conds, "app_name = ?")
		args = append(args, app)
	}

	where := strings.Join(conds, " AND ")

	countQuery, countArgs, err := sqlx.In("SELECT COUNT(*) FROM events WHERE "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build event count query: %w", err)
	}
	var total int
	if err := s.db.GetContext(ctx, &total, s.rebind(countQuery), countArgs...); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	args = append(args, limit, q.Offset)
	selectQuery, selectArgs, err := sqlx.In(
		"SELECT * FROM events WHERE "+where+" ORDER BY ts_utc DESC, id DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build event query: %w", err)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(selectQuery), selectArgs...); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	events := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.toModel())
	}
	return &EventPage{Events: events, Total: total}, nil
}

// RawLineKey identifies the raw log line an event came from.
type RawLineKey struct {
	Device string
	TsUTC  time.Time
}

// RawLinesFor fetches the raw log lines backing the given events,
// keyed by (device, ts). Events with no surviving raw line are simply
// absent from the map.
func (s *Store) RawLinesFor(ctx context.Context, events []model.Event) (map[RawLineKey]string, error) {
	if len(events) == 0 {
		return map[RawLineKey]string{}, nil
	}

	deviceSet := make(map[string]struct{})
	tsSet := make(map[int64]struct{})
	for i := range events {
		deviceSet[events[i].Device] = struct{}{}
		tsSet[msOf(events[i].TsUTC)] = struct{}{}
	}
	devices := make([]string, 0, len(deviceSet))
	for d := range deviceSet {
		devices = append(devices, d)
	}
	tss := make([]int64, 0, len(tsSet))
	for ts := range tsSet {
		tss = append(tss, ts)
	}

	query, queryArgs, err := sqlx.In(
		"SELECT device, ts_utc, raw_record FROM raw_logs WHERE device IN (?) AND ts_utc IN (?)",
		devices, tss)
	if err != nil {
		return nil, fmt.Errorf("failed to build raw line query: %w", err)
	}

	var rows []struct {
		Device    string `db:"device"`
		TsUTC     int64  `db:"ts_utc"`
		RawRecord string `db:"raw_record"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), queryArgs...); err != nil {
		return nil, fmt.Errorf("failed to query raw lines: %w", err)
	}

	out := make(map[RawLineKey]string, len(rows))
	for _, r := range rows {
		if r.RawRecord == "" {
			continue
		}
		out[RawLineKey{Device: r.Device, TsUTC: timeOf(r.TsUTC)}] = r.RawRecord
	}
	return out, nil
}

// EventSpan summarizes the stored events for a device set: the oldest
// and newest timestamps and the total row count. Pointer fields are
// nil when no events exist.
type EventSpan struct {
	Oldest *time.Time `json:"oldest,omitempty"`
	Latest *time.Time `json:"latest,omitempty"`
	Count  int64      `json:"count"`
}

// EventSpanFor reports the event span across the given devices.
func (s *Store) EventSpanFor(ctx context.Context, devices []string) (*EventSpan, error) {
	if len(devices) == 0 {
		return &EventSpan{}, nil
	}

	query, args, err := sqlx.In(
		"SELECT MIN(ts_utc) AS oldest, MAX(ts_utc) AS latest, COUNT(*) AS cnt FROM events WHERE device IN (?)",
		devices)
	if err != nil {
		return nil, fmt.Errorf("failed to build event span query: %w", err)
	}

	var row struct {
		Oldest *int64 `db:"oldest"`
		Latest *int64 `db:"latest"`
		Count  int64  `db:"cnt"`
	}
	if err := s.db.GetContext(ctx, &row, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to read event span: %w", err)
	}
	return &EventSpan{
		Oldest: timeOfPtr(row.Oldest),
		Latest: timeOfPtr(row.Latest),
		Count:  row.Count,
	}, nil
}
