package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ListEventDevices returns the distinct device names observed in
// parsed events, trimmed and sorted. This is the ground truth for
// which firewalls have actually produced CONN traffic.
func (s *Store) ListEventDevices(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names,
		"SELECT DISTINCT device FROM events WHERE device IS NOT NULL AND device <> ''")
	if err != nil {
		return nil, fmt.Errorf("failed to list event devices: %w", err)
	}
	return normalizeNames(names), nil
}

// ListZones returns the distinct zone names seen on either end of
// events for the given devices.
func (s *Store) ListZones(ctx context.Context, devices []string) ([]string, error) {
	return s.listEventNames(ctx, devices, "recv_zone", "dest_zone")
}

// ListInterfaces returns the distinct interface names seen on either
// end of events for the given devices.
func (s *Store) ListInterfaces(ctx context.Context, devices []string) ([]string, error) {
	return s.listEventNames(ctx, devices, "recv_if", "dest_if")
}

func (s *Store) listEventNames(ctx context.Context, devices []string, colA, colB string) ([]string, error) {
	if len(devices) == 0 {
		return []string{}, nil
	}

	query, args, err := sqlx.In(fmt.Sprintf(`
		SELECT DISTINCT %[1]s FROM events WHERE device IN (?) AND %[1]s IS NOT NULL AND %[1]s <> ''
		UNION
		SELECT DISTINCT %[2]s FROM events WHERE device IN (?) AND %[2]s IS NOT NULL AND %[2]s <> ''`,
		colA, colB), devices, devices)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s/%s query: %w", colA, colB, err)
	}

	var names []string
	if err := s.db.SelectContext(ctx, &names, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list %s/%s: %w", colA, colB, err)
	}
	return normalizeNames(names), nil
}

// normalizeNames trims whitespace and surrounding quotes and drops
// empties and fragments cut mid-quote by truncated log lines.
func normalizeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if strings.HasPrefix(n, `"`) && !strings.HasSuffix(n, `"`) {
			continue
		}
		n = strings.TrimSpace(strings.Trim(n, `"`))
		if n == "" {
			continue
		}
		seen[n] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NATTranslatedIPs returns the set of addresses that appear as NAT
// translations in events for the given devices. These are firewall
// owned addresses, not hosts, and inventory listings exclude them.
func (s *Store) NATTranslatedIPs(ctx context.Context, devices []string) (map[string]struct{}, error) {
	if len(devices) == 0 {
		return map[string]struct{}{}, nil
	}

	query, args, err := sqlx.In(`
		SELECT DISTINCT xlat_src_ip FROM events WHERE device IN (?) AND xlat_src_ip IS NOT NULL AND xlat_src_ip <> ''
		UNION
		SELECT DISTINCT xlat_dest_ip FROM events WHERE device IN (?) AND xlat_dest_ip IS NOT NULL AND xlat_dest_ip <> ''`,
		devices, devices)
	if err != nil {
		return nil, fmt.Errorf("failed to build NAT IP query: %w", err)
	}

	var ips []string
	if err := s.db.SelectContext(ctx, &ips, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list NAT IPs: %w", err)
	}

	out := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		out[ip] = struct{}{}
	}
	return out, nil
}

// ObservedEndpoint is a distinct (ip, mac) pair seen in events.
type ObservedEndpoint struct {
	IP  string  `db:"ip"`
	MAC *string `db:"mac"`
}

// ObservedEndpointsQuery narrows the distinct endpoint enumeration.
// The zero window means all time.
type ObservedEndpointsQuery struct {
	Devices []string
	From    time.Time
	To      time.Time
	HasMAC  bool
}

// ObservedEndpoints returns the distinct (ip, mac) pairs seen on
// either end of events, for expandable-node pickers. Empty MACs
// collapse to NULL so the same host never shows up twice.
func (s *Store) ObservedEndpoints(ctx context.Context, q ObservedEndpointsQuery) ([]ObservedEndpoint, error) {
	if len(q.Devices) == 0 {
		return []ObservedEndpoint{}, nil
	}

	build := func(ipCol, macCol string) (string, []interface{}) {
		conds := []string{
			"device IN (?)",
			ipCol + " IS NOT NULL",
			ipCol + " <> ''",
		}
		args := []interface{}{q.Devices}
		if q.HasMAC {
			conds = append(conds, macCol+" IS NOT NULL", macCol+" <> ''")
		}
		if !q.From.IsZero() {
			conds = append(conds, "ts_utc >= ?")
			args = append(args, msOf(q.From))
		}
		if !q.To.IsZero() {
			conds = append(conds, "ts_utc <= ?")
			args = append(args, msOf(q.To))
		}
		return fmt.Sprintf("SELECT DISTINCT %s AS ip, NULLIF(%s, '') AS mac FROM events WHERE %s",
			ipCol, macCol, strings.Join(conds, " AND ")), args
	}

	srcQuery, srcArgs := build("src_ip", "src_mac")
	destQuery, destArgs := build("dest_ip", "dest_mac")

	query, args, err := sqlx.In(srcQuery+" UNION "+destQuery, append(srcArgs, destArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to build observed endpoint query: %w", err)
	}

	var rows []ObservedEndpoint
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list observed endpoints: %w", err)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].IP != rows[j].IP {
			return rows[i].IP < rows[j].IP
		}
		a, b := "", ""
		if rows[i].MAC != nil {
			a = *rows[i].MAC
		}
		if rows[j].MAC != nil {
			b = *rows[j].MAC
		}
		return a < b
	})
	return rows, nil
}
