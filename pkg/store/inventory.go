package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/netwall-io/netwall/pkg/model"
)

// When one MAC fronts at least this many distinct source addresses it
// is probably a router or L3 switch, not a host.
const defaultRouterSuggestThreshold = 10

// MACActivity is the per-MAC rollup behind router detection: how many
// distinct source addresses one MAC has carried in the window.
type MACActivity struct {
	MAC             string    `json:"mac"`
	DistinctIPCount int64     `json:"distinct_ip_count"`
	SampleIPs       []string  `json:"sample_ips"`
	LastSeen        time.Time `json:"last_seen"`
	SuggestedRouter bool      `json:"suggested_router"`
	Flagged         bool      `json:"flagged"`
}

// MACInventoryQuery narrows the rollup. Zero From/To means all time;
// Threshold <= 0 uses the default.
type MACInventoryQuery struct {
	Devices   []string
	From      time.Time
	To        time.Time
	Threshold int64
}

// MACInventory groups events by source MAC and reports the distinct
// address count, a few sample addresses and the latest sighting,
// busiest MAC first. Flagged marks MACs already covered by a router
// rule on any of the devices.
func (s *Store) MACInventory(ctx context.Context, q MACInventoryQuery) ([]MACActivity, error) {
	if len(q.Devices) == 0 {
		return []MACActivity{}, nil
	}

	threshold := q.Threshold
	if threshold <= 0 {
		threshold = defaultRouterSuggestThreshold
	}

	conds := "device IN (?) AND src_mac IS NOT NULL AND src_mac <> ''"
	args := []interface{}{q.Devices}
	if !q.From.IsZero() {
		conds += " AND ts_utc >= ?"
		args = append(args, msOf(q.From))
	}
	if !q.To.IsZero() {
		conds += " AND ts_utc <= ?"
		args = append(args, msOf(q.To))
	}

	query, queryArgs, err := sqlx.In(fmt.Sprintf(`
		SELECT src_mac AS mac, COUNT(DISTINCT src_ip) AS ip_count, MAX(ts_utc) AS last_seen
		FROM events WHERE %s
		GROUP BY src_mac
		ORDER BY ip_count DESC, mac ASC`, conds), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build MAC inventory query: %w", err)
	}

	var rows []struct {
		MAC      string `db:"mac"`
		IPCount  int64  `db:"ip_count"`
		LastSeen int64  `db:"last_seen"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), queryArgs...); err != nil {
		return nil, fmt.Errorf("failed to query MAC inventory: %w", err)
	}
	if len(rows) == 0 {
		return []MACActivity{}, nil
	}

	samples, err := s.macSampleIPs(ctx, conds, args)
	if err != nil {
		return nil, err
	}

	rules, err := s.ListRouterMACRules(ctx, q.Devices)
	if err != nil {
		return nil, err
	}
	flagged := make(map[string]struct{}, len(rules))
	for i := range rules {
		flagged[rules[i].MAC] = struct{}{}
	}

	out := make([]MACActivity, 0, len(rows))
	for _, r := range rows {
		_, isFlagged := flagged[r.MAC]
		a := MACActivity{
			MAC:             r.MAC,
			DistinctIPCount: r.IPCount,
			SampleIPs:       samples[r.MAC],
			LastSeen:        timeOf(r.LastSeen),
			SuggestedRouter: r.IPCount >= threshold,
			Flagged:         isFlagged,
		}
		if a.SampleIPs == nil {
			a.SampleIPs = []string{}
		}
		out = append(out, a)
	}
	return out, nil
}

// macSampleIPs fetches the distinct (mac, ip) pairs for the window and
// keeps up to three sorted addresses per MAC.
func (s *Store) macSampleIPs(ctx context.Context, conds string, args []interface{}) (map[string][]string, error) {
	query, queryArgs, err := sqlx.In(fmt.Sprintf(`
		SELECT DISTINCT src_mac AS mac, src_ip AS ip
		FROM events WHERE %s AND src_ip IS NOT NULL AND src_ip <> ''`, conds), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build MAC sample query: %w", err)
	}

	var pairs []struct {
		MAC string `db:"mac"`
		IP  string `db:"ip"`
	}
	if err := s.db.SelectContext(ctx, &pairs, s.rebind(query), queryArgs...); err != nil {
		return nil, fmt.Errorf("failed to query MAC samples: %w", err)
	}

	byMAC := make(map[string][]string)
	for _, p := range pairs {
		byMAC[p.MAC] = append(byMAC[p.MAC], p.IP)
	}
	for mac, ips := range byMAC {
		sort.Strings(ips)
		if len(ips) > 3 {
			byMAC[mac] = ips[:3]
		}
	}
	return byMAC, nil
}

// CountEventSightings returns how many events reference the MAC on
// either end, across the given devices. This is the seen_count shown
// on the device inventory page.
func (s *Store) CountEventSightings(ctx context.Context, devices []string, mac string) (int64, error) {
	if len(devices) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(
		"SELECT COUNT(*) FROM events WHERE device IN (?) AND (src_mac = ? OR dest_mac = ?)",
		devices, mac, mac)
	if err != nil {
		return 0, fmt.Errorf("failed to build sighting count query: %w", err)
	}

	var count int64
	if err := s.db.GetContext(ctx, &count, s.rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count sightings for %s: %w", mac, err)
	}
	return count, nil
}

// FindEndpointByMAC returns the endpoint row for a MAC scoped to the
// given devices. MAC-keyed endpoints are global, so the device scope
// only filters which firewall's sighting is returned.
func (s *Store) FindEndpointByMAC(ctx context.Context, devices []string, mac string) (*model.Endpoint, error) {
	ep, err := s.GetEndpoint(ctx, model.EndpointIDForMAC(mac))
	if err == nil {
		return ep, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	// Fall back to IP-keyed rows that learned the MAC from traffic.
	if len(devices) == 0 {
		return nil, err
	}
	query, args, inErr := sqlx.In(
		"SELECT * FROM endpoints WHERE device_key IN (?) AND mac = ? ORDER BY last_seen DESC, id ASC LIMIT 1",
		devices, mac)
	if inErr != nil {
		return nil, fmt.Errorf("failed to build endpoint MAC query: %w", inErr)
	}

	var row endpointRow
	if getErr := s.db.GetContext(ctx, &row, s.rebind(query), args...); getErr != nil {
		return nil, convertNotFoundError(getErr, fmt.Sprintf("endpoint with MAC %s", mac))
	}
	found := row.toModel()
	return &found, nil
}
