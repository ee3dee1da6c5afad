package store

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/netwall-io/netwall/pkg/model"
)

// GetEndpoint returns the endpoint with the given canonical id.
func (s *Store) GetEndpoint(ctx context.Context, endpointID string) (*model.Endpoint, error) {
	var row endpointRow
	err := s.db.GetContext(ctx, &row,
		s.rebind("SELECT * FROM endpoints WHERE endpoint_id = ?"), endpointID)
	if err != nil {
		return nil, convertNotFoundError(err, fmt.Sprintf("endpoint %s", endpointID))
	}
	ep := row.toModel()
	return &ep, nil
}

// ListEndpoints returns every endpoint row owned by the given device
// keys, newest sighting first.
func (s *Store) ListEndpoints(ctx context.Context, devices []string) ([]model.Endpoint, error) {
	if len(devices) == 0 {
		return []model.Endpoint{}, nil
	}

	query, args, err := sqlx.In(
		"SELECT * FROM endpoints WHERE device_key IN (?) ORDER BY last_seen DESC, id ASC", devices)
	if err != nil {
		return nil, fmt.Errorf("failed to build endpoint list query: %w", err)
	}

	var rows []endpointRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}

	endpoints := make([]model.Endpoint, 0, len(rows))
	for _, r := range rows {
		endpoints = append(endpoints, r.toModel())
	}
	return endpoints, nil
}

// ListEndpointsByIDs returns the endpoint rows for the given canonical
// ids. Unknown ids are skipped; callers treat absence as "never seen".
func (s *Store) ListEndpointsByIDs(ctx context.Context, ids []string) (map[string]model.Endpoint, error) {
	out := make(map[string]model.Endpoint, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In("SELECT * FROM endpoints WHERE endpoint_id IN (?)", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build endpoint id query: %w", err)
	}

	var rows []endpointRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load endpoints by id: %w", err)
	}
	for _, r := range rows {
		ep := r.toModel()
		out[ep.EndpointID] = ep
	}
	return out, nil
}

// KnownEndpointsQuery drives the paginated inventory listing. Search
// matches case-insensitively across hostname, ip, mac, vendor, type
// and OS. LocalNetworks is only consulted when LocalOnly is set.
type KnownEndpointsQuery struct {
	Devices       []string
	Page          int
	PageSize      int
	Search        string
	SortBy        string
	SortDir       string
	LocalOnly     bool
	LocalNetworks []netip.Prefix
	ExcludeNATIPs bool
}

// KnownEndpointsPage is one page of inventory rows. Total counts rows
// after all filters, before paging.
type KnownEndpointsPage struct {
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Total    int              `json:"total"`
	Items    []model.Endpoint `json:"items"`
}

// KnownEndpoints lists endpoints for the inventory screen. NAT
// translated addresses are not real hosts and are dropped when
// ExcludeNATIPs is set; the local-networks filter runs on the decoded
// rows because CIDR containment has no portable SQL spelling.
func (s *Store) KnownEndpoints(ctx context.Context, q KnownEndpointsQuery) (*KnownEndpointsPage, error) {
	page := q.Page
	if page < 1 {
		page = 1
	}
	pageSize := q.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}
	out := &KnownEndpointsPage{Page: page, PageSize: pageSize, Items: []model.Endpoint{}}

	if len(q.Devices) == 0 {
		return out, nil
	}

	conds := []string{"device_key IN (?)"}
	args := []interface{}{q.Devices}

	if search := strings.ToLower(strings.TrimSpace(q.Search)); search != "" {
		like := "%" + search + "%"
		conds = append(conds, `(
			LOWER(COALESCE(ip, '')) LIKE ? OR
			LOWER(COALESCE(mac, '')) LIKE ? OR
			LOWER(COALESCE(hostname, '')) LIKE ? OR
			LOWER(COALESCE(vendor, '')) LIKE ? OR
			LOWER(COALESCE(hwtype, '')) LIKE ? OR
			LOWER(COALESCE(ostype, '')) LIKE ?)`)
		args = append(args, like, like, like, like, like, like)
	}

	query, queryArgs, err := sqlx.In(
		"SELECT * FROM endpoints WHERE "+strings.Join(conds, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build known endpoint query: %w", err)
	}

	var rows []endpointRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), queryArgs...); err != nil {
		return nil, fmt.Errorf("failed to query known endpoints: %w", err)
	}

	var natIPs map[string]struct{}
	if q.ExcludeNATIPs {
		natIPs, err = s.NATTranslatedIPs(ctx, q.Devices)
		if err != nil {
			return nil, err
		}
	}

	endpoints := make([]model.Endpoint, 0, len(rows))
	for _, r := range rows {
		ep := r.toModel()
		if ep.IP != nil {
			if _, isNAT := natIPs[*ep.IP]; isNAT {
				continue
			}
			if q.LocalOnly && !ipInNetworks(*ep.IP, q.LocalNetworks) {
				continue
			}
		} else if q.LocalOnly {
			continue
		}
		endpoints = append(endpoints, ep)
	}

	sortEndpoints(endpoints, q.SortBy, q.SortDir)

	out.Total = len(endpoints)
	start := (page - 1) * pageSize
	if start >= len(endpoints) {
		return out, nil
	}
	end := start + pageSize
	if end > len(endpoints) {
		end = len(endpoints)
	}
	out.Items = endpoints[start:end]
	return out, nil
}

func ipInNetworks(ip string, networks []netip.Prefix) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	for _, n := range networks {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

func sortEndpoints(endpoints []model.Endpoint, sortBy, sortDir string) {
	desc := strings.EqualFold(sortDir, "desc")

	strOf := func(p *string) string {
		if p == nil {
			return ""
		}
		return strings.ToLower(*p)
	}

	var less func(a, b *model.Endpoint) bool
	switch sortBy {
	case "name", "hostname":
		less = func(a, b *model.Endpoint) bool { return strOf(a.Hostname) < strOf(b.Hostname) }
	case "mac":
		less = func(a, b *model.Endpoint) bool { return strOf(a.MAC) < strOf(b.MAC) }
	case "vendor":
		less = func(a, b *model.Endpoint) bool { return strOf(a.Vendor) < strOf(b.Vendor) }
	case "hwtype", "type":
		less = func(a, b *model.Endpoint) bool { return strOf(a.HWType) < strOf(b.HWType) }
	case "ostype", "os":
		less = func(a, b *model.Endpoint) bool { return strOf(a.OSType) < strOf(b.OSType) }
	case "first_seen":
		less = func(a, b *model.Endpoint) bool { return a.FirstSeen.Before(b.FirstSeen) }
	case "last_seen":
		less = func(a, b *model.Endpoint) bool { return a.LastSeen.Before(b.LastSeen) }
	case "seen_count":
		less = func(a, b *model.Endpoint) bool { return a.SeenCount < b.SeenCount }
	default:
		// IP sort; numeric when both parse so 10.0.0.9 sorts before
		// 10.0.0.10.
		less = func(a, b *model.Endpoint) bool {
			ipA, errA := netip.ParseAddr(strOf(a.IP))
			ipB, errB := netip.ParseAddr(strOf(b.IP))
			if errA == nil && errB == nil {
				return ipA.Less(ipB)
			}
			return strOf(a.IP) < strOf(b.IP)
		}
	}

	sort.SliceStable(endpoints, func(i, j int) bool {
		if desc {
			return less(&endpoints[j], &endpoints[i])
		}
		return less(&endpoints[i], &endpoints[j])
	})
}

// GetOverride returns the operator override for a MAC.
func (s *Store) GetOverride(ctx context.Context, mac string) (*model.EndpointOverride, error) {
	var row overrideRow
	err := s.db.GetContext(ctx, &row,
		s.rebind("SELECT * FROM endpoint_overrides WHERE mac = ?"), mac)
	if err != nil {
		return nil, convertNotFoundError(err, fmt.Sprintf("override for %s", mac))
	}
	o := row.toModel()
	return &o, nil
}

// ListOverrides returns every operator override.
func (s *Store) ListOverrides(ctx context.Context) ([]model.EndpointOverride, error) {
	var rows []overrideRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM endpoint_overrides ORDER BY mac ASC"); err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}

	overrides := make([]model.EndpointOverride, 0, len(rows))
	for _, r := range rows {
		overrides = append(overrides, r.toModel())
	}
	return overrides, nil
}

const upsertOverrideSQL = `
INSERT INTO endpoint_overrides (mac, hostname, vendor, hwtype, ostype, brand, model, note, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (mac) DO UPDATE SET
	hostname = excluded.hostname,
	vendor = excluded.vendor,
	hwtype = excluded.hwtype,
	ostype = excluded.ostype,
	brand = excluded.brand,
	model = excluded.model,
	note = excluded.note,
	updated_at = excluded.updated_at`

// UpsertOverride stores operator-set identity fields for a MAC. The
// whole override is replaced; callers send the full desired state.
func (s *Store) UpsertOverride(ctx context.Context, o *model.EndpointOverride) error {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now().UTC()
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(upsertOverrideSQL),
			o.MAC, o.Hostname, o.Vendor, o.HWType, o.OSType, o.Brand, o.Model, o.Note,
			msOf(o.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert override for %s: %w", o.MAC, err)
		}
		return nil
	})
}

// DeleteOverride removes the override for a MAC. Deleting a missing
// override is not an error.
func (s *Store) DeleteOverride(ctx context.Context, mac string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind("DELETE FROM endpoint_overrides WHERE mac = ?"), mac)
	if err != nil {
		return fmt.Errorf("failed to delete override for %s: %w", mac, err)
	}
	return nil
}
