package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/netwall-io/netwall/pkg/model"
)

// ListFirewalls returns every known log source, HA groups included,
// sorted by display name then key.
func (s *Store) ListFirewalls(ctx context.Context) ([]model.Firewall, error) {
	var rows []firewallRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM firewalls ORDER BY LOWER(display_name) ASC, device_key ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list firewalls: %w", err)
	}

	firewalls := make([]model.Firewall, 0, len(rows))
	for _, r := range rows {
		fw, err := r.toModel()
		if err != nil {
			return nil, err
		}
		firewalls = append(firewalls, fw)
	}
	return firewalls, nil
}

// GetFirewall returns one firewall row by device key.
func (s *Store) GetFirewall(ctx context.Context, deviceKey string) (*model.Firewall, error) {
	var row firewallRow
	err := s.db.GetContext(ctx, &row,
		s.rebind("SELECT * FROM firewalls WHERE device_key = ?"), deviceKey)
	if err != nil {
		return nil, convertNotFoundError(err, fmt.Sprintf("firewall %s", deviceKey))
	}

	fw, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &fw, nil
}

// SetFirewallDisplayName renames a firewall or HA group.
func (s *Store) SetFirewallDisplayName(ctx context.Context, deviceKey, displayName string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE firewalls SET display_name = ? WHERE device_key = ?"),
		displayName, deviceKey)
	if err != nil {
		return fmt.Errorf("failed to rename firewall %s: %w", deviceKey, err)
	}
	return requireRowAffected(res, fmt.Sprintf("firewall %s", deviceKey))
}

// SetFirewallEnabled toggles a firewall or HA group. Disabled HA
// groups stop resolving to their members.
func (s *Store) SetFirewallEnabled(ctx context.Context, deviceKey string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE firewalls SET enabled = ? WHERE device_key = ?"),
		enabled, deviceKey)
	if err != nil {
		return fmt.Errorf("failed to toggle firewall %s: %w", deviceKey, err)
	}
	return requireRowAffected(res, fmt.Sprintf("firewall %s", deviceKey))
}

const upsertHAGroupSQL = `
INSERT INTO firewalls (device_key, display_name, source_syslog, source_import, first_seen, last_seen, last_import_ts, enabled, members_json)
VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)
ON CONFLICT (device_key) DO UPDATE SET
	enabled = excluded.enabled,
	members_json = excluded.members_json,
	last_seen = CASE WHEN excluded.last_seen > firewalls.last_seen THEN excluded.last_seen ELSE firewalls.last_seen END`

// UpsertHAGroup creates or toggles the "ha:<base>" firewall row. A
// fresh group gets "<base> (HA)" as its display name; re-enabling an
// existing group keeps whatever name the operator set. HA members are
// detected from syslog traffic, so the group carries the syslog flag.
func (s *Store) UpsertHAGroup(ctx context.Context, base string, members []string, enabled bool) (*model.Firewall, error) {
	key := model.HAPrefix + base
	membersJSON, err := json.Marshal(members)
	if err != nil {
		return nil, fmt.Errorf("failed to encode members for %s: %w", key, err)
	}

	now := msOf(time.Now().UTC())
	err = withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(upsertHAGroupSQL),
			key, base+" (HA)", true, false, now, now, enabled, string(membersJSON))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert HA group %s: %w", key, err)
	}
	return s.GetFirewall(ctx, key)
}

// DeleteFirewall removes a firewall row. Used by purge after the data
// it anchored is gone.
func (s *Store) DeleteFirewall(ctx context.Context, deviceKey string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind("DELETE FROM firewalls WHERE device_key = ?"), deviceKey)
	if err != nil {
		return fmt.Errorf("failed to delete firewall %s: %w", deviceKey, err)
	}
	return nil
}

// GetFirewallOverride returns the operator override for a device key.
func (s *Store) GetFirewallOverride(ctx context.Context, deviceKey string) (*model.FirewallOverride, error) {
	var row firewallOverrideRow
	err := s.db.GetContext(ctx, &row,
		s.rebind("SELECT * FROM firewall_overrides WHERE device_key = ?"), deviceKey)
	if err != nil {
		return nil, convertNotFoundError(err, fmt.Sprintf("firewall override %s", deviceKey))
	}
	o := row.toModel()
	return &o, nil
}

// ListFirewallOverrides returns every firewall override keyed by
// device key, for merging into listings.
func (s *Store) ListFirewallOverrides(ctx context.Context) (map[string]model.FirewallOverride, error) {
	var rows []firewallOverrideRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM firewall_overrides"); err != nil {
		return nil, fmt.Errorf("failed to list firewall overrides: %w", err)
	}

	out := make(map[string]model.FirewallOverride, len(rows))
	for _, r := range rows {
		out[r.DeviceKey] = r.toModel()
	}
	return out, nil
}

const upsertFirewallOverrideSQL = `
INSERT INTO firewall_overrides (device_key, display_name, comment, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (device_key) DO UPDATE SET
	display_name = excluded.display_name,
	comment = excluded.comment,
	updated_at = excluded.updated_at`

// UpsertFirewallOverride replaces the operator override for a device
// key.
func (s *Store) UpsertFirewallOverride(ctx context.Context, o *model.FirewallOverride) error {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now().UTC()
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(upsertFirewallOverrideSQL),
			o.DeviceKey, o.DisplayName, o.Comment, msOf(o.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert firewall override %s: %w", o.DeviceKey, err)
		}
		return nil
	})
}

// DeleteFirewallOverride removes the override for a device key.
// Deleting a missing override is not an error.
func (s *Store) DeleteFirewallOverride(ctx context.Context, deviceKey string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind("DELETE FROM firewall_overrides WHERE device_key = ?"), deviceKey)
	if err != nil {
		return fmt.Errorf("failed to delete firewall override %s: %w", deviceKey, err)
	}
	return nil
}

// EnabledHAMembership maps each member device name to the key of the
// enabled HA group that claims it. Ingest consults this to attribute
// firewall liveness to the group instead of the physical unit; members
// of disabled groups are absent and fall back to their own key.
func (s *Store) EnabledHAMembership(ctx context.Context) (map[string]string, error) {
	var rows []firewallRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(
		"SELECT * FROM firewalls WHERE enabled = ? AND device_key LIKE ?"),
		true, model.HAPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to load HA membership: %w", err)
	}

	membership := make(map[string]string)
	for _, r := range rows {
		fw, err := r.toModel()
		if err != nil {
			return nil, err
		}
		for _, member := range fw.Members {
			membership[member] = fw.DeviceKey
		}
	}
	return membership, nil
}

// ResolveDeviceKeys expands a selector into the physical device keys
// queries should run against. Plain names resolve to themselves even
// when no firewall row exists yet; "ha:" selectors resolve to the
// group's members and to nothing when the group is disabled or gone.
func (s *Store) ResolveDeviceKeys(ctx context.Context, selector string) ([]string, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, nil
	}
	if !strings.HasPrefix(selector, model.HAPrefix) {
		return []string{selector}, nil
	}

	fw, err := s.GetFirewall(ctx, selector)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !fw.Enabled || len(fw.Members) == 0 {
		return nil, nil
	}
	return fw.Members, nil
}
