package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/netwall-io/netwall/pkg/model"
)

// ListRouterMACRules returns every rule, or only those scoped to the
// given devices when the list is non-empty.
func (s *Store) ListRouterMACRules(ctx context.Context, devices []string) ([]model.RouterMACRule, error) {
	var (
		query = "SELECT * FROM router_mac_rules ORDER BY device_key ASC, mac ASC"
		args  []interface{}
	)
	if len(devices) > 0 {
		q, a, err := sqlx.In(
			"SELECT * FROM router_mac_rules WHERE device_key IN (?) ORDER BY device_key ASC, mac ASC", devices)
		if err != nil {
			return nil, fmt.Errorf("failed to build router MAC query: %w", err)
		}
		query, args = s.rebind(q), a
	}

	var rows []routerMACRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list router MAC rules: %w", err)
	}

	rules := make([]model.RouterMACRule, 0, len(rows))
	for _, r := range rows {
		rules = append(rules, r.toModel())
	}
	return rules, nil
}

const upsertRouterMACRuleSQL = `
INSERT INTO router_mac_rules (device_key, mac, direction, note, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (device_key, mac) DO UPDATE SET
	direction = excluded.direction,
	note = excluded.note`

// UpsertRouterMACRule creates or updates the rule for (device, mac)
// and returns the stored row.
func (s *Store) UpsertRouterMACRule(ctx context.Context, rule *model.RouterMACRule) (*model.RouterMACRule, error) {
	if rule.Direction == "" {
		rule.Direction = model.RouterMACDirectionBoth
	}
	switch rule.Direction {
	case model.RouterMACDirectionSrc, model.RouterMACDirectionDest, model.RouterMACDirectionBoth:
	default:
		return nil, fmt.Errorf("%w: direction must be src, dest or both", model.ErrValidation)
	}

	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(upsertRouterMACRuleSQL),
			rule.DeviceKey, rule.MAC, rule.Direction, rule.Note, msOf(time.Now().UTC()))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert router MAC rule: %w", err)
	}

	var row routerMACRow
	err = s.db.GetContext(ctx, &row,
		s.rebind("SELECT * FROM router_mac_rules WHERE device_key = ? AND mac = ?"),
		rule.DeviceKey, rule.MAC)
	if err != nil {
		return nil, fmt.Errorf("failed to read back router MAC rule: %w", err)
	}
	stored := row.toModel()
	return &stored, nil
}

// DeleteRouterMACRule removes a rule by id.
func (s *Store) DeleteRouterMACRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind("DELETE FROM router_mac_rules WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete router MAC rule %d: %w", id, err)
	}
	return requireRowAffected(res, fmt.Sprintf("router MAC rule %d", id))
}
