package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/netwall-io/netwall/pkg/model"
)

// ListClassifications returns side rules for the given devices, every
// device when the list is empty. Ordered by device, kind, priority
// descending, name, matching the order the classifier consults them.
func (s *Store) ListClassifications(ctx context.Context, devices []string) ([]model.Classification, error) {
	var (
		query = "SELECT * FROM classifications ORDER BY device ASC, kind ASC, priority DESC, name ASC"
		args  []interface{}
	)
	if len(devices) > 0 {
		q, a, err := sqlx.In(
			"SELECT * FROM classifications WHERE device IN (?) ORDER BY device ASC, kind ASC, priority DESC, name ASC",
			devices)
		if err != nil {
			return nil, fmt.Errorf("failed to build classification query: %w", err)
		}
		query, args = s.rebind(q), a
	}

	var rules []model.Classification
	if err := s.db.SelectContext(ctx, &rules, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list classifications: %w", err)
	}
	return rules, nil
}

const upsertClassificationSQL = `
INSERT INTO classifications (device, kind, name, side, priority)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (device, kind, name) DO UPDATE SET
	side = excluded.side,
	priority = excluded.priority`

// UpsertClassification creates or replaces the rule for (device, kind,
// name) and returns the stored row. A matching unclassified counter is
// cleared in the same transaction: once the name has a rule it is no
// longer pending.
func (s *Store) UpsertClassification(ctx context.Context, c *model.Classification) (*model.Classification, error) {
	if c.Device == "" || c.Name == "" {
		return nil, fmt.Errorf("%w: device and name are required", model.ErrValidation)
	}
	switch c.Kind {
	case model.ClassKindZone, model.ClassKindInterface:
	default:
		return nil, fmt.Errorf("%w: kind must be zone or interface", model.ErrValidation)
	}
	if c.Side == "" {
		c.Side = model.SideUnknown
	}
	if !model.ValidSide(c.Side) {
		return nil, fmt.Errorf("%w: side must be inside, outside, remote or unknown", model.ErrValidation)
	}

	err := withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, s.rebind(upsertClassificationSQL),
				c.Device, c.Kind, c.Name, c.Side, c.Priority); err != nil {
				return fmt.Errorf("failed to upsert classification: %w", err)
			}
			if _, err := tx.ExecContext(ctx, s.rebind(
				"DELETE FROM unclassified_endpoints WHERE device = ? AND kind = ? AND name = ?"),
				c.Device, c.Kind, c.Name); err != nil {
				return fmt.Errorf("failed to clear unclassified counter: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	var stored model.Classification
	err = s.db.GetContext(ctx, &stored,
		s.rebind("SELECT * FROM classifications WHERE device = ? AND kind = ? AND name = ?"),
		c.Device, c.Kind, c.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read back classification: %w", err)
	}
	return &stored, nil
}

// DeleteClassification removes a rule by id.
func (s *Store) DeleteClassification(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind("DELETE FROM classifications WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete classification %d: %w", id, err)
	}
	return requireRowAffected(res, fmt.Sprintf("classification %d", id))
}

// ListUnclassified returns the zone and interface names seen in
// traffic without a covering rule, busiest first. Empty devices means
// every device.
func (s *Store) ListUnclassified(ctx context.Context, devices []string) ([]model.UnclassifiedName, error) {
	var (
		query = "SELECT * FROM unclassified_endpoints ORDER BY count DESC, device ASC, kind ASC, name ASC"
		args  []interface{}
	)
	if len(devices) > 0 {
		q, a, err := sqlx.In(
			"SELECT * FROM unclassified_endpoints WHERE device IN (?) ORDER BY count DESC, device ASC, kind ASC, name ASC",
			devices)
		if err != nil {
			return nil, fmt.Errorf("failed to build unclassified query: %w", err)
		}
		query, args = s.rebind(q), a
	}

	var names []model.UnclassifiedName
	if err := s.db.SelectContext(ctx, &names, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list unclassified names: %w", err)
	}
	return names, nil
}
