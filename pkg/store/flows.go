package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/netwall-io/netwall/pkg/model"
)

// ListFlowsWindow returns flows overlapping the window for the given
// physical device keys: opened before the window end and either still
// open or closed at-or-after the window start. Ordered by open time so
// aggregation walks flows in the order they appeared.
func (s *Store) ListFlowsWindow(ctx context.Context, devices []string, from, to time.Time) ([]model.Flow, error) {
	if len(devices) == 0 {
		return []model.Flow{}, nil
	}

	query, args, err := sqlx.In(`
		SELECT * FROM flows
		WHERE device_key IN (?)
		  AND open_ts < ?
		  AND (close_ts >= ? OR close_ts IS NULL)
		ORDER BY open_ts ASC, id ASC`,
		devices, msOf(to), msOf(from))
	if err != nil {
		return nil, fmt.Errorf("failed to build flow window query: %w", err)
	}

	var rows []flowRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	flows := make([]model.Flow, 0, len(rows))
	for _, r := range rows {
		flows = append(flows, r.toModel())
	}
	return flows, nil
}

// CountOpenFlows reports how many flows are currently open, across all
// devices when the list is empty.
func (s *Store) CountOpenFlows(ctx context.Context, devices []string) (int64, error) {
	var (
		query string
		args  []interface{}
		err   error
	)
	if len(devices) == 0 {
		query = "SELECT COUNT(*) FROM flows WHERE close_ts IS NULL"
	} else {
		query, args, err = sqlx.In("SELECT COUNT(*) FROM flows WHERE close_ts IS NULL AND device_key IN (?)", devices)
		if err != nil {
			return 0, fmt.Errorf("failed to build open flow count query: %w", err)
		}
		query = s.rebind(query)
	}

	var count int64
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count open flows: %w", err)
	}
	return count, nil
}
