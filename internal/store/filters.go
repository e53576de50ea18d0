package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"polycopy/pkg/types"
)

// ———————————————————————————————————————————————————————————————————————
// Market filters
// ———————————————————————————————————————————————————————————————————————

// AddFilter inserts a filter rule. Re-adding the same (type, value) pair
// replaces its action rather than erroring.
func (s *Store) AddFilter(ctx context.Context, f types.MarketFilter) (int64, error) {
	if err := validateFilter(f); err != nil {
		return 0, fmt.Errorf("store.AddFilter: %w", err)
	}
	value := f.Value
	if f.Type == types.FilterKeyword {
		value = strings.ToLower(strings.TrimSpace(value))
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO market_filters (filter_type, value, action, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(filter_type, value) DO UPDATE SET action = excluded.action`,
		f.Type, value, f.Action, encodeTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("store.AddFilter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store.AddFilter: %w", err)
	}
	return id, nil
}

// RemoveFilter deletes a filter rule by id.
func (s *Store) RemoveFilter(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM market_filters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store.RemoveFilter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFilters returns all filter rules ordered by creation.
func (s *Store) ListFilters(ctx context.Context) ([]types.MarketFilter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filter_type, value, action, created_at
		 FROM market_filters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store.ListFilters: %w", err)
	}
	defer rows.Close()

	var filters []types.MarketFilter
	for rows.Next() {
		var (
			f         types.MarketFilter
			createdAt string
		)
		if err := rows.Scan(&f.ID, &f.Type, &f.Value, &f.Action, &createdAt); err != nil {
			return nil, fmt.Errorf("store.ListFilters: scan: %w", err)
		}
		f.CreatedAt = parseTime(createdAt)
		filters = append(filters, f)
	}
	return filters, rows.Err()
}

func validateFilter(f types.MarketFilter) error {
	switch f.Type {
	case types.FilterMarketID, types.FilterCategory, types.FilterKeyword:
	default:
		return fmt.Errorf("unknown filter type %q", f.Type)
	}
	switch f.Action {
	case types.FilterAllow, types.FilterDeny:
	default:
		return fmt.Errorf("unknown filter action %q", f.Action)
	}
	if strings.TrimSpace(f.Value) == "" {
		return fmt.Errorf("empty filter value")
	}
	return nil
}

// ———————————————————————————————————————————————————————————————————————
// Cross-venue market mappings
// ———————————————————————————————————————————————————————————————————————

// AddMapping links a Polymarket market to the equivalent Kalshi ticker.
func (s *Store) AddMapping(ctx context.Context, m types.MarketMapping) (int64, error) {
	if m.PrimaryID == "" || m.SecondaryTicker == "" {
		return 0, fmt.Errorf("store.AddMapping: primary id and secondary ticker required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO market_mappings (primary_id, secondary_ticker, description, active, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(primary_id, secondary_ticker) DO UPDATE SET
			description = excluded.description, active = excluded.active`,
		m.PrimaryID, m.SecondaryTicker, m.Description, m.Active, encodeTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("store.AddMapping: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store.AddMapping: %w", err)
	}
	return id, nil
}

// RemoveMapping deletes a mapping by id.
func (s *Store) RemoveMapping(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM market_mappings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store.RemoveMapping: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMappingActive toggles a mapping without deleting it so the pair's
// history stays queryable.
func (s *Store) SetMappingActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE market_mappings SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("store.SetMappingActive: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMappings returns mappings, optionally only active ones.
func (s *Store) ListMappings(ctx context.Context, onlyActive bool) ([]types.MarketMapping, error) {
	q := `SELECT id, primary_id, secondary_ticker, description, active, created_at
	      FROM market_mappings`
	if onlyActive {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store.ListMappings: %w", err)
	}
	defer rows.Close()

	var mappings []types.MarketMapping
	for rows.Next() {
		var (
			m         types.MarketMapping
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.PrimaryID, &m.SecondaryTicker, &m.Description, &m.Active, &createdAt); err != nil {
			return nil, fmt.Errorf("store.ListMappings: scan: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}
