package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"polycopy/pkg/types"
)

// InsertOrder persists a new order in its initial state.
func (s *Store) InsertOrder(ctx context.Context, o types.Order) error {
	if o.ID == "" {
		return fmt.Errorf("store.InsertOrder: empty id")
	}
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (
			id, signal_id, market_id, token_id, side, action,
			requested_size, requested_price, external_id, status,
			filled_size, filled_price, attempts, failure_reason,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.SignalID, o.MarketID, o.TokenID, o.Side, o.Action,
		o.RequestedSize, o.RequestedPrice, o.ExternalID, o.Status,
		o.FilledSize, nullFloat(o.FilledPrice), o.Attempts, o.FailureReason,
		encodeTime(o.CreatedAt), encodeTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store.InsertOrder: %w", err)
	}
	return nil
}

// UpdateOrder persists an order's current state. Called on every state
// transition so a crash never loses more than the in-flight attempt.
func (s *Store) UpdateOrder(ctx context.Context, o types.Order) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET
			external_id = ?, status = ?, filled_size = ?, filled_price = ?,
			attempts = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ?`,
		o.ExternalID, o.Status, o.FilledSize, nullFloat(o.FilledPrice),
		o.Attempts, o.FailureReason, encodeTime(time.Now()), o.ID)
	if err != nil {
		return fmt.Errorf("store.UpdateOrder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrder fetches one order by id.
func (s *Store) GetOrder(ctx context.Context, id string) (types.Order, error) {
	row := s.db.QueryRowContext(ctx, selectOrder+` WHERE id = ?`, id)
	return scanOrder(row)
}

// GetOrderByExternalID fetches the order carrying a venue order id.
func (s *Store) GetOrderByExternalID(ctx context.Context, externalID string) (types.Order, error) {
	row := s.db.QueryRowContext(ctx, selectOrder+` WHERE external_id = ?`, externalID)
	return scanOrder(row)
}

// ListOrders returns orders newest first, optionally filtered by status.
func (s *Store) ListOrders(ctx context.Context, status types.OrderStatus, limit int) ([]types.Order, error) {
	q := selectOrder
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store.ListOrders: %w", err)
	}
	defer rows.Close()

	var orders []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

const selectOrder = `SELECT
	id, signal_id, market_id, token_id, side, action,
	requested_size, requested_price, external_id, status,
	filled_size, filled_price, attempts, failure_reason,
	created_at, updated_at
FROM orders`

func scanOrder(r rowScanner) (types.Order, error) {
	var (
		o           types.Order
		filledPrice sql.NullFloat64
		createdAt   string
		updatedAt   string
	)
	err := r.Scan(&o.ID, &o.SignalID, &o.MarketID, &o.TokenID, &o.Side,
		&o.Action, &o.RequestedSize, &o.RequestedPrice, &o.ExternalID,
		&o.Status, &o.FilledSize, &filledPrice, &o.Attempts,
		&o.FailureReason, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Order{}, ErrNotFound
	}
	if err != nil {
		return types.Order{}, fmt.Errorf("store: scan order: %w", err)
	}

	o.FilledPrice = floatPtr(filledPrice)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return o, nil
}
