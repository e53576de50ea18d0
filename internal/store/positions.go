package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"polycopy/pkg/types"
)

// OpenPosition records a new open lot created by an executed BUY.
func (s *Store) OpenPosition(ctx context.Context, p types.Position) (int64, error) {
	if p.Size <= 0 {
		return 0, fmt.Errorf("store.OpenPosition: size must be positive")
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (
			wallet_address, market_id, token_id, side, size,
			avg_entry_price, closed_size, paper, status, opened_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, 'open', ?)`,
		canonAddr(p.WalletAddress), p.MarketID, p.TokenID, p.Side, p.Size,
		p.AvgEntryPrice, p.Paper, encodeTime(p.OpenedAt))
	if err != nil {
		return 0, fmt.Errorf("store.OpenPosition: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store.OpenPosition: %w", err)
	}
	return id, nil
}

// ListOpenPositions returns open lots, oldest first. Pass empty strings to
// skip the wallet or market filter.
func (s *Store) ListOpenPositions(ctx context.Context, wallet, marketID string) ([]types.Position, error) {
	q := selectPosition + ` WHERE status = 'open'`
	args := []any{}
	if wallet != "" {
		q += ` AND wallet_address = ?`
		args = append(args, canonAddr(wallet))
	}
	if marketID != "" {
		q += ` AND market_id = ?`
		args = append(args, marketID)
	}
	q += ` ORDER BY opened_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store.ListOpenPositions: %w", err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// ClosePositions consumes open lots for (wallet, market, side, paper)
// oldest first, closing up to closeSize at exitPrice. It returns the size
// actually closed and the realized pnl, (exit - entry) per unit on each
// consumed lot. Closing more than is open closes what exists.
func (s *Store) ClosePositions(ctx context.Context, wallet, marketID string, side types.Side, paper bool, closeSize, exitPrice float64) (closed, realized float64, err error) {
	if closeSize <= 0 {
		return 0, 0, fmt.Errorf("store.ClosePositions: close size must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("store.ClosePositions: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		selectPosition+` WHERE wallet_address = ? AND market_id = ? AND side = ?
			AND paper = ? AND status = 'open'
		 ORDER BY opened_at, id`,
		canonAddr(wallet), marketID, side, paper)
	if err != nil {
		return 0, 0, fmt.Errorf("store.ClosePositions: query: %w", err)
	}
	lots, err := collectPositions(rows)
	if err != nil {
		return 0, 0, err
	}

	now := encodeTime(time.Now())
	remaining := closeSize
	for _, lot := range lots {
		if remaining <= 0 {
			break
		}
		take := lot.OpenSize()
		if take > remaining {
			take = remaining
		}
		if take <= 0 {
			continue
		}

		newClosed := lot.ClosedSize + take
		if lot.Size-newClosed <= 1e-9 {
			_, err = tx.ExecContext(ctx,
				`UPDATE positions SET closed_size = ?, status = 'closed', closed_at = ? WHERE id = ?`,
				lot.Size, now, lot.ID)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE positions SET closed_size = ? WHERE id = ?`,
				newClosed, lot.ID)
		}
		if err != nil {
			return 0, 0, fmt.Errorf("store.ClosePositions: update lot %d: %w", lot.ID, err)
		}

		closed += take
		realized += (exitPrice - lot.AvgEntryPrice) * take
		remaining -= take
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("store.ClosePositions: commit: %w", err)
	}
	return closed, realized, nil
}

// OpenExposure sums the still-open size across lots, used to reseed the
// exposure counter on startup. Exposure, trade sizes and the risk limits
// all share the same unit; the counter and this sum must agree.
func (s *Store) OpenExposure(ctx context.Context, paper bool) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(size - closed_size)
		 FROM positions WHERE status = 'open' AND paper = ?`, paper).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store.OpenExposure: %w", err)
	}
	return total.Float64, nil
}

const selectPosition = `SELECT
	id, wallet_address, market_id, token_id, side, size,
	avg_entry_price, closed_size, paper, status, opened_at, closed_at
FROM positions`

func collectPositions(rows *sql.Rows) ([]types.Position, error) {
	defer rows.Close()

	var positions []types.Position
	for rows.Next() {
		var (
			p        types.Position
			openedAt string
			closedAt sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.WalletAddress, &p.MarketID, &p.TokenID,
			&p.Side, &p.Size, &p.AvgEntryPrice, &p.ClosedSize, &p.Paper,
			&p.Status, &openedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("store: scan position: %w", err)
		}
		p.OpenedAt = parseTime(openedAt)
		p.ClosedAt = parseNullTime(closedAt)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
