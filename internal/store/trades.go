package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"polycopy/pkg/types"
)

// InsertTrade records a decision-time trade row and returns its id. Rows
// are written for rejected trades too; only executed ones carry execution
// fields.
func (s *Store) InsertTrade(ctx context.Context, t types.Trade) (int64, error) {
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (
			wallet_address, market_id, token_id, side, action, size, price,
			source, tx_hash, signal_time, ai_decision, ai_confidence,
			ai_reasoning, executed, executed_size, executed_price, paper_mode,
			pnl, resolved_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		canonAddr(t.WalletAddress), t.MarketID, t.TokenID, t.Side, t.Action,
		t.Size, t.Price, t.Source, t.TxHash, encodeTime(t.SignalTime),
		nullBool(t.AIDecision), nullFloat(t.AIConfidence), t.AIReasoning,
		t.Executed, nullFloat(t.ExecutedSize), nullFloat(t.ExecutedPrice),
		t.PaperMode, nullFloat(t.PnL), nil, encodeTime(created))
	if err != nil {
		return 0, fmt.Errorf("store.InsertTrade: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store.InsertTrade: last id: %w", err)
	}
	return id, nil
}

// GetTrade fetches one trade by id.
func (s *Store) GetTrade(ctx context.Context, id int64) (types.Trade, error) {
	row := s.db.QueryRowContext(ctx, selectTrade+` WHERE id = ?`, id)
	t, err := scanTrade(row)
	if err != nil {
		return types.Trade{}, err
	}
	return t, nil
}

// ListRecentTrades returns up to limit trades, newest first, optionally
// restricted to executed ones.
func (s *Store) ListRecentTrades(ctx context.Context, limit int, executedOnly bool) ([]types.Trade, error) {
	q := selectTrade
	if executedOnly {
		q += ` WHERE executed = 1`
	}
	q += ` ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store.ListRecentTrades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// ListWalletTrades returns up to limit trades for one wallet, newest
// first. The confidence scorer reads these for timing and consistency.
func (s *Store) ListWalletTrades(ctx context.Context, addr string, limit int) ([]types.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		selectTrade+` WHERE wallet_address = ? ORDER BY id DESC LIMIT ?`,
		canonAddr(addr), limit)
	if err != nil {
		return nil, fmt.Errorf("store.ListWalletTrades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// UnresolvedTrades returns executed trades whose P&L has not been
// finalised, for the resolution worker.
func (s *Store) UnresolvedTrades(ctx context.Context) ([]types.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		selectTrade+` WHERE executed = 1 AND pnl IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store.UnresolvedTrades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// FinalizeTradePnL writes a trade's resolved P&L and recomputes the owning
// wallet's aggregate metrics in the same transaction.
func (s *Store) FinalizeTradePnL(ctx context.Context, tradeID int64, pnl float64, resolvedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.FinalizeTradePnL: begin: %w", err)
	}
	defer tx.Rollback()

	var wallet string
	err = tx.QueryRowContext(ctx,
		`SELECT wallet_address FROM trades WHERE id = ? AND executed = 1 AND pnl IS NULL`,
		tradeID).Scan(&wallet)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store.FinalizeTradePnL: lookup: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE trades SET pnl = ?, resolved_at = ? WHERE id = ?`,
		pnl, encodeTime(resolvedAt), tradeID)
	if err != nil {
		return fmt.Errorf("store.FinalizeTradePnL: update trade: %w", err)
	}

	// Recompute the wallet aggregates from all resolved trades. ROI per
	// trade is pnl over capital at risk (executed size x entry price).
	// Synthetic sources (the arbitrage detector) have no wallet row; their
	// trades resolve without metrics.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO wallet_metrics (address, win_rate, avg_roi, total_trades, total_pnl)
		 SELECT
			wallet_address,
			AVG(CASE WHEN pnl > 0 THEN 1.0 ELSE 0.0 END),
			COALESCE(AVG(pnl / NULLIF(COALESCE(executed_size, size) * COALESCE(executed_price, price), 0)), 0),
			COUNT(*),
			COALESCE(SUM(pnl), 0)
		 FROM trades
		 WHERE wallet_address = ? AND executed = 1 AND pnl IS NOT NULL
		   AND EXISTS (SELECT 1 FROM wallets WHERE address = wallet_address)
		 GROUP BY wallet_address
		 ON CONFLICT(address) DO UPDATE SET
			win_rate = excluded.win_rate,
			avg_roi = excluded.avg_roi,
			total_trades = excluded.total_trades,
			total_pnl = excluded.total_pnl`,
		wallet)
	if err != nil {
		return fmt.Errorf("store.FinalizeTradePnL: update metrics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store.FinalizeTradePnL: commit: %w", err)
	}
	return nil
}

const selectTrade = `SELECT
	id, wallet_address, market_id, token_id, side, action, size, price,
	source, tx_hash, signal_time, ai_decision, ai_confidence, ai_reasoning,
	executed, executed_size, executed_price, paper_mode, pnl, resolved_at,
	created_at
FROM trades`

func scanTrade(r rowScanner) (types.Trade, error) {
	var (
		t          types.Trade
		signalTime string
		createdAt  string
		aiDecision sql.NullInt64
		aiConf     sql.NullFloat64
		execSize   sql.NullFloat64
		execPrice  sql.NullFloat64
		pnl        sql.NullFloat64
		resolvedAt sql.NullString
	)
	err := r.Scan(&t.ID, &t.WalletAddress, &t.MarketID, &t.TokenID, &t.Side,
		&t.Action, &t.Size, &t.Price, &t.Source, &t.TxHash, &signalTime,
		&aiDecision, &aiConf, &t.AIReasoning, &t.Executed, &execSize,
		&execPrice, &t.PaperMode, &pnl, &resolvedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Trade{}, ErrNotFound
	}
	if err != nil {
		return types.Trade{}, fmt.Errorf("store: scan trade: %w", err)
	}

	t.SignalTime = parseTime(signalTime)
	t.CreatedAt = parseTime(createdAt)
	t.AIDecision = boolPtr(aiDecision)
	t.AIConfidence = floatPtr(aiConf)
	t.ExecutedSize = floatPtr(execSize)
	t.ExecutedPrice = floatPtr(execPrice)
	t.PnL = floatPtr(pnl)
	t.ResolvedAt = parseNullTime(resolvedAt)
	return t, nil
}

func collectTrades(rows *sql.Rows) ([]types.Trade, error) {
	var trades []types.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
