package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"polycopy/pkg/types"
)

// AddWallet inserts a tracked wallet and its empty metrics row. The address
// is canonicalised to lowercase; re-adding an existing wallet fails.
func (s *Store) AddWallet(ctx context.Context, w types.Wallet) error {
	addr := canonAddr(w.Address)
	if addr == "" {
		return fmt.Errorf("store.AddWallet: empty address")
	}
	if w.ScaleFactor < 0 {
		return fmt.Errorf("store.AddWallet: scale_factor must be >= 0")
	}
	if w.MinConfidence < 0 || w.MinConfidence > 1 {
		return fmt.Errorf("store.AddWallet: min_confidence must be in [0,1]")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.AddWallet: begin: %w", err)
	}
	defer tx.Rollback()

	created := w.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO wallets (address, alias, enabled, scale_factor, max_trade_size, min_confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		addr, w.Alias, w.Enabled, w.ScaleFactor, w.MaxTradeSize, w.MinConfidence, encodeTime(created))
	if err != nil {
		return fmt.Errorf("store.AddWallet: insert: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO wallet_metrics (address) VALUES (?)`, addr)
	if err != nil {
		return fmt.Errorf("store.AddWallet: insert metrics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store.AddWallet: commit: %w", err)
	}
	return nil
}

// RemoveWallet deletes a wallet; its metrics row cascades.
func (s *Store) RemoveWallet(ctx context.Context, addr string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM wallets WHERE address = ?`, canonAddr(addr))
	if err != nil {
		return fmt.Errorf("store.RemoveWallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWallet fetches one wallet by address.
func (s *Store) GetWallet(ctx context.Context, addr string) (types.Wallet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT address, alias, enabled, scale_factor, max_trade_size, min_confidence, created_at
		 FROM wallets WHERE address = ?`, canonAddr(addr))
	return scanWallet(row)
}

// ListWallets returns all wallets, or only the enabled ones.
func (s *Store) ListWallets(ctx context.Context, onlyEnabled bool) ([]types.Wallet, error) {
	q := `SELECT address, alias, enabled, scale_factor, max_trade_size, min_confidence, created_at
	      FROM wallets`
	if onlyEnabled {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY created_at, address`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store.ListWallets: %w", err)
	}
	defer rows.Close()

	var wallets []types.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// WalletControls are the operator-tunable fields of a wallet.
type WalletControls struct {
	Enabled       bool
	ScaleFactor   float64
	MaxTradeSize  float64
	MinConfidence float64
}

// UpdateWalletControls replaces all control fields atomically.
func (s *Store) UpdateWalletControls(ctx context.Context, addr string, c WalletControls) error {
	if c.ScaleFactor < 0 {
		return fmt.Errorf("store.UpdateWalletControls: scale_factor must be >= 0")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("store.UpdateWalletControls: min_confidence must be in [0,1]")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE wallets SET enabled = ?, scale_factor = ?, max_trade_size = ?, min_confidence = ?
		 WHERE address = ?`,
		c.Enabled, c.ScaleFactor, c.MaxTradeSize, c.MinConfidence, canonAddr(addr))
	if err != nil {
		return fmt.Errorf("store.UpdateWalletControls: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMetrics fetches a wallet's aggregate metrics. A wallet that has never
// resolved a trade returns the zero metrics row.
func (s *Store) GetMetrics(ctx context.Context, addr string) (types.WalletMetrics, error) {
	var m types.WalletMetrics
	err := s.db.QueryRowContext(ctx,
		`SELECT address, win_rate, avg_roi, total_trades, total_pnl
		 FROM wallet_metrics WHERE address = ?`, canonAddr(addr)).
		Scan(&m.Address, &m.WinRate, &m.AvgROI, &m.TotalTrades, &m.TotalPnL)
	if errors.Is(err, sql.ErrNoRows) {
		return types.WalletMetrics{}, ErrNotFound
	}
	if err != nil {
		return types.WalletMetrics{}, fmt.Errorf("store.GetMetrics: %w", err)
	}
	return m, nil
}

// UpdateMetrics overwrites a wallet's metrics row.
func (s *Store) UpdateMetrics(ctx context.Context, m types.WalletMetrics) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallet_metrics (address, win_rate, avg_roi, total_trades, total_pnl)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
			win_rate = excluded.win_rate,
			avg_roi = excluded.avg_roi,
			total_trades = excluded.total_trades,
			total_pnl = excluded.total_pnl`,
		canonAddr(m.Address), m.WinRate, m.AvgROI, m.TotalTrades, m.TotalPnL)
	if err != nil {
		return fmt.Errorf("store.UpdateMetrics: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(r rowScanner) (types.Wallet, error) {
	var (
		w       types.Wallet
		created string
	)
	err := r.Scan(&w.Address, &w.Alias, &w.Enabled, &w.ScaleFactor, &w.MaxTradeSize, &w.MinConfidence, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Wallet{}, ErrNotFound
	}
	if err != nil {
		return types.Wallet{}, fmt.Errorf("store: scan wallet: %w", err)
	}
	w.CreatedAt = parseTime(created)
	return w, nil
}
