// Package store persists durable engine state in SQLite: tracked wallets
// and their metrics, trades, orders, positions, market filters and
// cross-venue mappings.
//
// The driver is modernc.org/sqlite (pure Go). The pool is pinned to a
// single connection, which serialises writers and keeps SQLite's locking
// out of the picture; every read-modify-write path runs inside an explicit
// transaction on top of that.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS wallets (
	address        TEXT PRIMARY KEY,
	alias          TEXT NOT NULL DEFAULT '',
	enabled        INTEGER NOT NULL DEFAULT 1,
	scale_factor   REAL NOT NULL DEFAULT 1.0,
	max_trade_size REAL NOT NULL DEFAULT 0,
	min_confidence REAL NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_metrics (
	address      TEXT PRIMARY KEY REFERENCES wallets(address) ON DELETE CASCADE,
	win_rate     REAL NOT NULL DEFAULT 0,
	avg_roi      REAL NOT NULL DEFAULT 0,
	total_trades INTEGER NOT NULL DEFAULT 0,
	total_pnl    REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS trades (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	wallet_address TEXT NOT NULL,
	market_id      TEXT NOT NULL,
	token_id       TEXT NOT NULL DEFAULT '',
	side           TEXT NOT NULL,
	action         TEXT NOT NULL,
	size           REAL NOT NULL,
	price          REAL NOT NULL,
	source         TEXT NOT NULL,
	tx_hash        TEXT NOT NULL DEFAULT '',
	signal_time    TEXT NOT NULL,
	ai_decision    INTEGER,
	ai_confidence  REAL,
	ai_reasoning   TEXT NOT NULL DEFAULT '',
	executed       INTEGER NOT NULL DEFAULT 0,
	executed_size  REAL,
	executed_price REAL,
	paper_mode     INTEGER NOT NULL DEFAULT 1,
	pnl            REAL,
	resolved_at    TEXT,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_wallet ON trades(wallet_address);
CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market_id);

CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	signal_id       TEXT NOT NULL DEFAULT '',
	market_id       TEXT NOT NULL,
	token_id        TEXT NOT NULL DEFAULT '',
	side            TEXT NOT NULL,
	action          TEXT NOT NULL,
	requested_size  REAL NOT NULL,
	requested_price REAL NOT NULL,
	external_id     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	filled_size     REAL NOT NULL DEFAULT 0,
	filled_price    REAL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	failure_reason  TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_external ON orders(external_id);

CREATE TABLE IF NOT EXISTS market_filters (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	filter_type TEXT NOT NULL,
	value       TEXT NOT NULL,
	action      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	UNIQUE(filter_type, value)
);

CREATE TABLE IF NOT EXISTS market_mappings (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	primary_id       TEXT NOT NULL,
	secondary_ticker TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	active           INTEGER NOT NULL DEFAULT 1,
	created_at       TEXT NOT NULL,
	UNIQUE(primary_id, secondary_ticker)
);

CREATE TABLE IF NOT EXISTS positions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	wallet_address  TEXT NOT NULL,
	market_id       TEXT NOT NULL,
	token_id        TEXT NOT NULL DEFAULT '',
	side            TEXT NOT NULL,
	size            REAL NOT NULL,
	avg_entry_price REAL NOT NULL,
	closed_size     REAL NOT NULL DEFAULT 0,
	paper           INTEGER NOT NULL DEFAULT 1,
	status          TEXT NOT NULL DEFAULT 'open',
	opened_at       TEXT NOT NULL,
	closed_at       TEXT
);
CREATE INDEX IF NOT EXISTS idx_positions_lookup ON positions(wallet_address, market_id, side, status);
`

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = sql.ErrNoRows

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store.Open: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.Open: %w", err)
	}

	// Single connection: serialises writers, avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store.Open: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.Open: apply schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// canonAddr lowercases wallet addresses so lookups and uniqueness are
// case-insensitive.
func canonAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

func boolPtr(nb sql.NullInt64) *bool {
	if !nb.Valid {
		return nil
	}
	v := nb.Int64 != 0
	return &v
}
