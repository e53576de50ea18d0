// Package cache provides the volatile key-value store shared by the
// pipeline: daily P&L, open exposure, trading mode, the emergency stop
// latch, ingestion cursors and the short-lived price cache.
//
// Two implementations exist: Redis (production, multi-process safe) and an
// in-process Memory store used for tests and single-instance paper runs.
// Numeric aggregates are mutated only through IncrByFloat; get-then-set on
// those keys loses updates under concurrent executions.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"polycopy/pkg/types"
)

// Well-known keys. Other packages never touch keys directly; they go
// through State.
const (
	KeyDailyPnL       = "risk:daily_pnl"
	KeyOpenExposure   = "risk:open_exposure"
	KeyMode           = "system:mode"
	KeyEmergencyStop  = "system:emergency_stop"
	KeyLiveConfirmed  = "system:live_confirmed"
	KeyFirstLiveAcked = "system:first_live_trade_acknowledged"
	KeyChainCursor    = "chain:last_block"
)

// PriceTTL bounds how long a cached market price may be served.
const PriceTTL = 60 * time.Second

func cursorKey(addr string) string { return "wallet:" + addr + ":last_cursor" }
func priceKey(marketID string) string { return "market:" + marketID + ":price" }
func arbKey(marketID string) string { return "arb:" + marketID + ":last" }

// Store is the minimal key-value contract both backends satisfy.
// Get reports presence explicitly so callers can distinguish "" from
// missing. A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)
	Close() error
}

// State wraps a Store with the typed operations the rest of the engine
// speaks. It owns key naming and encoding.
type State struct {
	store Store
}

// NewState wraps a backend store.
func NewState(store Store) *State {
	return &State{store: store}
}

// Close closes the underlying store.
func (s *State) Close() error { return s.store.Close() }

// ————————————————————————————————————————————————————————————————————————
// Risk aggregates
// ————————————————————————————————————————————————————————————————————————

// DailyPnL returns today's realized P&L, 0 when unset.
func (s *State) DailyPnL(ctx context.Context) (float64, error) {
	return s.getFloat(ctx, KeyDailyPnL)
}

// AddDailyPnL atomically advances today's realized P&L and returns the new
// total.
func (s *State) AddDailyPnL(ctx context.Context, delta float64) (float64, error) {
	return s.store.IncrByFloat(ctx, KeyDailyPnL, delta)
}

// ResetDailyPnL clears the daily counter. The engine schedules this at UTC
// midnight.
func (s *State) ResetDailyPnL(ctx context.Context) error {
	return s.store.Delete(ctx, KeyDailyPnL)
}

// OpenExposure returns the capital committed to open positions, 0 when
// unset.
func (s *State) OpenExposure(ctx context.Context) (float64, error) {
	return s.getFloat(ctx, KeyOpenExposure)
}

// AddExposure atomically adjusts open exposure (positive on open, negative
// on close) and returns the new total.
func (s *State) AddExposure(ctx context.Context, delta float64) (float64, error) {
	return s.store.IncrByFloat(ctx, KeyOpenExposure, delta)
}

// ————————————————————————————————————————————————————————————————————————
// Mode and safety latches
// ————————————————————————————————————————————————————————————————————————

// Mode returns the current trading mode, defaulting to paper when unset.
func (s *State) Mode(ctx context.Context) (types.Mode, error) {
	v, ok, err := s.store.Get(ctx, KeyMode)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return types.ModePaper, nil
	}
	return types.Mode(v), nil
}

// SetMode stores the trading mode.
func (s *State) SetMode(ctx context.Context, mode types.Mode) error {
	if !types.ValidMode(string(mode)) {
		return fmt.Errorf("cache: invalid mode %q", mode)
	}
	return s.store.Set(ctx, KeyMode, string(mode), 0)
}

// SeedMode writes the configured initial mode only when the store holds
// none, so a restart never overrides an operator's persisted choice.
func (s *State) SeedMode(ctx context.Context, mode types.Mode) error {
	_, ok, err := s.store.Get(ctx, KeyMode)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.SetMode(ctx, mode)
}

// EmergencyStop returns the stop latch state; inactive when unset.
func (s *State) EmergencyStop(ctx context.Context) (types.StopState, error) {
	v, ok, err := s.store.Get(ctx, KeyEmergencyStop)
	if err != nil || !ok {
		return types.StopState{}, err
	}
	var st types.StopState
	if err := json.Unmarshal([]byte(v), &st); err != nil {
		return types.StopState{}, fmt.Errorf("cache: decode stop state: %w", err)
	}
	return st, nil
}

// SetEmergencyStop activates the latch. Repeat activation keeps it active
// and records the most recent reason.
func (s *State) SetEmergencyStop(ctx context.Context, reason string) error {
	st := types.StopState{Active: true, Reason: reason, Since: time.Now().UTC()}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("cache: encode stop state: %w", err)
	}
	return s.store.Set(ctx, KeyEmergencyStop, string(data), 0)
}

// ClearEmergencyStop releases the latch.
func (s *State) ClearEmergencyStop(ctx context.Context) error {
	return s.store.Delete(ctx, KeyEmergencyStop)
}

// IsStopped is a convenience for the common active check.
func (s *State) IsStopped(ctx context.Context) (bool, error) {
	st, err := s.EmergencyStop(ctx)
	return st.Active, err
}

// LiveConfirmed reports whether the operator has confirmed live trading.
func (s *State) LiveConfirmed(ctx context.Context) (bool, error) {
	return s.getFlag(ctx, KeyLiveConfirmed)
}

// SetLiveConfirmed records or withdraws the live confirmation.
func (s *State) SetLiveConfirmed(ctx context.Context, confirmed bool) error {
	return s.setFlag(ctx, KeyLiveConfirmed, confirmed)
}

// FirstLiveTradeAcked reports whether the one-time first-live-trade warning
// has been acknowledged.
func (s *State) FirstLiveTradeAcked(ctx context.Context) (bool, error) {
	return s.getFlag(ctx, KeyFirstLiveAcked)
}

// AckFirstLiveTrade records the acknowledgement.
func (s *State) AckFirstLiveTrade(ctx context.Context) error {
	return s.setFlag(ctx, KeyFirstLiveAcked, true)
}

// ————————————————————————————————————————————————————————————————————————
// Cursors and price cache
// ————————————————————————————————————————————————————————————————————————

// Cursor returns a wallet poller's last-seen trade timestamp (unix seconds),
// 0 when the wallet has never been polled.
func (s *State) Cursor(ctx context.Context, addr string) (int64, error) {
	v, ok, err := s.store.Get(ctx, cursorKey(addr))
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cache: parse cursor for %s: %w", addr, err)
	}
	return n, nil
}

// SetCursor persists a wallet poller's cursor.
func (s *State) SetCursor(ctx context.Context, addr string, ts int64) error {
	return s.store.Set(ctx, cursorKey(addr), strconv.FormatInt(ts, 10), 0)
}

// ChainCursor returns the on-chain watcher's last scanned block, 0 when
// never scanned.
func (s *State) ChainCursor(ctx context.Context) (uint64, error) {
	v, ok, err := s.store.Get(ctx, KeyChainCursor)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cache: parse chain cursor: %w", err)
	}
	return n, nil
}

// SetChainCursor persists the on-chain watcher's block cursor.
func (s *State) SetChainCursor(ctx context.Context, block uint64) error {
	return s.store.Set(ctx, KeyChainCursor, strconv.FormatUint(block, 10), 0)
}

// CachedPrice returns a market's cached price. Stale entries expire after
// PriceTTL; ok is false when absent or expired.
func (s *State) CachedPrice(ctx context.Context, marketID string) (float64, bool, error) {
	v, ok, err := s.store.Get(ctx, priceKey(marketID))
	if err != nil || !ok {
		return 0, false, err
	}
	p, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("cache: parse price for %s: %w", marketID, err)
	}
	return p, true, nil
}

// SetCachedPrice caches a market price for PriceTTL.
func (s *State) SetCachedPrice(ctx context.Context, marketID string, price float64) error {
	return s.store.Set(ctx, priceKey(marketID), strconv.FormatFloat(price, 'f', -1, 64), PriceTTL)
}

// SetArbSnapshot caches the detector's latest spread observation for a
// market so the context builder can attach it to the matching signal.
// Snapshots share the price TTL.
func (s *State) SetArbSnapshot(ctx context.Context, marketID string, details types.ArbDetails) error {
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("cache: encode arb snapshot: %w", err)
	}
	return s.store.Set(ctx, arbKey(marketID), string(data), PriceTTL)
}

// ArbSnapshot returns the cached arbitrage observation for a market; ok is
// false when absent or expired.
func (s *State) ArbSnapshot(ctx context.Context, marketID string) (types.ArbDetails, bool, error) {
	v, ok, err := s.store.Get(ctx, arbKey(marketID))
	if err != nil || !ok {
		return types.ArbDetails{}, false, err
	}
	var d types.ArbDetails
	if err := json.Unmarshal([]byte(v), &d); err != nil {
		return types.ArbDetails{}, false, fmt.Errorf("cache: decode arb snapshot: %w", err)
	}
	return d, true, nil
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func (s *State) getFloat(ctx context.Context, key string) (float64, error) {
	v, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("cache: parse %s: %w", key, err)
	}
	return f, nil
}

func (s *State) getFlag(ctx context.Context, key string) (bool, error) {
	v, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return ok && v == "1", nil
}

func (s *State) setFlag(ctx context.Context, key string, on bool) error {
	if !on {
		return s.store.Delete(ctx, key)
	}
	return s.store.Set(ctx, key, "1", 0)
}
