// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: trade signals and
// their dedup identity, normalized order books, durable entities (wallets,
// trades, orders, positions, filters, mappings), advisor verdicts and
// execution results. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side identifies which binary outcome a trade is exposed to.
type Side string

const (
	YES Side = "YES"
	NO  Side = "NO"
)

// SideForOutcome maps a venue outcome label to a Side. Only the known
// binary labels map; anything else (multi-outcome markets, scalar labels)
// returns false and the caller decides how to handle it.
func SideForOutcome(label string) (Side, bool) {
	switch strings.ToLower(label) {
	case "yes", "up":
		return YES, true
	case "no", "down":
		return NO, true
	}
	return "", false
}

// Action represents the direction of a trade: BUY opens exposure, SELL
// reduces it. Action is distinct from Side: close-position accounting keys
// off Action while P&L keys off Side.
type Action string

const (
	BUY  Action = "BUY"
	SELL Action = "SELL"
)

// Source identifies which feed observed a trade. The dedup identity of a
// signal deliberately ignores Source so the same fill seen by the data API
// and by the on-chain watcher collapses to one signal.
type Source string

const (
	SourceClob      Source = "primary-clob"  // venue data API poller
	SourceChain     Source = "primary-chain" // on-chain fill watcher
	SourceArbitrage Source = "arbitrage"     // cross-venue detector
)

// Mode is the engine trading mode.
type Mode string

const (
	ModePaper  Mode = "paper"
	ModeLive   Mode = "live"
	ModePaused Mode = "paused"
)

// ValidMode reports whether s names a known mode.
func ValidMode(s string) bool {
	switch Mode(s) {
	case ModePaper, ModeLive, ModePaused:
		return true
	}
	return false
}

// Urgency grades how quickly an approved trade should be worked.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyNormal Urgency = "normal"
	UrgencyLow    Urgency = "low"
)

// ————————————————————————————————————————————————————————————————————————
// Trade signals
// ————————————————————————————————————————————————————————————————————————

// TradeSignal is a detected trade event awaiting a decision. Signals are
// transient: they flow from an ingestion source through the queue into the
// decision pipeline exactly once.
type TradeSignal struct {
	Wallet    string    `json:"wallet"`
	MarketID  string    `json:"market_id"`
	TokenID   string    `json:"token_id"`
	Side      Side      `json:"side"`
	Action    Action    `json:"action"`
	Size      float64   `json:"size"`
	Price     float64   `json:"price"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	TxHash    string    `json:"tx_hash,omitempty"`
}

// DedupID derives the minute-granular identity of the signal: a 16 hex char
// digest over wallet, market, side, action, size and the timestamp rounded
// down to the minute. Source is excluded on purpose; two feeds reporting the
// same fill must produce the same ID. Wallet is lowercased before hashing so
// checksummed and plain addresses agree.
func (s TradeSignal) DedupID() string {
	msg := fmt.Sprintf("%s|%s|%s|%s|%.6f|%d",
		strings.ToLower(s.Wallet),
		s.MarketID,
		s.Side,
		s.Action,
		s.Size,
		s.Timestamp.UTC().Truncate(time.Minute).Unix(),
	)
	sum := sha256.Sum256([]byte(msg))
	return hex.EncodeToString(sum[:8])
}

// Validate checks the signal invariants before it enters the pipeline.
func (s TradeSignal) Validate() error {
	if s.Wallet == "" {
		return fmt.Errorf("signal: wallet is empty")
	}
	if s.MarketID == "" {
		return fmt.Errorf("signal: market_id is empty")
	}
	if s.Side != YES && s.Side != NO {
		return fmt.Errorf("signal: invalid side %q", s.Side)
	}
	if s.Action != BUY && s.Action != SELL {
		return fmt.Errorf("signal: invalid action %q", s.Action)
	}
	if s.Size <= 0 {
		return fmt.Errorf("signal: size must be positive, got %v", s.Size)
	}
	if s.Price < 0 || s.Price > 1 {
		return fmt.Errorf("signal: price %v outside [0,1]", s.Price)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Order book normal form
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is one level of a normalized order book. Prices are
// probabilities in [0,1], sizes are share counts.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is the normal form both venue adapters produce: bids sorted
// descending by price, asks ascending.
type OrderBook struct {
	MarketID  string       `json:"market_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid returns the highest bid, or 0 if the bid side is empty.
func (b *OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask, or 0 if the ask side is empty.
func (b *OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Midpoint returns (bestBid+bestAsk)/2 and false when either side is empty.
func (b *OrderBook) Midpoint() (float64, bool) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0, false
	}
	return (b.BestBid() + b.BestAsk()) / 2, true
}

// Spread returns bestAsk-bestBid, or 0 when either side is empty.
func (b *OrderBook) Spread() float64 {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0
	}
	return b.BestAsk() - b.BestBid()
}

// TotalDepth sums the size resting on both sides of the book.
func (b *OrderBook) TotalDepth() float64 {
	var total float64
	for _, lvl := range b.Bids {
		total += lvl.Size
	}
	for _, lvl := range b.Asks {
		total += lvl.Size
	}
	return total
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// OutcomeToken is one outcome of a binary market.
type OutcomeToken struct {
	TokenID string `json:"token_id"`
	Label   string `json:"label"`
	Winner  bool   `json:"winner"`
}

// MarketInfo is normalized market metadata from either venue.
type MarketInfo struct {
	ID        string         `json:"id"`
	Question  string         `json:"question"`
	Category  string         `json:"category,omitempty"`
	EndDate   time.Time      `json:"end_date"`
	Active    bool           `json:"active"`
	Closed    bool           `json:"closed"`
	Outcomes  []OutcomeToken `json:"outcomes,omitempty"`
	Liquidity float64        `json:"liquidity"`
	Volume24h float64        `json:"volume_24h"`
}

// WinningOutcome returns the label of the winning outcome token, if the
// market has resolved. Second return is false while unresolved.
func (m *MarketInfo) WinningOutcome() (string, bool) {
	for _, o := range m.Outcomes {
		if o.Winner {
			return o.Label, true
		}
	}
	return "", false
}

// ————————————————————————————————————————————————————————————————————————
// Durable entities
// ————————————————————————————————————————————————————————————————————————

// Wallet is a tracked external wallet whose trades the engine mirrors.
// Address is the natural key and is always stored lowercase.
type Wallet struct {
	Address       string    `json:"address"`
	Alias         string    `json:"alias,omitempty"`
	Enabled       bool      `json:"enabled"`
	ScaleFactor   float64   `json:"scale_factor"`
	MaxTradeSize  float64   `json:"max_trade_size,omitempty"` // 0 = no per-wallet cap
	MinConfidence float64   `json:"min_confidence"`
	CreatedAt     time.Time `json:"created_at"`
}

// WalletMetrics aggregates a wallet's historical performance. One row per
// wallet, updated by the resolution worker.
type WalletMetrics struct {
	Address     string  `json:"address"`
	WinRate     float64 `json:"win_rate"`
	AvgROI      float64 `json:"avg_roi"`
	TotalTrades int     `json:"total_trades"`
	TotalPnL    float64 `json:"total_pnl"`
}

// Trade is the durable record of a signal and the engine's response to it.
// A row is written at decision time even when the trade is rejected; the
// outcome fields are filled in later by the resolution worker.
type Trade struct {
	ID            int64      `json:"id"`
	WalletAddress string     `json:"wallet_address"`
	MarketID      string     `json:"market_id"`
	TokenID       string     `json:"token_id,omitempty"`
	Side          Side       `json:"side"`
	Action        Action     `json:"action"`
	Size          float64    `json:"size"`
	Price         float64    `json:"price"`
	Source        Source     `json:"source"`
	TxHash        string     `json:"tx_hash,omitempty"`
	SignalTime    time.Time  `json:"signal_time"`
	AIDecision    *bool      `json:"ai_decision,omitempty"`
	AIConfidence  *float64   `json:"ai_confidence,omitempty"`
	AIReasoning   string     `json:"ai_reasoning,omitempty"`
	Executed      bool       `json:"executed"`
	ExecutedSize  *float64   `json:"executed_size,omitempty"`
	ExecutedPrice *float64   `json:"executed_price,omitempty"`
	PaperMode     bool       `json:"paper_mode"`
	PnL           *float64   `json:"pnl,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// OrderStatus is the lifecycle state of an Order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderSubmitted OrderStatus = "submitted"
	OrderFilled    OrderStatus = "filled"
	OrderPartial   OrderStatus = "partial"
	OrderFailed    OrderStatus = "failed"
	OrderCancelled OrderStatus = "cancelled"
)

// Cancellable reports whether an order in this status may still be
// cancelled.
func (s OrderStatus) Cancellable() bool {
	return s == OrderPending || s == OrderSubmitted
}

// Terminal reports whether the status ends the state machine. failed is not
// terminal here because it may re-enter pending while attempts remain; the
// order manager checks the retry budget separately.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderPartial, OrderCancelled:
		return true
	}
	return false
}

// Order tracks one live submission through its state machine:
// pending -> submitted -> {filled, partial, failed, cancelled}, where failed
// re-enters pending while attempts remain.
type Order struct {
	ID             string      `json:"id"`
	SignalID       string      `json:"signal_id"`
	MarketID       string      `json:"market_id"`
	TokenID        string      `json:"token_id"`
	Side           Side        `json:"side"`
	Action         Action      `json:"action"`
	RequestedSize  float64     `json:"requested_size"`
	RequestedPrice float64     `json:"requested_price"`
	ExternalID     string      `json:"external_id,omitempty"`
	Status         OrderStatus `json:"status"`
	FilledSize     float64     `json:"filled_size"`
	FilledPrice    *float64    `json:"filled_price,omitempty"`
	Attempts       int         `json:"attempts"`
	FailureReason  string      `json:"failure_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// RemainingSize is the unfilled portion, resubmitted on retry after a
// partial fill.
func (o *Order) RemainingSize() float64 {
	rem := o.RequestedSize - o.FilledSize
	if rem < 0 {
		return 0
	}
	return rem
}

// Position is the operator's own open exposure created by mirroring a
// wallet. SELL signals close against open positions for the same
// (wallet, market, side) and realize P&L against the average entry.
type Position struct {
	ID            int64      `json:"id"`
	WalletAddress string     `json:"wallet_address"`
	MarketID      string     `json:"market_id"`
	TokenID       string     `json:"token_id,omitempty"`
	Side          Side       `json:"side"`
	Size          float64    `json:"size"`
	AvgEntryPrice float64    `json:"avg_entry_price"`
	ClosedSize    float64    `json:"closed_size"`
	Paper         bool       `json:"paper"`
	Status        string     `json:"status"` // open | closed
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

// OpenSize is the portion of the position still open.
func (p *Position) OpenSize() float64 {
	open := p.Size - p.ClosedSize
	if open < 0 {
		return 0
	}
	return open
}

// FilterType orders filter evaluation: market_id beats category beats
// keyword.
type FilterType string

const (
	FilterMarketID FilterType = "market_id"
	FilterCategory FilterType = "category"
	FilterKeyword  FilterType = "keyword"
)

// FilterAction is what a matching filter does.
type FilterAction string

const (
	FilterAllow FilterAction = "allow"
	FilterDeny  FilterAction = "deny"
)

// MarketFilter is one operator-maintained allow/deny rule.
type MarketFilter struct {
	ID        int64        `json:"id"`
	Type      FilterType   `json:"type"`
	Value     string       `json:"value"`
	Action    FilterAction `json:"action"`
	CreatedAt time.Time    `json:"created_at"`
}

// MarketMapping pairs a primary-venue market with a secondary-venue ticker
// for the arbitrage detector.
type MarketMapping struct {
	ID              int64     `json:"id"`
	PrimaryID       string    `json:"primary_id"`
	SecondaryTicker string    `json:"secondary_ticker"`
	Description     string    `json:"description,omitempty"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Decisions and execution
// ————————————————————————————————————————————————————————————————————————

// Verdict is the advisor's decision on a signal.
type Verdict struct {
	Execute    bool    `json:"execute"`
	Size       float64 `json:"size"`
	Confidence float64 `json:"confidence"`
	Urgency    Urgency `json:"urgency"`
	Reasoning  string  `json:"reasoning"`
}

// ExecutionResult is the terminal outcome of one signal's trip through the
// pipeline, whether it was executed, rejected or failed.
type ExecutionResult struct {
	Success       bool      `json:"success"`
	PaperMode     bool      `json:"paper_mode"`
	OrderID       string    `json:"order_id,omitempty"`
	ExecutedSize  float64   `json:"executed_size"`
	ExecutedPrice float64   `json:"executed_price"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// StopState is the emergency stop latch.
type StopState struct {
	Active bool      `json:"active"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Decision context
// ————————————————————————————————————————————————————————————————————————

// WalletContext carries the tracked wallet's controls and history into the
// advisor prompt.
type WalletContext struct {
	Address       string        `json:"address"`
	Alias         string        `json:"alias,omitempty"`
	Enabled       bool          `json:"enabled"`
	ScaleFactor   float64       `json:"scale_factor"`
	MaxTradeSize  float64       `json:"max_trade_size,omitempty"`
	MinConfidence float64       `json:"min_confidence"`
	Metrics       WalletMetrics `json:"metrics"`
	Confidence    float64       `json:"confidence"` // tracker score, 0.5 default
}

// MarketContext carries market microstructure into the advisor prompt.
type MarketContext struct {
	Liquidity         float64 `json:"liquidity"`
	Spread            float64 `json:"spread"`
	Midpoint          float64 `json:"midpoint"`
	Quality           float64 `json:"quality"` // analyzer score, 0.5 default
	HoursToResolution float64 `json:"hours_to_resolution,omitempty"`
}

// FilterVerdict is the market filter decision for the signal's market.
type FilterVerdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// RiskContext carries the current risk aggregates.
type RiskContext struct {
	DailyPnL     float64 `json:"daily_pnl"`
	OpenExposure float64 `json:"open_exposure"`
	MaxDailyLoss float64 `json:"max_daily_loss"`
}

// ArbDetails carries detector-specific fields for arbitrage signals.
type ArbDetails struct {
	Spread    float64 `json:"spread"`
	Direction string  `json:"direction"`
}

// DecisionContext is the full record the orchestrator assembles for the
// advisor. Optional collaborators that were not wired leave their scores at
// the documented defaults rather than nil fields.
type DecisionContext struct {
	Signal TradeSignal   `json:"signal"`
	Wallet WalletContext `json:"wallet"`
	Market MarketContext `json:"market"`
	Filter FilterVerdict `json:"filter"`
	Risk   RiskContext   `json:"risk"`
	Arb    *ArbDetails   `json:"arb,omitempty"`
}
