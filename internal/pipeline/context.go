package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"polycopy/internal/cache"
	"polycopy/internal/config"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

// defaultScore is the neutral value used when an optional collaborator is
// not wired or has no data yet.
const defaultScore = 0.5

// Venue is the market-data surface the builder needs from the primary
// venue adapter.
type Venue interface {
	GetMarket(ctx context.Context, conditionID string) (types.MarketInfo, error)
	GetOrderBook(ctx context.Context, tokenID string) (types.OrderBook, error)
}

// ConfidenceScorer scores a tracked wallet in [0,1].
type ConfidenceScorer interface {
	Confidence(ctx context.Context, addr string) float64
}

// QualityScorer scores market microstructure in [0,1] and accepts price
// observations for its volatility window.
type QualityScorer interface {
	Observe(marketID string, price float64)
	Quality(book types.OrderBook, endDate time.Time) float64
}

// FilterEvaluator decides whether a market may be traded.
type FilterEvaluator interface {
	Evaluate(marketID, category, question string) types.FilterVerdict
}

// Builder assembles the DecisionContext for a signal. The store, state and
// risk config are required; venue, tracker, analyzer and filters are
// optional and leave their fields at documented defaults when absent.
// Lookups that fail are logged and degrade to defaults rather than failing
// the signal; enforcement belongs to the risk manager, not the context.
type Builder struct {
	store    *store.Store
	state    *cache.State
	risk     config.RiskConfig
	venue    Venue
	tracker  ConfidenceScorer
	analyzer QualityScorer
	filters  FilterEvaluator
	logger   *slog.Logger
}

// NewBuilder constructs a Builder with the required collaborators. Optional
// ones are attached with the With* methods.
func NewBuilder(s *store.Store, state *cache.State, risk config.RiskConfig, logger *slog.Logger) *Builder {
	return &Builder{
		store:  s,
		state:  state,
		risk:   risk,
		logger: logger.With("component", "context_builder"),
	}
}

// WithVenue attaches the primary venue's market-data client.
func (b *Builder) WithVenue(v Venue) *Builder { b.venue = v; return b }

// WithTracker attaches the wallet confidence scorer.
func (b *Builder) WithTracker(t ConfidenceScorer) *Builder { b.tracker = t; return b }

// WithAnalyzer attaches the market quality scorer.
func (b *Builder) WithAnalyzer(a QualityScorer) *Builder { b.analyzer = a; return b }

// WithFilters attaches the market filter evaluator.
func (b *Builder) WithFilters(f FilterEvaluator) *Builder { b.filters = f; return b }

// Build assembles the full decision context for one signal.
func (b *Builder) Build(ctx context.Context, sig types.TradeSignal) *types.DecisionContext {
	dc := &types.DecisionContext{
		Signal: sig,
		Wallet: types.WalletContext{
			Address:     sig.Wallet,
			ScaleFactor: 1,
			Confidence:  defaultScore,
		},
		Market: types.MarketContext{Quality: defaultScore},
		Filter: types.FilterVerdict{Allowed: true, Reason: "no filters configured"},
		Risk:   types.RiskContext{MaxDailyLoss: b.risk.MaxDailyLoss},
	}

	b.fillWallet(ctx, dc)
	info := b.fillMarket(ctx, dc)
	if b.filters != nil {
		dc.Filter = b.filters.Evaluate(sig.MarketID, info.Category, info.Question)
	}
	b.fillRisk(ctx, dc)
	if sig.Source == types.SourceArbitrage {
		b.fillArb(ctx, dc)
	}
	return dc
}

// fillWallet loads the wallet row, metrics and tracker confidence. Unknown
// wallets (the arbitrage detector's synthetic one) keep the defaults.
func (b *Builder) fillWallet(ctx context.Context, dc *types.DecisionContext) {
	addr := dc.Signal.Wallet

	w, err := b.store.GetWallet(ctx, addr)
	switch {
	case err == nil:
		dc.Wallet.Alias = w.Alias
		dc.Wallet.Enabled = w.Enabled
		dc.Wallet.ScaleFactor = w.ScaleFactor
		dc.Wallet.MaxTradeSize = w.MaxTradeSize
		dc.Wallet.MinConfidence = w.MinConfidence
	case errors.Is(err, store.ErrNotFound):
		// Synthetic sources have no wallet row.
	default:
		b.logger.Warn("wallet lookup failed", "wallet", addr, "error", err)
	}

	m, err := b.store.GetMetrics(ctx, addr)
	if err == nil {
		dc.Wallet.Metrics = m
	} else if !errors.Is(err, store.ErrNotFound) {
		b.logger.Warn("metrics lookup failed", "wallet", addr, "error", err)
	}

	if b.tracker != nil {
		dc.Wallet.Confidence = b.tracker.Confidence(ctx, addr)
	}
}

// fillMarket fetches book and market info from the venue, falling back to
// the price cache for a midpoint when the book is unavailable. Returns the
// market info for the filter evaluation (zero value when unavailable).
func (b *Builder) fillMarket(ctx context.Context, dc *types.DecisionContext) types.MarketInfo {
	var info types.MarketInfo
	if b.venue == nil {
		return info
	}
	sig := dc.Signal

	if mi, err := b.venue.GetMarket(ctx, sig.MarketID); err == nil {
		info = mi
		if !info.EndDate.IsZero() {
			dc.Market.HoursToResolution = time.Until(info.EndDate).Hours()
		}
	} else {
		b.logger.Warn("market lookup failed", "market", sig.MarketID, "error", err)
	}

	if sig.TokenID == "" {
		b.fillCachedMidpoint(ctx, dc)
		return info
	}

	book, err := b.venue.GetOrderBook(ctx, sig.TokenID)
	if err != nil {
		b.logger.Warn("book fetch failed", "market", sig.MarketID, "error", err)
		b.fillCachedMidpoint(ctx, dc)
		return info
	}
	book.MarketID = sig.MarketID

	dc.Market.Liquidity = book.TotalDepth()
	dc.Market.Spread = book.Spread()
	if mid, ok := book.Midpoint(); ok {
		dc.Market.Midpoint = mid
		if b.analyzer != nil {
			b.analyzer.Observe(sig.MarketID, mid)
		}
	}
	if b.analyzer != nil {
		dc.Market.Quality = b.analyzer.Quality(book, info.EndDate)
	}
	return info
}

func (b *Builder) fillCachedMidpoint(ctx context.Context, dc *types.DecisionContext) {
	p, ok, err := b.state.CachedPrice(ctx, dc.Signal.MarketID)
	if err != nil {
		b.logger.Warn("price cache read failed", "market", dc.Signal.MarketID, "error", err)
		return
	}
	if ok {
		dc.Market.Midpoint = p
	}
}

func (b *Builder) fillRisk(ctx context.Context, dc *types.DecisionContext) {
	pnl, err := b.state.DailyPnL(ctx)
	if err != nil {
		b.logger.Warn("daily pnl read failed", "error", err)
	}
	exp, err := b.state.OpenExposure(ctx)
	if err != nil {
		b.logger.Warn("exposure read failed", "error", err)
	}
	dc.Risk.DailyPnL = pnl
	dc.Risk.OpenExposure = exp
}

func (b *Builder) fillArb(ctx context.Context, dc *types.DecisionContext) {
	d, ok, err := b.state.ArbSnapshot(ctx, dc.Signal.MarketID)
	if err != nil {
		b.logger.Warn("arb snapshot read failed", "market", dc.Signal.MarketID, "error", err)
		return
	}
	if !ok {
		// Snapshot expired between detection and decision; direction is
		// still recoverable from the side.
		d = types.ArbDetails{Direction: string(dc.Signal.Side)}
	}
	dc.Arb = &d
}
