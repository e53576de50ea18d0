package analytics

import (
	"time"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// Quality weights: liquidity and spread dominate because they decide
// whether the copied size can actually fill near the copied price.
const (
	weightLiquidity  = 0.3
	weightSpread     = 0.3
	weightVolatility = 0.2
	weightTimeDecay  = 0.2
)

// MarketAnalyzer turns a book snapshot plus windowed prices into a single
// quality score in [0,1].
type MarketAnalyzer struct {
	cfg    config.AnalyticsConfig
	window *PriceWindow
}

func NewMarketAnalyzer(cfg config.AnalyticsConfig, window *PriceWindow) *MarketAnalyzer {
	return &MarketAnalyzer{cfg: cfg, window: window}
}

// Window exposes the price window so price observers can feed it.
func (a *MarketAnalyzer) Window() *PriceWindow { return a.window }

// Observe records a price observation into the rolling window. Callers that
// already fetched a midpoint feed it here so volatility has data.
func (a *MarketAnalyzer) Observe(marketID string, price float64) {
	if a.window == nil {
		return
	}
	a.window.Observe(marketID, price)
}

// Quality scores a market given its current book and resolution time.
// A zero endDate leaves the time subscore neutral.
func (a *MarketAnalyzer) Quality(book types.OrderBook, endDate time.Time) float64 {
	score := weightLiquidity*a.liquidityScore(book) +
		weightSpread*a.spreadScore(book) +
		weightVolatility*a.volatilityScore(book.MarketID) +
		weightTimeDecay*a.timeScore(endDate, time.Now())
	return clamp01(score)
}

// liquidityScore: min(total_depth / min_liquidity, 1).
func (a *MarketAnalyzer) liquidityScore(book types.OrderBook) float64 {
	if a.cfg.MinLiquidity <= 0 {
		return 1
	}
	return clamp01(book.TotalDepth() / a.cfg.MinLiquidity)
}

// spreadScore: max(0, 1 - spread_pct/max_spread_pct) with
// spread_pct = (ask-bid)/midpoint. A one-sided or empty book scores zero.
func (a *MarketAnalyzer) spreadScore(book types.OrderBook) float64 {
	mid, ok := book.Midpoint()
	if !ok || mid <= 0 {
		return 0
	}
	if a.cfg.MaxSpreadPct <= 0 {
		return 1
	}
	spreadPct := book.Spread() / mid
	return clamp01(1 - spreadPct/a.cfg.MaxSpreadPct)
}

// volatilityScore: max(0, 1 - stddev/max_volatility). Too few price points
// to measure scores neutral.
func (a *MarketAnalyzer) volatilityScore(marketID string) float64 {
	if a.window == nil || a.cfg.MaxVolatility <= 0 {
		return 0.5
	}
	stddev, ok := a.window.Volatility(marketID)
	if !ok {
		return 0.5
	}
	return clamp01(1 - stddev/a.cfg.MaxVolatility)
}

// timeScore: min(hours_to_resolution / min_hours, 1). Markets at or past
// resolution score zero; an unknown end date is neutral.
func (a *MarketAnalyzer) timeScore(endDate, now time.Time) float64 {
	if endDate.IsZero() {
		return 0.5
	}
	if a.cfg.MinHoursToResolution <= 0 {
		return 1
	}
	hours := endDate.Sub(now).Hours()
	if hours <= 0 {
		return 0
	}
	return clamp01(hours / a.cfg.MinHoursToResolution)
}
