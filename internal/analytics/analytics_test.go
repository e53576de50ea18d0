package analytics

import (
	"math"
	"testing"
	"time"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

func floatPtr(v float64) *float64 { return &v }

func TestConfidenceScoreFormula(t *testing.T) {
	t.Parallel()

	now := time.Now()
	metrics := types.WalletMetrics{WinRate: 0.72, AvgROI: 0.25, TotalTrades: 20}

	// Last trade five minutes ago, four resolved trades, three winners.
	trades := []types.Trade{
		{SignalTime: now.Add(-5 * time.Minute), PnL: floatPtr(10)},
		{SignalTime: now.Add(-2 * time.Hour), PnL: floatPtr(5)},
		{SignalTime: now.Add(-3 * time.Hour), PnL: floatPtr(-4)},
		{SignalTime: now.Add(-4 * time.Hour), PnL: floatPtr(8)},
	}

	got := ConfidenceScore(metrics, trades, now)

	timing := 1 - (5 * time.Minute).Seconds()/timingHorizon.Seconds()
	want := 0.3*0.72 + 0.3*(0.25/0.5) + 0.2*timing + 0.2*0.75
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("ConfidenceScore = %v, want %v", got, want)
	}
	if got < 0 || got > 1 {
		t.Errorf("score %v outside [0,1]", got)
	}
}

func TestConfidenceScoreDefaults(t *testing.T) {
	t.Parallel()

	// No history at all: only the neutral timing and consistency halves
	// contribute.
	got := ConfidenceScore(types.WalletMetrics{}, nil, time.Now())
	want := 0.2*0.5 + 0.2*0.5
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("ConfidenceScore = %v, want %v", got, want)
	}
}

func TestConfidenceScoreROISaturates(t *testing.T) {
	t.Parallel()

	lo := ConfidenceScore(types.WalletMetrics{AvgROI: 0.5}, nil, time.Now())
	hi := ConfidenceScore(types.WalletMetrics{AvgROI: 5.0}, nil, time.Now())
	if lo != hi {
		t.Errorf("ROI above saturation changed score: %v vs %v", lo, hi)
	}

	neg := ConfidenceScore(types.WalletMetrics{AvgROI: -2.0}, nil, time.Now())
	zero := ConfidenceScore(types.WalletMetrics{AvgROI: 0}, nil, time.Now())
	if neg != zero {
		t.Errorf("negative ROI should score as zero: %v vs %v", neg, zero)
	}
}

func TestConsistencyScoreSignStability(t *testing.T) {
	t.Parallel()

	allWins := []types.Trade{
		{PnL: floatPtr(1)}, {PnL: floatPtr(2)}, {PnL: floatPtr(3)},
	}
	if got := consistencyScore(allWins); got != 1.0 {
		t.Errorf("all wins = %v, want 1.0", got)
	}

	split := []types.Trade{
		{PnL: floatPtr(1)}, {PnL: floatPtr(-1)},
		{PnL: floatPtr(2)}, {PnL: floatPtr(-2)},
	}
	if got := consistencyScore(split); got != 0.5 {
		t.Errorf("alternating = %v, want 0.5", got)
	}

	// Unresolved trades carry no signal.
	unresolved := []types.Trade{{PnL: nil}, {PnL: floatPtr(1)}}
	if got := consistencyScore(unresolved); got != 0.5 {
		t.Errorf("single resolved = %v, want neutral 0.5", got)
	}
}

func TestPriceWindowVolatility(t *testing.T) {
	t.Parallel()

	w := NewPriceWindow(time.Minute)

	if _, ok := w.Volatility("mkt"); ok {
		t.Error("expected no volatility with zero points")
	}

	w.Observe("mkt", 0.50)
	if _, ok := w.Volatility("mkt"); ok {
		t.Error("expected no volatility with one point")
	}

	w.Observe("mkt", 0.60)
	stddev, ok := w.Volatility("mkt")
	if !ok {
		t.Fatal("expected volatility with two points")
	}
	// Mean 0.55, deviations ±0.05.
	if math.Abs(stddev-0.05) > 1e-9 {
		t.Errorf("stddev = %v, want 0.05", stddev)
	}

	// A different market is unaffected.
	if _, ok := w.Volatility("other"); ok {
		t.Error("expected no cross-market contamination")
	}
}

func TestPriceWindowConstantPrices(t *testing.T) {
	t.Parallel()

	w := NewPriceWindow(time.Minute)
	for i := 0; i < 5; i++ {
		w.Observe("mkt", 0.25)
	}
	stddev, ok := w.Volatility("mkt")
	if !ok || stddev != 0 {
		t.Errorf("constant prices: stddev = %v ok = %v, want 0 true", stddev, ok)
	}
	if got := w.Len("mkt"); got != 5 {
		t.Errorf("Len = %d, want 5", got)
	}
}

func testAnalyticsConfig() config.AnalyticsConfig {
	return config.AnalyticsConfig{
		MinLiquidity:         1000,
		MaxSpreadPct:         0.10,
		MaxVolatility:        0.15,
		MinHoursToResolution: 24,
		PriceWindow:          10 * time.Minute,
	}
}

func TestMarketQualityHealthyMarket(t *testing.T) {
	t.Parallel()

	a := NewMarketAnalyzer(testAnalyticsConfig(), NewPriceWindow(10*time.Minute))

	book := types.OrderBook{
		MarketID: "mkt",
		Bids:     []types.PriceLevel{{Price: 0.49, Size: 600}},
		Asks:     []types.PriceLevel{{Price: 0.51, Size: 600}},
	}
	endDate := time.Now().Add(72 * time.Hour)

	got := a.Quality(book, endDate)

	// liquidity: 1200/1000 capped at 1. spread: (0.02/0.50)/0.10 = 0.4
	// used, score 0.6. volatility: no points, neutral 0.5. time: 72h/24h
	// capped at 1.
	want := 0.3*1.0 + 0.3*0.6 + 0.2*0.5 + 0.2*1.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Quality = %v, want %v", got, want)
	}
}

func TestMarketQualityDegenerateBook(t *testing.T) {
	t.Parallel()

	a := NewMarketAnalyzer(testAnalyticsConfig(), NewPriceWindow(10*time.Minute))

	// One-sided book: no midpoint, spread subscore zero; depth still counts.
	book := types.OrderBook{
		MarketID: "mkt",
		Bids:     []types.PriceLevel{{Price: 0.30, Size: 100}},
	}
	got := a.Quality(book, time.Time{})

	want := 0.3*0.1 + 0.3*0 + 0.2*0.5 + 0.2*0.5
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Quality = %v, want %v", got, want)
	}
}

func TestMarketQualityExpiredMarket(t *testing.T) {
	t.Parallel()

	a := NewMarketAnalyzer(testAnalyticsConfig(), nil)
	book := types.OrderBook{
		Bids: []types.PriceLevel{{Price: 0.49, Size: 500}},
		Asks: []types.PriceLevel{{Price: 0.51, Size: 500}},
	}

	past := a.Quality(book, time.Now().Add(-time.Hour))
	future := a.Quality(book, time.Now().Add(100*time.Hour))
	if past >= future {
		t.Errorf("expired market should score below a live one: %v vs %v", past, future)
	}
}

func TestVolatilityScorePenalisesSwings(t *testing.T) {
	t.Parallel()

	w := NewPriceWindow(10 * time.Minute)
	a := NewMarketAnalyzer(testAnalyticsConfig(), w)

	// stddev 0.25 far exceeds max_volatility 0.15: clamps to zero.
	w.Observe("wild", 0.25)
	w.Observe("wild", 0.75)
	if got := a.volatilityScore("wild"); got != 0 {
		t.Errorf("volatilityScore = %v, want 0", got)
	}

	// stddev 0.01 well inside the budget.
	w.Observe("calm", 0.50)
	w.Observe("calm", 0.52)
	if got := a.volatilityScore("calm"); got <= 0.9 {
		t.Errorf("volatilityScore = %v, want > 0.9", got)
	}
}
