package arb

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"polycopy/internal/cache"
	"polycopy/internal/config"
	"polycopy/internal/store"
	"polycopy/internal/venue/kalshi"
	"polycopy/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakePrimary struct {
	info types.MarketInfo
	mid  float64
	err  error
}

func (f *fakePrimary) GetMarket(ctx context.Context, conditionID string) (types.MarketInfo, error) {
	return f.info, f.err
}

func (f *fakePrimary) MidpointPrice(ctx context.Context, tokenID string) (float64, error) {
	return f.mid, f.err
}

type fakeSecondary struct {
	markets map[string]kalshi.Market
	errFor  string
}

func (f *fakeSecondary) GetMarket(ctx context.Context, ticker string) (kalshi.Market, error) {
	if ticker == f.errFor {
		return kalshi.Market{}, errors.New("kalshi unavailable")
	}
	return f.markets[ticker], nil
}

type fakeSink struct {
	sigs []types.TradeSignal
}

func (f *fakeSink) Put(ctx context.Context, sig types.TradeSignal) (bool, error) {
	f.sigs = append(f.sigs, sig)
	return true, nil
}

// kalshiQuote builds a market whose implied YES probability is exactly
// yesCents/100: both books quoted flat with complementary NO.
func kalshiQuote(yesCents int) kalshi.Market {
	return kalshi.Market{
		Ticker: "KXTEST",
		Status: "active",
		YesBid: yesCents, YesAsk: yesCents,
		NoBid: 100 - yesCents, NoAsk: 100 - yesCents,
	}
}

func primaryMarket() types.MarketInfo {
	return types.MarketInfo{
		ID: "0xprim",
		Outcomes: []types.OutcomeToken{
			{TokenID: "tok-yes", Label: "Yes"},
			{TokenID: "tok-no", Label: "No"},
		},
	}
}

func testArbConfig() config.ArbitrageConfig {
	return config.ArbitrageConfig{PollInterval: time.Second, MinSpread: 0.05, MaxSignalSize: 100}
}

func newTestDetector(t *testing.T, primary PrimaryVenue, secondary SecondaryVenue, sink Sink) (*Detector, *store.Store, *cache.State) {
	t.Helper()
	s := newTestStore(t)
	state := cache.NewState(cache.NewMemory())
	d := NewDetector(testArbConfig(), s, state, primary, secondary, sink, testLogger())
	return d, s, state
}

func addMapping(t *testing.T, s *store.Store, primaryID, ticker string) {
	t.Helper()
	if _, err := s.AddMapping(context.Background(), types.MarketMapping{
		PrimaryID: primaryID, SecondaryTicker: ticker, Active: true,
	}); err != nil {
		t.Fatalf("AddMapping: %v", err)
	}
}

func TestTickEmitsOnWideSpread(t *testing.T) {
	t.Parallel()

	primary := &fakePrimary{info: primaryMarket(), mid: 0.60}
	secondary := &fakeSecondary{markets: map[string]kalshi.Market{"KXTEST": kalshiQuote(70)}}
	sink := &fakeSink{}
	d, s, state := newTestDetector(t, primary, secondary, sink)
	ctx := context.Background()
	addMapping(t, s, "0xprim", "KXTEST")

	if err := d.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(sink.sigs) != 1 {
		t.Fatalf("got %d signals, want exactly 1", len(sink.sigs))
	}
	sig := sink.sigs[0]
	if sig.Side != types.YES {
		t.Errorf("side = %s, want YES (secondary above primary)", sig.Side)
	}
	if math.Abs(sig.Size-50) > 1e-9 {
		t.Errorf("size = %v, want 50 at a 0.10 spread", sig.Size)
	}
	if sig.Source != types.SourceArbitrage {
		t.Errorf("source = %s, want %s", sig.Source, types.SourceArbitrage)
	}
	if sig.MarketID != "0xprim" || sig.TokenID != "tok-yes" {
		t.Errorf("target = %s/%s, want the primary market's YES token", sig.MarketID, sig.TokenID)
	}
	if sig.Price != 0.60 {
		t.Errorf("price = %v, want the primary midpoint", sig.Price)
	}
	if sig.Wallet != Wallet {
		t.Errorf("wallet = %q, want %q", sig.Wallet, Wallet)
	}

	details, ok, err := state.ArbSnapshot(ctx, "0xprim")
	if err != nil || !ok {
		t.Fatalf("ArbSnapshot = (%v, %v), want a stored snapshot", ok, err)
	}
	if math.Abs(details.Spread-0.10) > 1e-9 || details.Direction != "YES" {
		t.Errorf("snapshot = %+v, want spread 0.10 direction YES", details)
	}
}

func TestTickSkipsNarrowSpreadButCachesPrices(t *testing.T) {
	t.Parallel()

	primary := &fakePrimary{info: primaryMarket(), mid: 0.60}
	secondary := &fakeSecondary{markets: map[string]kalshi.Market{"KXTEST": kalshiQuote(64)}}
	sink := &fakeSink{}
	d, s, state := newTestDetector(t, primary, secondary, sink)
	ctx := context.Background()
	addMapping(t, s, "0xprim", "KXTEST")

	if err := d.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(sink.sigs) != 0 {
		t.Fatalf("got %d signals below min_spread", len(sink.sigs))
	}
	price, ok, err := state.CachedPrice(ctx, "0xprim")
	if err != nil || !ok {
		t.Fatalf("CachedPrice = (%v, %v), want the primary midpoint cached", ok, err)
	}
	if price != 0.60 {
		t.Errorf("cached primary = %v, want 0.60", price)
	}
	sec, ok, err := state.CachedPrice(ctx, "KXTEST")
	if err != nil || !ok {
		t.Fatalf("secondary CachedPrice = (%v, %v), want cached", ok, err)
	}
	if math.Abs(sec-0.64) > 1e-9 {
		t.Errorf("cached secondary = %v, want 0.64", sec)
	}
}

func TestTickNegativeSpreadBuysNo(t *testing.T) {
	t.Parallel()

	primary := &fakePrimary{info: primaryMarket(), mid: 0.60}
	secondary := &fakeSecondary{markets: map[string]kalshi.Market{"KXTEST": kalshiQuote(40)}}
	sink := &fakeSink{}
	d, s, _ := newTestDetector(t, primary, secondary, sink)
	ctx := context.Background()
	addMapping(t, s, "0xprim", "KXTEST")

	if err := d.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(sink.sigs) != 1 {
		t.Fatalf("got %d signals, want 1", len(sink.sigs))
	}
	sig := sink.sigs[0]
	if sig.Side != types.NO || sig.TokenID != "tok-no" {
		t.Errorf("signal = %s/%s, want NO via tok-no", sig.Side, sig.TokenID)
	}
	if math.Abs(sig.Price-0.40) > 1e-9 {
		t.Errorf("price = %v, want 1 - primary midpoint", sig.Price)
	}
	// A 0.20 divergence reaches the full configured size.
	if math.Abs(sig.Size-100) > 1e-9 {
		t.Errorf("size = %v, want 100", sig.Size)
	}
}

func TestTickIsolatesFailingMapping(t *testing.T) {
	t.Parallel()

	primary := &fakePrimary{info: primaryMarket(), mid: 0.60}
	secondary := &fakeSecondary{
		markets: map[string]kalshi.Market{"KXGOOD": kalshiQuote(70)},
		errFor:  "KXBAD",
	}
	sink := &fakeSink{}
	d, s, _ := newTestDetector(t, primary, secondary, sink)
	ctx := context.Background()
	addMapping(t, s, "0xprim", "KXBAD")
	addMapping(t, s, "0xprim", "KXGOOD")

	if err := d.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(sink.sigs) != 1 {
		t.Errorf("got %d signals, want 1 from the healthy mapping", len(sink.sigs))
	}
}

func TestTickIgnoresInactiveMappings(t *testing.T) {
	t.Parallel()

	primary := &fakePrimary{info: primaryMarket(), mid: 0.60}
	secondary := &fakeSecondary{markets: map[string]kalshi.Market{"KXTEST": kalshiQuote(70)}}
	sink := &fakeSink{}
	d, s, _ := newTestDetector(t, primary, secondary, sink)
	ctx := context.Background()

	id, err := s.AddMapping(ctx, types.MarketMapping{PrimaryID: "0xprim", SecondaryTicker: "KXTEST", Active: true})
	if err != nil {
		t.Fatalf("AddMapping: %v", err)
	}
	if err := s.SetMappingActive(ctx, id, false); err != nil {
		t.Fatalf("SetMappingActive: %v", err)
	}

	if err := d.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(sink.sigs) != 0 {
		t.Errorf("got %d signals from a deactivated mapping", len(sink.sigs))
	}
}
