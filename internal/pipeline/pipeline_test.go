package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"polycopy/internal/analytics"
	"polycopy/internal/cache"
	"polycopy/internal/config"
	"polycopy/internal/filter"
	"polycopy/internal/risk"
	"polycopy/internal/store"
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

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDailyLoss:     500,
		MaxSingleTrade:   300,
		MaxTotalExposure: 1000,
		MaxSlippage:      0.05,
	}
}

func newTestAnalyzer() *analytics.MarketAnalyzer {
	cfg := config.AnalyticsConfig{
		MinLiquidity:         1000,
		MaxSpreadPct:         0.10,
		MaxVolatility:        0.15,
		MinHoursToResolution: 24,
		PriceWindow:          10 * time.Minute,
	}
	return analytics.NewMarketAnalyzer(cfg, analytics.NewPriceWindow(cfg.PriceWindow))
}

func addTrackedWallet(t *testing.T, s *store.Store) {
	t.Helper()
	err := s.AddWallet(context.Background(), types.Wallet{
		Address:       "0xtracked",
		Alias:         "whale",
		Enabled:       true,
		ScaleFactor:   0.5,
		MinConfidence: 0.6,
	})
	if err != nil {
		t.Fatalf("AddWallet: %v", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Fakes
// ————————————————————————————————————————————————————————————————————————

type fakeVenue struct {
	info    types.MarketInfo
	infoErr error
	book    types.OrderBook
	bookErr error
}

func (f *fakeVenue) GetMarket(ctx context.Context, conditionID string) (types.MarketInfo, error) {
	if f.infoErr != nil {
		return types.MarketInfo{}, f.infoErr
	}
	return f.info, nil
}

func (f *fakeVenue) GetOrderBook(ctx context.Context, tokenID string) (types.OrderBook, error) {
	if f.bookErr != nil {
		return types.OrderBook{}, f.bookErr
	}
	return f.book, nil
}

type stubTracker struct{ score float64 }

func (s stubTracker) Confidence(ctx context.Context, addr string) float64 { return s.score }

type fakeAdvisor struct {
	verdict types.Verdict
	err     error
	lastCtx *types.DecisionContext
}

func (f *fakeAdvisor) Decide(ctx context.Context, dc *types.DecisionContext) (types.Verdict, error) {
	f.lastCtx = dc
	if f.err != nil {
		return types.Verdict{}, f.err
	}
	return f.verdict, nil
}

type fakeExecutor struct {
	calls  []types.Verdict
	result types.ExecutionResult
	err    error
}

func (f *fakeExecutor) Execute(ctx context.Context, sig types.TradeSignal, v types.Verdict) (types.ExecutionResult, error) {
	f.calls = append(f.calls, v)
	if f.err != nil {
		return types.ExecutionResult{}, f.err
	}
	return f.result, nil
}

func approveVerdict(size float64) types.Verdict {
	return types.Verdict{
		Execute:    true,
		Size:       size,
		Confidence: 0.9,
		Urgency:    types.UrgencyNormal,
		Reasoning:  "copying profitable wallet",
	}
}

func paperFill(size, price float64) types.ExecutionResult {
	return types.ExecutionResult{
		Success:       true,
		PaperMode:     true,
		OrderID:       "fill-1",
		ExecutedSize:  size,
		ExecutedPrice: price,
		Timestamp:     time.Now().UTC(),
	}
}

func healthyBook() types.OrderBook {
	return types.OrderBook{
		Bids:      []types.PriceLevel{{Price: 0.49, Size: 600}},
		Asks:      []types.PriceLevel{{Price: 0.51, Size: 600}},
		Timestamp: time.Now().UTC(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Builder
// ————————————————————————————————————————————————————————————————————————

func TestBuildDefaultsWithoutCollaborators(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	state := cache.NewState(cache.NewMemory())
	b := NewBuilder(s, state, testRiskConfig(), testLogger())

	dc := b.Build(context.Background(), testSignal("0xunknown", 100, types.SourceClob))

	if dc.Wallet.Confidence != 0.5 {
		t.Errorf("wallet confidence = %v, want 0.5", dc.Wallet.Confidence)
	}
	if dc.Wallet.ScaleFactor != 1 {
		t.Errorf("scale factor = %v, want 1 for unknown wallet", dc.Wallet.ScaleFactor)
	}
	if dc.Market.Quality != 0.5 {
		t.Errorf("market quality = %v, want 0.5", dc.Market.Quality)
	}
	if !dc.Filter.Allowed {
		t.Error("filter verdict should default to allowed")
	}
	if dc.Risk.MaxDailyLoss != 500 {
		t.Errorf("max daily loss = %v, want 500", dc.Risk.MaxDailyLoss)
	}
	if dc.Arb != nil {
		t.Error("non-arbitrage signal carries arb details")
	}
}

func TestBuildFullContext(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	addTrackedWallet(t, s)
	state := cache.NewState(cache.NewMemory())

	endDate := time.Now().Add(72 * time.Hour).UTC()
	venue := &fakeVenue{
		info: types.MarketInfo{
			ID:       "0xmkt",
			Question: "Will the Fed cut rates in September?",
			Category: "economics",
			EndDate:  endDate,
			Active:   true,
		},
		book: healthyBook(),
	}
	analyzer := newTestAnalyzer()
	filters := filter.NewEvaluator([]types.MarketFilter{
		{Type: types.FilterCategory, Value: "sports", Action: types.FilterDeny},
	})

	b := NewBuilder(s, state, testRiskConfig(), testLogger()).
		WithVenue(venue).
		WithTracker(stubTracker{score: 0.8}).
		WithAnalyzer(analyzer).
		WithFilters(filters)

	sig := testSignal("0xTracked", 100, types.SourceClob)
	dc := b.Build(context.Background(), sig)

	if dc.Wallet.Alias != "whale" || !dc.Wallet.Enabled {
		t.Errorf("wallet row not loaded: %+v", dc.Wallet)
	}
	if dc.Wallet.ScaleFactor != 0.5 {
		t.Errorf("scale factor = %v, want 0.5", dc.Wallet.ScaleFactor)
	}
	if dc.Wallet.Confidence != 0.8 {
		t.Errorf("confidence = %v, want tracker's 0.8", dc.Wallet.Confidence)
	}
	if dc.Market.Liquidity != 1200 {
		t.Errorf("liquidity = %v, want 1200", dc.Market.Liquidity)
	}
	if math.Abs(dc.Market.Midpoint-0.50) > 1e-9 {
		t.Errorf("midpoint = %v, want 0.50", dc.Market.Midpoint)
	}
	if math.Abs(dc.Market.Spread-0.02) > 1e-9 {
		t.Errorf("spread = %v, want 0.02", dc.Market.Spread)
	}
	// liquidity 1 + spread 0.6 + neutral volatility + full time score.
	wantQuality := 0.3*1 + 0.3*0.6 + 0.2*0.5 + 0.2*1
	if math.Abs(dc.Market.Quality-wantQuality) > 1e-6 {
		t.Errorf("quality = %v, want %v", dc.Market.Quality, wantQuality)
	}
	if math.Abs(dc.Market.HoursToResolution-72) > 0.1 {
		t.Errorf("hours to resolution = %v, want ~72", dc.Market.HoursToResolution)
	}
	if !dc.Filter.Allowed {
		t.Errorf("economics market blocked: %s", dc.Filter.Reason)
	}
}

func TestBuildFilterDeny(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	state := cache.NewState(cache.NewMemory())
	venue := &fakeVenue{
		info: types.MarketInfo{ID: "0xmkt", Question: "Will the Lakers win?", Category: "sports"},
		book: healthyBook(),
	}
	filters := filter.NewEvaluator([]types.MarketFilter{
		{Type: types.FilterCategory, Value: "sports", Action: types.FilterDeny},
	})
	b := NewBuilder(s, state, testRiskConfig(), testLogger()).WithVenue(venue).WithFilters(filters)

	dc := b.Build(context.Background(), testSignal("0xaaa", 100, types.SourceClob))
	if dc.Filter.Allowed {
		t.Error("sports market should be denied")
	}
	if !strings.Contains(dc.Filter.Reason, "sports") {
		t.Errorf("reason = %q, want the matched value", dc.Filter.Reason)
	}
}

func TestBuildBookFallbackToCache(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	state := cache.NewState(cache.NewMemory())
	ctx := context.Background()
	if err := state.SetCachedPrice(ctx, "0xmkt", 0.44); err != nil {
		t.Fatalf("SetCachedPrice: %v", err)
	}

	venue := &fakeVenue{
		info:    types.MarketInfo{ID: "0xmkt"},
		bookErr: errors.New("clob timeout"),
	}
	b := NewBuilder(s, state, testRiskConfig(), testLogger()).WithVenue(venue)

	dc := b.Build(ctx, testSignal("0xaaa", 100, types.SourceClob))
	if dc.Market.Midpoint != 0.44 {
		t.Errorf("midpoint = %v, want cached 0.44", dc.Market.Midpoint)
	}
	if dc.Market.Liquidity != 0 {
		t.Errorf("liquidity = %v, want 0 without a book", dc.Market.Liquidity)
	}
}

func TestBuildArbDetails(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	state := cache.NewState(cache.NewMemory())
	ctx := context.Background()
	if err := state.SetArbSnapshot(ctx, "0xmkt", types.ArbDetails{Spread: 0.08, Direction: "YES"}); err != nil {
		t.Fatalf("SetArbSnapshot: %v", err)
	}

	b := NewBuilder(s, state, testRiskConfig(), testLogger())
	sig := testSignal("arbitrage_detector", 60, types.SourceArbitrage)
	sig.TokenID = ""

	dc := b.Build(ctx, sig)
	if dc.Arb == nil {
		t.Fatal("arb details missing")
	}
	if dc.Arb.Spread != 0.08 || dc.Arb.Direction != "YES" {
		t.Errorf("arb details = %+v, want spread 0.08 direction YES", dc.Arb)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Orchestrator
// ————————————————————————————————————————————————————————————————————————

func newTestOrchestrator(t *testing.T, venue Venue, adv *fakeAdvisor, ex *fakeExecutor) (*Orchestrator, *store.Store, *cache.State) {
	t.Helper()
	s := newTestStore(t)
	state := cache.NewState(cache.NewMemory())
	b := NewBuilder(s, state, testRiskConfig(), testLogger())
	if venue != nil {
		b = b.WithVenue(venue)
	}
	rm := risk.NewManager(testRiskConfig(), state, testLogger())
	o := NewOrchestrator(b, adv, rm, ex, s, testLogger())
	return o, s, state
}

func lastTrade(t *testing.T, s *store.Store) types.Trade {
	t.Helper()
	trades, err := s.ListRecentTrades(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("ListRecentTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("got %d trade rows, want 1", len(trades))
	}
	return trades[0]
}

func TestProcessApprovedSignalExecutes(t *testing.T) {
	t.Parallel()

	adv := &fakeAdvisor{verdict: approveVerdict(50)}
	ex := &fakeExecutor{result: paperFill(50, 0.55)}
	o, s, _ := newTestOrchestrator(t, &fakeVenue{book: healthyBook()}, adv, ex)

	res, err := o.Process(context.Background(), testSignal("0xaaa", 100, types.SourceClob))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if len(ex.calls) != 1 {
		t.Fatalf("executor called %d times, want 1", len(ex.calls))
	}
	if ex.calls[0].Size != 50 {
		t.Errorf("executed verdict size = %v, want 50", ex.calls[0].Size)
	}

	row := lastTrade(t, s)
	if !row.Executed || !row.PaperMode {
		t.Errorf("trade row executed/paper = %v/%v, want true/true", row.Executed, row.PaperMode)
	}
	if row.AIDecision == nil || !*row.AIDecision {
		t.Error("trade row should record the advisor's approval")
	}
	if row.ExecutedSize == nil || *row.ExecutedSize != 50 {
		t.Errorf("trade row executed size = %v, want 50", row.ExecutedSize)
	}
}

func TestProcessAdvisorRejects(t *testing.T) {
	t.Parallel()

	adv := &fakeAdvisor{verdict: types.Verdict{Execute: false, Urgency: types.UrgencyNormal, Reasoning: "stale wallet"}}
	ex := &fakeExecutor{}
	o, s, _ := newTestOrchestrator(t, nil, adv, ex)

	res, err := o.Process(context.Background(), testSignal("0xaaa", 100, types.SourceClob))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Success {
		t.Fatal("rejected signal reported success")
	}
	if want := "rejected by advisor: stale wallet"; res.Message != want {
		t.Errorf("message = %q, want %q", res.Message, want)
	}
	if len(ex.calls) != 0 {
		t.Errorf("executor called %d times on rejection", len(ex.calls))
	}

	row := lastTrade(t, s)
	if row.Executed {
		t.Error("trade row marked executed")
	}
	if row.AIDecision == nil || *row.AIDecision {
		t.Error("trade row should record the advisor's rejection")
	}
}

func TestProcessRiskRejects(t *testing.T) {
	t.Parallel()

	adv := &fakeAdvisor{verdict: approveVerdict(50)}
	ex := &fakeExecutor{}
	o, _, state := newTestOrchestrator(t, nil, adv, ex)

	ctx := context.Background()
	if _, err := state.AddDailyPnL(ctx, -550); err != nil {
		t.Fatalf("seed pnl: %v", err)
	}

	res, err := o.Process(ctx, testSignal("0xaaa", 100, types.SourceClob))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Success {
		t.Fatal("risk-blocked signal reported success")
	}
	if !strings.HasPrefix(res.Message, "rejected by risk manager:") {
		t.Errorf("message = %q, want risk manager prefix", res.Message)
	}
	if !strings.Contains(res.Message, "daily_loss_exceeded") {
		t.Errorf("message = %q, want daily_loss_exceeded", res.Message)
	}
	if len(ex.calls) != 0 {
		t.Error("executor called despite risk rejection")
	}
}

func TestProcessSlippageRejects(t *testing.T) {
	t.Parallel()

	wide := types.OrderBook{
		Bids: []types.PriceLevel{{Price: 0.40, Size: 500}},
		Asks: []types.PriceLevel{{Price: 0.48, Size: 500}},
	}
	adv := &fakeAdvisor{verdict: approveVerdict(50)}
	ex := &fakeExecutor{}
	o, _, _ := newTestOrchestrator(t, &fakeVenue{book: wide}, adv, ex)

	res, err := o.Process(context.Background(), testSignal("0xaaa", 100, types.SourceClob))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Success {
		t.Fatal("wide-spread signal reported success")
	}
	if !strings.Contains(res.Message, "slippage_exceeded") {
		t.Errorf("message = %q, want slippage_exceeded", res.Message)
	}
}

func TestProcessAdvisorErrorRecorded(t *testing.T) {
	t.Parallel()

	adv := &fakeAdvisor{err: errors.New("connection refused")}
	ex := &fakeExecutor{}
	o, s, _ := newTestOrchestrator(t, nil, adv, ex)

	res, err := o.Process(context.Background(), testSignal("0xaaa", 100, types.SourceClob))
	if err != nil {
		t.Fatalf("Process should absorb advisor outages, got %v", err)
	}
	if res.Success {
		t.Fatal("advisor outage reported success")
	}
	if !strings.Contains(res.Message, "advisor error") {
		t.Errorf("message = %q, want advisor error", res.Message)
	}

	row := lastTrade(t, s)
	if row.AIDecision != nil {
		t.Errorf("AIDecision = %v, want nil when no verdict was obtained", *row.AIDecision)
	}
}

func TestProcessEmitsEvents(t *testing.T) {
	t.Parallel()

	adv := &fakeAdvisor{verdict: approveVerdict(50)}
	ex := &fakeExecutor{result: paperFill(50, 0.55)}
	o, _, _ := newTestOrchestrator(t, nil, adv, ex)

	var seen []EventType
	o.WithEvents(func(e Event) { seen = append(seen, e.Type) })

	if _, err := o.Process(context.Background(), testSignal("0xaaa", 100, types.SourceClob)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := []EventType{EventSignal, EventDecision, EventExecution}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestRunDrainsQueueAndDropsInvalid(t *testing.T) {
	t.Parallel()

	adv := &fakeAdvisor{verdict: approveVerdict(50)}
	ex := &fakeExecutor{result: paperFill(50, 0.55)}
	o, _, _ := newTestOrchestrator(t, nil, adv, ex)

	q := NewQueue(10, time.Minute)
	bg := context.Background()
	if _, err := q.Put(bg, testSignal("0xaaa", 100, types.SourceClob)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	invalid := testSignal("0xbbb", 0, types.SourceClob) // zero size fails validation
	if _, err := q.Put(bg, invalid); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ctx, cancel := context.WithTimeout(bg, 250*time.Millisecond)
	defer cancel()
	if err := o.Run(ctx, q); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want DeadlineExceeded", err)
	}

	if len(ex.calls) != 1 {
		t.Errorf("executor called %d times, want 1 (invalid signal dropped)", len(ex.calls))
	}
}
