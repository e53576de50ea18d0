package engine

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testConfig returns a paper-only config with every venue pointed at a
// stub server that answers every request with an empty JSON array.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
	}))
	t.Cleanup(stub.Close)

	cfg := &config.Config{Mode: "paper"}
	cfg.Database.Path = filepath.Join(t.TempDir(), "copy.db")
	cfg.Polymarket.GammaBaseURL = stub.URL
	cfg.Polymarket.CLOBBaseURL = stub.URL
	cfg.Polymarket.DataBaseURL = stub.URL
	cfg.Queue.Capacity = 8
	cfg.Queue.DedupWindow = time.Minute
	cfg.Ingest.PollInterval = time.Hour
	cfg.Ingest.ReconcileInterval = time.Hour
	cfg.Resolution.PollInterval = time.Hour
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNewPaperOnlyWiring(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	defer e.Stop()

	if e.ordersMgr != nil {
		t.Error("order manager wired without trading credentials")
	}
	if e.arb != nil {
		t.Error("arb detector wired without a secondary venue")
	}
	if e.watcher != nil {
		t.Error("chain watcher wired without a chain rpc")
	}
	if e.apiSrv != nil {
		t.Error("api server wired with the dashboard disabled")
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Mode = "turbo"
	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("New accepted an unknown mode")
	}
}

func TestSeedReconcilesState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	defer e.Stop()

	if _, err := e.store.OpenPosition(ctx, types.Position{
		WalletAddress: "0xabc", MarketID: "m1", Side: types.YES,
		Size: 100, AvgEntryPrice: 0.40, Paper: true,
	}); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	mode, err := e.seed(ctx)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if mode != types.ModePaper {
		t.Errorf("mode = %v, want %v", mode, types.ModePaper)
	}
	exp, err := e.state.OpenExposure(ctx)
	if err != nil {
		t.Fatalf("OpenExposure: %v", err)
	}
	if math.Abs(exp-40) > 1e-9 {
		t.Errorf("exposure = %v, want 40", exp)
	}

	// A restart must keep the operator's persisted mode over the
	// configured default and walk drifted counters back to the store.
	if err := e.state.SetMode(ctx, types.ModePaused); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if _, err := e.state.AddExposure(ctx, 25); err != nil {
		t.Fatalf("AddExposure: %v", err)
	}
	mode, err = e.seed(ctx)
	if err != nil {
		t.Fatalf("seed after restart: %v", err)
	}
	if mode != types.ModePaused {
		t.Errorf("mode after reseed = %v, want %v", mode, types.ModePaused)
	}
	exp, err = e.state.OpenExposure(ctx)
	if err != nil {
		t.Fatalf("OpenExposure: %v", err)
	}
	if math.Abs(exp-40) > 1e-9 {
		t.Errorf("exposure after reseed = %v, want 40", exp)
	}
}

func TestReconcileWallets(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newTestEngine(t)
	defer e.Stop()

	for _, w := range []types.Wallet{
		{Address: "0xaaa", Alias: "a", Enabled: true, ScaleFactor: 1},
		{Address: "0xbbb", Alias: "b", Enabled: true, ScaleFactor: 1},
		{Address: "0xccc", Alias: "c", Enabled: false, ScaleFactor: 1},
	} {
		if err := e.store.AddWallet(ctx, w); err != nil {
			t.Fatalf("AddWallet(%s): %v", w.Address, err)
		}
	}

	running := make(map[string]context.CancelFunc)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer func() {
		for _, stop := range running {
			stop()
		}
	}()

	if err := e.reconcileWallets(ctx, running, &wg); err != nil {
		t.Fatalf("reconcileWallets: %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("running pollers = %d, want 2", len(running))
	}
	for _, addr := range []string{"0xaaa", "0xbbb"} {
		if _, ok := running[addr]; !ok {
			t.Errorf("no poller for %s", addr)
		}
	}

	if err := e.store.RemoveWallet(ctx, "0xbbb"); err != nil {
		t.Fatalf("RemoveWallet: %v", err)
	}
	if err := e.reconcileWallets(ctx, running, &wg); err != nil {
		t.Fatalf("reconcileWallets after removal: %v", err)
	}
	if len(running) != 1 {
		t.Fatalf("running pollers after removal = %d, want 1", len(running))
	}
	if _, ok := running["0xaaa"]; !ok {
		t.Error("poller for 0xaaa was stopped with its wallet still enabled")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-e.Done():
	default:
		t.Error("Done not closed after Stop")
	}
	if err := e.Stop(); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	if err := e.Stop(); err != nil {
		t.Errorf("Stop before Start = %v, want nil", err)
	}
}
