// Package engine assembles the stores, venue clients, ingest paths,
// decision pipeline and operator API into one process and owns their
// lifecycles. Construction is config-driven: components whose
// prerequisites are missing (Kalshi keys, a chain RPC endpoint, trading
// credentials, the dashboard flag) stay nil and are never started.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"polycopy/internal/advisor"
	"polycopy/internal/analytics"
	"polycopy/internal/api"
	"polycopy/internal/arb"
	"polycopy/internal/cache"
	"polycopy/internal/config"
	"polycopy/internal/exec"
	"polycopy/internal/filter"
	"polycopy/internal/ingest"
	"polycopy/internal/orders"
	"polycopy/internal/pipeline"
	"polycopy/internal/resolution"
	"polycopy/internal/risk"
	"polycopy/internal/safety"
	"polycopy/internal/store"
	"polycopy/internal/venue/kalshi"
	"polycopy/internal/venue/polymarket"
	"polycopy/pkg/types"
)

// drainWait bounds how long Stop lets the decision workers finish
// already-queued signals before cancelling them.
const drainWait = 5 * time.Second

// Engine wires every component together. New builds one; Start and Stop
// manage its lifecycle.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store *store.Store
	state *cache.State
	guard *safety.Guard
	queue *pipeline.Queue

	primary   *polymarket.Client
	secondary *kalshi.Client    // nil without Kalshi credentials
	chain     *ethclient.Client // nil without a chain RPC endpoint

	orch       *pipeline.Orchestrator
	ordersMgr  *orders.Manager // nil without trading credentials
	resolution *resolution.Worker
	arb        *arb.Detector   // nil without a secondary venue
	watcher    *ingest.Watcher // nil without a chain client
	apiSrv     *api.Server     // nil unless the dashboard is enabled

	group        *errgroup.Group
	cancelIntake context.CancelFunc
	cancelWork   context.CancelFunc
	done         chan struct{}
	runErr       error

	stopOnce sync.Once
	stopErr  error
}

// New builds an engine from config. It opens the durable and volatile
// stores, constructs the venue clients and wires the pipeline; nothing
// runs until Start. When only a private key is configured, API
// credentials are derived from the exchange during construction.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if !types.ValidMode(cfg.Mode) {
		return nil, fmt.Errorf("engine.New: unknown mode %q", cfg.Mode)
	}

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("engine.New: %w", err)
	}
	backend, err := openCacheBackend(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("engine.New: %w", err)
	}
	state := cache.NewState(backend)

	ok := false
	defer func() {
		if !ok {
			state.Close()
			st.Close()
		}
	}()

	auth, err := polymarket.NewAuth(cfg.Polymarket)
	if err != nil {
		return nil, fmt.Errorf("engine.New: %w", err)
	}
	primary := polymarket.NewClient(cfg.Polymarket, auth, logger)
	if cfg.Polymarket.HasCredentials() && !auth.HasL2Credentials() {
		dctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		creds, derr := primary.DeriveAPIKey(dctx)
		cancel()
		if derr != nil {
			return nil, fmt.Errorf("engine.New: derive api credentials: %w", derr)
		}
		auth.SetCredentials(*creds)
		logger.Info("derived polymarket api credentials")
	}

	var secondary *kalshi.Client
	if cfg.Kalshi.Enabled() {
		pem, rerr := os.ReadFile(cfg.Kalshi.PrivateKeyPath)
		if rerr != nil {
			return nil, fmt.Errorf("engine.New: kalshi key: %w", rerr)
		}
		signer, serr := kalshi.NewSigner(cfg.Kalshi.ApiKey, pem)
		if serr != nil {
			return nil, fmt.Errorf("engine.New: %w", serr)
		}
		secondary = kalshi.NewClient(cfg.Kalshi, signer, logger)
	}

	var chain *ethclient.Client
	if cfg.Polymarket.ChainRPC != "" {
		chain, err = ethclient.Dial(cfg.Polymarket.ChainRPC)
		if err != nil {
			return nil, fmt.Errorf("engine.New: chain rpc: %w", err)
		}
	}

	guard := safety.NewGuard(state, cfg.Polymarket.HasCredentials(), logger)
	queue := pipeline.NewQueue(cfg.Queue.Capacity, cfg.Queue.DedupWindow)

	window := analytics.NewPriceWindow(cfg.Analytics.PriceWindow)
	analyzer := analytics.NewMarketAnalyzer(cfg.Analytics, window)
	tracker := analytics.NewWalletTracker(st, logger)
	filters := filter.NewLoader(st, 0, logger)

	builder := pipeline.NewBuilder(st, state, cfg.Risk, logger).
		WithVenue(primary).
		WithTracker(tracker).
		WithAnalyzer(analyzer).
		WithFilters(filters)

	var adv advisor.Advisor
	if cfg.Advisor.BaseURL != "" {
		adv = advisor.NewLLM(cfg.Advisor, logger)
	} else {
		adv = advisor.NewThreshold(logger)
	}
	riskMgr := risk.NewManager(cfg.Risk, state, logger)

	paper := exec.NewPaper(st, state, logger)
	var ordersMgr *orders.Manager
	var livePlacer exec.LivePlacer
	if cfg.Polymarket.HasCredentials() {
		live := exec.NewLive(primary, st, state, logger)
		ordersMgr = orders.NewManager(cfg.Orders, live, st, logger)
		livePlacer = ordersMgr
	}
	router := exec.NewRouter(paper, livePlacer, state, logger)

	orch := pipeline.NewOrchestrator(builder, adv, riskMgr, router, st, logger)
	resWorker := resolution.NewWorker(cfg.Resolution, st, state, primary, logger)

	var detector *arb.Detector
	if secondary != nil {
		detector = arb.NewDetector(cfg.Arbitrage, st, state, primary, secondary, queue, logger)
	}
	var watcher *ingest.Watcher
	if chain != nil {
		watcher = ingest.NewWatcher(cfg.Ingest, chain, cfg.Polymarket.ExchangeAddress, st, primary, state, queue, logger)
	}

	var apiSrv *api.Server
	if cfg.Dashboard.Enabled {
		hub := api.NewHub(logger)
		var canceller api.OrderCanceller
		if ordersMgr != nil {
			canceller = ordersMgr
		}
		handlers := api.NewHandlers(st, state, guard, queue, canceller, hub, logger)
		apiSrv = api.NewServer(cfg.Dashboard, handlers, hub, logger)

		events := apiSrv.Events()
		orch.WithEvents(events)
		resWorker.WithEvents(events)
		if ordersMgr != nil {
			ordersMgr.WithEvents(events)
		}
	}

	ok = true
	return &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		store:      st,
		state:      state,
		guard:      guard,
		queue:      queue,
		primary:    primary,
		secondary:  secondary,
		chain:      chain,
		orch:       orch,
		ordersMgr:  ordersMgr,
		resolution: resWorker,
		arb:        detector,
		watcher:    watcher,
		apiSrv:     apiSrv,
		done:       make(chan struct{}),
	}, nil
}

func openCacheBackend(cfg *config.Config) (cache.Store, error) {
	if cfg.Redis.Addr == "" {
		return cache.NewMemory(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cache.NewRedis(ctx, cfg.Redis)
}

// Start seeds the volatile state from the durable store and launches the
// engine's tasks under the given context. It returns once everything is
// running; use Done to observe an internal failure and Stop to shut down.
func (e *Engine) Start(ctx context.Context) error {
	mode, err := e.seed(ctx)
	if err != nil {
		return fmt.Errorf("engine.Start: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	e.group = g
	intakeCtx, cancelIntake := context.WithCancel(gctx)
	workCtx, cancelWork := context.WithCancel(gctx)
	e.cancelIntake, e.cancelWork = cancelIntake, cancelWork

	e.spawn("wallet_reconciler", func() error { return e.runReconciler(intakeCtx) })
	if e.arb != nil {
		e.spawn("arb_detector", func() error { return e.arb.Run(intakeCtx) })
	}
	if e.watcher != nil {
		e.spawn("chain_watcher", func() error { return e.watcher.Run(intakeCtx) })
	}

	workers := e.cfg.Decision.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.spawn("decision_worker", func() error { return e.orch.Run(workCtx, e.queue) })
	}
	e.spawn("resolution_worker", func() error { return e.resolution.Run(workCtx) })
	e.spawn("daily_reset", func() error { return e.runDailyReset(workCtx) })
	if e.apiSrv != nil {
		e.spawn("api_server", e.apiSrv.Start)
	}

	go func() {
		e.runErr = e.group.Wait()
		close(e.done)
	}()

	e.logger.Info("engine started",
		"mode", mode,
		"decision_workers", workers,
		"kalshi", e.secondary != nil,
		"chain_watcher", e.watcher != nil,
		"live_capable", e.ordersMgr != nil,
		"dashboard", e.apiSrv != nil)
	return nil
}

// Done is closed once every engine task has exited, whether through Stop
// or an internal failure. Callers select on it alongside their signal
// context.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Stop shuts the engine down in order: intake first so no new signals
// arrive, the decision workers once the queue has drained, then the
// order manager with its in-flight attempts, then the API. It is safe to
// call more than once; later calls return the first result.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.logger.Info("engine stopping")
		if e.group == nil {
			e.stopErr = e.closeStores()
			return
		}
		e.cancelIntake()
		e.drainQueue()
		e.cancelWork()
		if e.ordersMgr != nil {
			e.ordersMgr.Stop()
		}
		if e.apiSrv != nil {
			if err := e.apiSrv.Stop(); err != nil {
				e.logger.Warn("api shutdown failed", "error", err)
			}
		}
		<-e.done
		e.stopErr = e.runErr
		if err := e.closeStores(); err != nil && e.stopErr == nil {
			e.stopErr = err
		}
		e.logger.Info("engine stopped")
	})
	return e.stopErr
}

// seed pushes the configured initial mode into the volatile store and
// reconciles its exposure counter against the open positions on disk, so
// risk checks start from durable truth rather than whatever a previous
// process left behind. It returns the effective mode.
func (e *Engine) seed(ctx context.Context) (types.Mode, error) {
	if err := e.state.SeedMode(ctx, types.Mode(e.cfg.Mode)); err != nil {
		return "", err
	}
	mode, err := e.state.Mode(ctx)
	if err != nil {
		return "", err
	}

	paperExp, err := e.store.OpenExposure(ctx, true)
	if err != nil {
		return "", err
	}
	liveExp, err := e.store.OpenExposure(ctx, false)
	if err != nil {
		return "", err
	}
	cached, err := e.state.OpenExposure(ctx)
	if err != nil {
		return "", err
	}
	if delta := paperExp + liveExp - cached; delta != 0 {
		if _, err := e.state.AddExposure(ctx, delta); err != nil {
			return "", err
		}
		e.logger.Info("exposure counter reseeded",
			"open", paperExp+liveExp, "was", cached)
	}

	if mode == types.ModeLive {
		warn, err := e.guard.NeedsFirstLiveWarning(ctx)
		if err != nil {
			return "", err
		}
		if warn {
			e.logger.Warn("live mode is active but the first live trade was never acknowledged; live orders stay blocked until POST /api/live/ack")
		}
	}
	return mode, nil
}

// spawn runs fn under the task group. Context cancellation is a clean
// exit; any other error fails the group and cancels the siblings.
func (e *Engine) spawn(name string, fn func() error) {
	e.group.Go(func() error {
		err := fn()
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("task failed", "task", name, "error", err)
			return fmt.Errorf("%s: %w", name, err)
		}
		e.logger.Debug("task stopped", "task", name)
		return nil
	})
}

// runReconciler keeps one poller running per enabled wallet, diffing the
// wallet table against the running set every reconcile interval. Control
// changes such as scale factor need no poller restart: the pipeline
// reads the wallet row fresh per signal, the poller only needs the
// address.
func (e *Engine) runReconciler(ctx context.Context) error {
	interval := e.cfg.Ingest.ReconcileInterval
	if interval <= 0 {
		interval = time.Minute
	}

	running := make(map[string]context.CancelFunc)
	var wg sync.WaitGroup
	defer func() {
		for _, cancel := range running {
			cancel()
		}
		wg.Wait()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := e.reconcileWallets(ctx, running, &wg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("wallet reconcile failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) reconcileWallets(ctx context.Context, running map[string]context.CancelFunc, wg *sync.WaitGroup) error {
	wallets, err := e.store.ListWallets(ctx, true)
	if err != nil {
		return fmt.Errorf("engine.reconcileWallets: %w", err)
	}
	desired := make(map[string]types.Wallet, len(wallets))
	for _, w := range wallets {
		desired[w.Address] = w
	}

	for addr, cancel := range running {
		if _, keep := desired[addr]; keep {
			continue
		}
		cancel()
		delete(running, addr)
		e.logger.Info("wallet poller stopped", "wallet", addr)
	}

	for addr, w := range desired {
		if _, ok := running[addr]; ok {
			continue
		}
		pctx, cancel := context.WithCancel(ctx)
		running[addr] = cancel
		p := ingest.NewPoller(e.cfg.Ingest, w, e.primary, e.state, e.queue, e.logger)
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := p.Run(pctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("wallet poller exited", "wallet", addr, "error", err)
			}
		}(addr)
	}
	return nil
}

// runDailyReset clears the realized-PnL counter at each UTC midnight.
// Open exposure carries across days; only the loss budget resets.
func (e *Engine) runDailyReset(ctx context.Context) error {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := e.state.ResetDailyPnL(ctx); err != nil {
			e.logger.Error("daily pnl reset failed", "error", err)
			continue
		}
		e.logger.Info("daily pnl reset")
	}
}

// drainQueue gives the decision workers a bounded window to finish the
// signals already accepted before they are cancelled.
func (e *Engine) drainQueue() {
	deadline := time.Now().Add(drainWait)
	for e.queue.Len() > 0 {
		if time.Now().After(deadline) {
			e.logger.Warn("queue not drained before shutdown", "remaining", e.queue.Len())
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (e *Engine) closeStores() error {
	var errs []error
	if err := e.state.Close(); err != nil {
		errs = append(errs, fmt.Errorf("engine: close cache: %w", err))
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("engine: close store: %w", err))
	}
	return errors.Join(errs...)
}
