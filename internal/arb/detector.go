// Package arb scans cross-venue market mappings for price divergence and
// turns a wide enough spread into a synthetic trade signal.
package arb

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"polycopy/internal/cache"
	"polycopy/internal/config"
	"polycopy/internal/store"
	"polycopy/internal/venue/kalshi"
	"polycopy/pkg/types"
)

// Wallet is the synthetic wallet name carried by detector signals. It has
// no row in the wallet table; the context builder falls back to neutral
// defaults for it.
const Wallet = "arbitrage_detector"

// fullSizeSpread is the divergence at which a signal reaches
// max_signal_size. Below it the size scales linearly: a 0.10 spread emits
// half the configured maximum.
const fullSizeSpread = 0.20

// PrimaryVenue reads the leading venue's market metadata and midpoints.
type PrimaryVenue interface {
	GetMarket(ctx context.Context, conditionID string) (types.MarketInfo, error)
	MidpointPrice(ctx context.Context, tokenID string) (float64, error)
}

// SecondaryVenue quotes the lagging venue by ticker.
type SecondaryVenue interface {
	GetMarket(ctx context.Context, ticker string) (kalshi.Market, error)
}

// Sink receives emitted signals; the pipeline queue implements it.
type Sink interface {
	Put(ctx context.Context, sig types.TradeSignal) (bool, error)
}

type tokenPair struct {
	yes string
	no  string
}

// Detector compares the secondary venue's implied YES probability against
// the primary venue's midpoint for every active mapping. At most one
// signal per mapping per tick.
type Detector struct {
	cfg       config.ArbitrageConfig
	store     *store.Store
	state     *cache.State
	primary   PrimaryVenue
	secondary SecondaryVenue
	sink      Sink
	logger    *slog.Logger

	// primary condition id -> outcome token ids, resolved once.
	tokens map[string]tokenPair
}

func NewDetector(cfg config.ArbitrageConfig, s *store.Store, state *cache.State, primary PrimaryVenue, secondary SecondaryVenue, sink Sink, logger *slog.Logger) *Detector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MinSpread <= 0 {
		cfg.MinSpread = 0.05
	}
	if cfg.MaxSignalSize <= 0 {
		cfg.MaxSignalSize = 100
	}
	return &Detector{
		cfg:       cfg,
		store:     s,
		state:     state,
		primary:   primary,
		secondary: secondary,
		sink:      sink,
		logger:    logger.With("component", "arb_detector"),
		tokens:    make(map[string]tokenPair),
	}
}

// Run scans on the configured interval until the context ends.
func (d *Detector) Run(ctx context.Context) error {
	d.logger.Info("arbitrage detector started",
		"interval", d.cfg.PollInterval, "min_spread", d.cfg.MinSpread)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := d.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn("arb scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick checks every active mapping. A failing mapping is logged and the
// rest of the list still runs.
func (d *Detector) tick(ctx context.Context) error {
	mappings, err := d.store.ListMappings(ctx, true)
	if err != nil {
		return fmt.Errorf("arb.tick: %w", err)
	}
	for _, m := range mappings {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.check(ctx, m); err != nil {
			d.logger.Warn("mapping check failed",
				"primary", m.PrimaryID, "secondary", m.SecondaryTicker, "error", err)
		}
	}
	return nil
}

func (d *Detector) check(ctx context.Context, m types.MarketMapping) error {
	sm, err := d.secondary.GetMarket(ctx, m.SecondaryTicker)
	if err != nil {
		return err
	}
	secYes := sm.ImpliedYes()
	if secYes <= 0 || secYes >= 1 {
		return nil
	}

	pair, err := d.resolveTokens(ctx, m.PrimaryID)
	if err != nil {
		return err
	}
	primYes, err := d.primary.MidpointPrice(ctx, pair.yes)
	if err != nil {
		return err
	}
	if primYes <= 0 || primYes >= 1 {
		return nil
	}

	// Both observations feed the shared price cache; the context builder
	// reuses them when the book fetch fails.
	if err := d.state.SetCachedPrice(ctx, m.PrimaryID, primYes); err != nil {
		d.logger.Warn("cache primary price", "market", m.PrimaryID, "error", err)
	}
	if err := d.state.SetCachedPrice(ctx, m.SecondaryTicker, secYes); err != nil {
		d.logger.Warn("cache secondary price", "ticker", m.SecondaryTicker, "error", err)
	}

	spread := secYes - primYes
	if math.Abs(spread) < d.cfg.MinSpread {
		return nil
	}

	side := types.YES
	price := primYes
	tokenID := pair.yes
	if spread < 0 {
		side = types.NO
		price = 1 - primYes
		tokenID = pair.no
	}
	size := d.cfg.MaxSignalSize * math.Min(math.Abs(spread)/fullSizeSpread, 1)

	details := types.ArbDetails{Spread: spread, Direction: string(side)}
	if err := d.state.SetArbSnapshot(ctx, m.PrimaryID, details); err != nil {
		d.logger.Warn("cache arb snapshot", "market", m.PrimaryID, "error", err)
	}

	sig := types.TradeSignal{
		Wallet:    Wallet,
		MarketID:  m.PrimaryID,
		TokenID:   tokenID,
		Side:      side,
		Action:    types.BUY,
		Size:      size,
		Price:     price,
		Source:    types.SourceArbitrage,
		Timestamp: time.Now().UTC(),
	}
	added, err := d.sink.Put(ctx, sig)
	if err != nil {
		return err
	}
	if added {
		d.logger.Info("arbitrage signal emitted",
			"primary", m.PrimaryID, "secondary", m.SecondaryTicker,
			"spread", spread, "side", side, "size", size, "price", price)
	}
	return nil
}

func (d *Detector) resolveTokens(ctx context.Context, conditionID string) (tokenPair, error) {
	if pair, ok := d.tokens[conditionID]; ok {
		return pair, nil
	}
	info, err := d.primary.GetMarket(ctx, conditionID)
	if err != nil {
		return tokenPair{}, err
	}
	var pair tokenPair
	for _, o := range info.Outcomes {
		side, ok := types.SideForOutcome(o.Label)
		if !ok {
			continue
		}
		switch side {
		case types.YES:
			pair.yes = o.TokenID
		case types.NO:
			pair.no = o.TokenID
		}
	}
	if pair.yes == "" {
		return tokenPair{}, fmt.Errorf("market %s has no YES outcome token", conditionID)
	}
	d.tokens[conditionID] = pair
	return pair, nil
}
