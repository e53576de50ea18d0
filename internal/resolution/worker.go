// Package resolution finalises executed trades once their market
// resolves: realized P&L lands on the trade row, the wallet's aggregate
// metrics, the daily P&L counter, and the exposure the trade was holding
// is released.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"polycopy/internal/cache"
	"polycopy/internal/config"
	"polycopy/internal/pipeline"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

// MarketReader is the slice of the primary venue adapter the worker uses.
type MarketReader interface {
	GetMarket(ctx context.Context, conditionID string) (types.MarketInfo, error)
}

// Resolved is the event payload emitted per finalised trade.
type Resolved struct {
	TradeID  int64      `json:"trade_id"`
	MarketID string     `json:"market_id"`
	Winner   types.Side `json:"winner"`
	PnL      float64    `json:"pnl"`
}

// Worker sweeps unresolved executed trades on a schedule.
type Worker struct {
	cfg    config.ResolutionConfig
	store  *store.Store
	state  *cache.State
	venue  MarketReader
	events pipeline.EventFunc
	logger *slog.Logger
}

func NewWorker(cfg config.ResolutionConfig, s *store.Store, state *cache.State, venue MarketReader, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	return &Worker{
		cfg:    cfg,
		store:  s,
		state:  state,
		venue:  venue,
		logger: logger.With("component", "resolution"),
	}
}

// WithEvents registers a sink for resolution events.
func (w *Worker) WithEvents(fn pipeline.EventFunc) *Worker {
	w.events = fn
	return w
}

// Run sweeps until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("resolution worker started", "interval", w.cfg.PollInterval)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("resolution sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sweep finalises every trade whose market has resolved. Markets are
// fetched once per sweep; a market that fails to load or has not resolved
// leaves its trades for the next sweep.
func (w *Worker) sweep(ctx context.Context) error {
	trades, err := w.store.UnresolvedTrades(ctx)
	if err != nil {
		return fmt.Errorf("resolution.sweep: %w", err)
	}
	if len(trades) == 0 {
		return nil
	}

	byMarket := make(map[string][]types.Trade)
	for _, t := range trades {
		byMarket[t.MarketID] = append(byMarket[t.MarketID], t)
	}

	for marketID, group := range byMarket {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		info, err := w.venue.GetMarket(ctx, marketID)
		if err != nil {
			w.logger.Warn("market lookup failed", "market", marketID, "error", err)
			continue
		}
		if !info.Closed {
			continue
		}
		label, ok := info.WinningOutcome()
		if !ok {
			// Closed but the winner flag has not settled yet.
			continue
		}
		winner, ok := types.SideForOutcome(label)
		if !ok {
			w.logger.Warn("unmapped winning outcome, skipping market",
				"market", marketID, "label", label)
			continue
		}

		for _, t := range group {
			w.resolve(ctx, t, winner)
		}
	}
	return nil
}

func (w *Worker) resolve(ctx context.Context, t types.Trade, winner types.Side) {
	size := t.Size
	if t.ExecutedSize != nil {
		size = *t.ExecutedSize
	}
	entry := t.Price
	if t.ExecutedPrice != nil {
		entry = *t.ExecutedPrice
	}

	won := t.Side == winner
	pnl := -size * entry
	exit := 0.0
	if won {
		pnl = size * (1 - entry)
		exit = 1.0
	}

	err := w.store.FinalizeTradePnL(ctx, t.ID, pnl, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		// Already finalised by an earlier sweep.
		return
	}
	if err != nil {
		w.logger.Warn("finalize failed", "trade_id", t.ID, "error", err)
		return
	}

	if _, err := w.state.AddDailyPnL(ctx, pnl); err != nil {
		w.logger.Error("advance daily pnl", "trade_id", t.ID, "error", err)
	}

	// The resolution settles whatever the trade still holds. Only the
	// exposure counter moves here: the trade-level pnl above already
	// books the outcome, so the close's realized amount is discarded.
	closed, _, err := w.store.ClosePositions(ctx, t.WalletAddress, t.MarketID, t.Side, t.PaperMode, size, exit)
	if err != nil {
		w.logger.Error("settle position", "trade_id", t.ID, "error", err)
	} else if closed > 0 {
		if _, err := w.state.AddExposure(ctx, -closed); err != nil {
			w.logger.Error("release exposure", "trade_id", t.ID, "error", err)
		}
	}

	w.logger.Info("trade resolved",
		"trade_id", t.ID, "market", t.MarketID, "side", t.Side,
		"winner", winner, "pnl", pnl)

	if w.events != nil {
		w.events(pipeline.Event{
			Type: pipeline.EventResolution,
			Time: time.Now().UTC(),
			Data: Resolved{TradeID: t.ID, MarketID: t.MarketID, Winner: winner, PnL: pnl},
		})
	}
}
