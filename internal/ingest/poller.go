// Package ingest turns tracked wallets' venue activity into trade
// signals. One poller goroutine runs per enabled wallet; an optional
// chain watcher mirrors the same fills from on-chain events so a row the
// data API misses still produces a signal. Both feeds share a dedup
// identity, so double observation is harmless.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"polycopy/internal/cache"
	"polycopy/internal/config"
	"polycopy/internal/venue/polymarket"
	"polycopy/pkg/types"
)

// TradeFetcher is the slice of the venue adapter the poller needs.
type TradeFetcher interface {
	FetchWalletTrades(ctx context.Context, wallet string, since time.Time, limit int) ([]polymarket.WalletTrade, error)
}

// Sink receives the signals a poller emits. The pipeline queue
// implements it; added=false means the signal was a duplicate.
type Sink interface {
	Put(ctx context.Context, sig types.TradeSignal) (bool, error)
}

// Poller follows one wallet's fills through the venue's activity feed.
// The cursor (last seen trade timestamp) is persisted so a restart picks
// up where it left off; the seen-set is rebuilt empty, which is safe
// because the queue dedups again downstream.
type Poller struct {
	cfg    config.IngestConfig
	wallet types.Wallet
	venue  TradeFetcher
	state  *cache.State
	sink   Sink
	logger *slog.Logger

	seen map[string]time.Time
}

func NewPoller(cfg config.IngestConfig, w types.Wallet, venue TradeFetcher, state *cache.State, sink Sink, logger *slog.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.TradeLimit <= 0 {
		cfg.TradeLimit = 50
	}
	if cfg.SeenWindow <= 0 {
		cfg.SeenWindow = 10 * time.Minute
	}
	w.Address = strings.ToLower(w.Address)
	return &Poller{
		cfg:    cfg,
		wallet: w,
		venue:  venue,
		state:  state,
		sink:   sink,
		logger: logger.With("component", "ingester", "wallet", w.Address),
		seen:   make(map[string]time.Time),
	}
}

// Run polls until the context ends. Fetch errors are logged and the next
// tick retries with the same cursor; the feed is at-least-once and the
// queue's dedup absorbs redelivery.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("wallet poller started", "alias", p.wallet.Alias, "interval", p.cfg.PollInterval)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := p.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("poll cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	cursor, err := p.state.Cursor(ctx, p.wallet.Address)
	if err != nil {
		return fmt.Errorf("ingest.poll: %w", err)
	}

	trades, err := p.venue.FetchWalletTrades(ctx, p.wallet.Address, time.Unix(cursor, 0), p.cfg.TradeLimit)
	if err != nil {
		return fmt.Errorf("ingest.poll: %w", err)
	}
	if len(trades) == 0 {
		return nil
	}

	now := time.Now()
	p.prune(now)

	advanced := cursor
	for _, wt := range trades {
		sig := signalFromTrade(wt)
		if ts := wt.Timestamp.Unix(); ts > advanced {
			advanced = ts
		}

		id := sig.DedupID()
		if _, dup := p.seen[id]; dup {
			continue
		}
		p.seen[id] = now

		added, err := p.sink.Put(ctx, sig)
		if err != nil {
			return fmt.Errorf("ingest.poll: %w", err)
		}
		if added {
			p.logger.Info("signal ingested",
				"market", sig.MarketID, "side", sig.Side, "action", sig.Action,
				"size", sig.Size, "price", sig.Price)
		}
	}

	if advanced > cursor {
		if err := p.state.SetCursor(ctx, p.wallet.Address, advanced); err != nil {
			return fmt.Errorf("ingest.poll: %w", err)
		}
	}
	return nil
}

func (p *Poller) prune(now time.Time) {
	cutoff := now.Add(-p.cfg.SeenWindow)
	for id, at := range p.seen {
		if at.Before(cutoff) {
			delete(p.seen, id)
		}
	}
}

func signalFromTrade(wt polymarket.WalletTrade) types.TradeSignal {
	return types.TradeSignal{
		Wallet:    strings.ToLower(wt.Wallet),
		MarketID:  wt.MarketID,
		TokenID:   wt.TokenID,
		Side:      wt.Side,
		Action:    wt.Action,
		Size:      wt.Size,
		Price:     wt.Price,
		Source:    types.SourceClob,
		Timestamp: wt.Timestamp,
		TxHash:    wt.TxHash,
	}
}
