package exec

import (
	"context"
	"log/slog"

	"polycopy/internal/cache"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

// accountant applies the open/close bookkeeping shared by the paper and
// live paths: BUY opens a lot, SELL consumes open lots oldest first. The
// exposure counter and daily P&L advance through atomic increments; a
// counter write failing after the durable row landed is logged and left
// for the startup reseed to repair.
type accountant struct {
	store  *store.Store
	state  *cache.State
	logger *slog.Logger
}

func (a *accountant) open(ctx context.Context, wallet, marketID, tokenID string, side types.Side, size, price float64, paper bool) error {
	_, err := a.store.OpenPosition(ctx, types.Position{
		WalletAddress: wallet,
		MarketID:      marketID,
		TokenID:       tokenID,
		Side:          side,
		Size:          size,
		AvgEntryPrice: price,
		Paper:         paper,
	})
	if err != nil {
		return err
	}
	if _, err := a.state.AddExposure(ctx, size); err != nil {
		a.logger.Error("exposure increment failed", "market", marketID, "size", size, "error", err)
	}
	return nil
}

// close consumes up to size from open lots and returns what was actually
// closed plus the realized pnl. Exposure shrinks by the closed amount and
// realized pnl lands on the daily counter.
func (a *accountant) close(ctx context.Context, wallet, marketID string, side types.Side, size, price float64, paper bool) (closed, realized float64, err error) {
	closed, realized, err = a.store.ClosePositions(ctx, wallet, marketID, side, paper, size, price)
	if err != nil {
		return 0, 0, err
	}
	if closed == 0 {
		return 0, 0, nil
	}
	if _, err := a.state.AddExposure(ctx, -closed); err != nil {
		a.logger.Error("exposure decrement failed", "market", marketID, "size", closed, "error", err)
	}
	if _, err := a.state.AddDailyPnL(ctx, realized); err != nil {
		a.logger.Error("daily pnl update failed", "market", marketID, "realized", realized, "error", err)
	}
	return closed, realized, nil
}
