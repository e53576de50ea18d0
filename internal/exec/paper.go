// Package exec turns validated verdicts into fills. Paper simulates fills
// at the signal price against the positions table, Live submits real
// orders through the primary venue, and Router picks between them from the
// current trading mode with the safety fallbacks applied.
package exec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"polycopy/internal/cache"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

// Paper executes verdicts against simulated positions. Fills happen at the
// signal price for the validated size, so paper results track what the
// copied wallet actually paid rather than a fresh quote.
type Paper struct {
	acct   *accountant
	logger *slog.Logger
}

// NewPaper builds the paper executor.
func NewPaper(s *store.Store, state *cache.State, logger *slog.Logger) *Paper {
	return &Paper{
		acct:   &accountant{store: s, state: state, logger: logger},
		logger: logger.With("component", "paper_executor"),
	}
}

// Execute simulates the verdict. Rejected verdicts come back as structured
// failures so the caller records them uniformly.
func (p *Paper) Execute(ctx context.Context, sig types.TradeSignal, v types.Verdict) (types.ExecutionResult, error) {
	if !v.Execute {
		return types.ExecutionResult{
			Success:   false,
			PaperMode: true,
			Message:   v.Reasoning,
			Timestamp: time.Now().UTC(),
		}, nil
	}

	switch sig.Action {
	case types.BUY:
		return p.buy(ctx, sig, v)
	case types.SELL:
		return p.sell(ctx, sig, v)
	default:
		return types.ExecutionResult{}, fmt.Errorf("exec.Paper: unknown action %q", sig.Action)
	}
}

func (p *Paper) buy(ctx context.Context, sig types.TradeSignal, v types.Verdict) (types.ExecutionResult, error) {
	if err := p.acct.open(ctx, sig.Wallet, sig.MarketID, sig.TokenID, sig.Side, v.Size, sig.Price, true); err != nil {
		return types.ExecutionResult{}, fmt.Errorf("exec.Paper: %w", err)
	}

	p.logger.Info("paper fill",
		"market", sig.MarketID, "side", sig.Side, "size", v.Size, "price", sig.Price)
	return types.ExecutionResult{
		Success:       true,
		PaperMode:     true,
		OrderID:       uuid.NewString(),
		ExecutedSize:  v.Size,
		ExecutedPrice: sig.Price,
		Message:       "paper fill",
		Timestamp:     time.Now().UTC(),
	}, nil
}

func (p *Paper) sell(ctx context.Context, sig types.TradeSignal, v types.Verdict) (types.ExecutionResult, error) {
	closed, realized, err := p.acct.close(ctx, sig.Wallet, sig.MarketID, sig.Side, v.Size, sig.Price, true)
	if err != nil {
		return types.ExecutionResult{}, fmt.Errorf("exec.Paper: %w", err)
	}
	if closed == 0 {
		return types.ExecutionResult{
			Success:   false,
			PaperMode: true,
			Message:   "no open position to close",
			Timestamp: time.Now().UTC(),
		}, nil
	}

	p.logger.Info("paper close",
		"market", sig.MarketID, "side", sig.Side, "closed", closed, "realized", realized)
	return types.ExecutionResult{
		Success:       true,
		PaperMode:     true,
		OrderID:       uuid.NewString(),
		ExecutedSize:  closed,
		ExecutedPrice: sig.Price,
		Message:       fmt.Sprintf("paper close, realized %.2f", realized),
		Timestamp:     time.Now().UTC(),
	}, nil
}
