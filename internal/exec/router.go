package exec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polycopy/internal/cache"
	"polycopy/pkg/types"
)

// LivePlacer accepts an approved verdict for live execution. The order
// manager implements it; Router stays decoupled from retry policy.
type LivePlacer interface {
	Place(ctx context.Context, sig types.TradeSignal, v types.Verdict) (types.ExecutionResult, error)
}

// Router is the mode-aware executor the orchestrator talks to. It reads
// the trading mode per call so operator mode changes apply to the next
// signal without restarts. Live execution additionally requires the
// operator's live confirmation and a clear emergency stop; missing
// confirmation degrades to paper, an active stop blocks outright.
type Router struct {
	paper  *Paper
	live   LivePlacer // nil when live trading is not configured
	state  *cache.State
	logger *slog.Logger
}

// NewRouter builds the router. live may be nil.
func NewRouter(paper *Paper, live LivePlacer, state *cache.State, logger *slog.Logger) *Router {
	return &Router{
		paper:  paper,
		live:   live,
		state:  state,
		logger: logger.With("component", "router"),
	}
}

// Execute dispatches the verdict by mode.
func (r *Router) Execute(ctx context.Context, sig types.TradeSignal, v types.Verdict) (types.ExecutionResult, error) {
	if !v.Execute {
		return types.ExecutionResult{
			Success:   false,
			Message:   v.Reasoning,
			Timestamp: time.Now().UTC(),
		}, nil
	}

	mode, err := r.state.Mode(ctx)
	if err != nil {
		return types.ExecutionResult{}, fmt.Errorf("exec.Router: read mode: %w", err)
	}

	switch mode {
	case types.ModePaused:
		return types.ExecutionResult{
			Success:   false,
			Message:   "trading is paused",
			Timestamp: time.Now().UTC(),
		}, nil

	case types.ModeLive:
		if r.live == nil {
			r.logger.Warn("live mode without live executor, using paper",
				"market", sig.MarketID)
			return r.paper.Execute(ctx, sig, v)
		}
		confirmed, err := r.state.LiveConfirmed(ctx)
		if err != nil {
			return types.ExecutionResult{}, fmt.Errorf("exec.Router: read live confirmation: %w", err)
		}
		if !confirmed {
			r.logger.Warn("live mode without operator confirmation, using paper",
				"market", sig.MarketID)
			return r.paper.Execute(ctx, sig, v)
		}
		stopped, err := r.state.IsStopped(ctx)
		if err != nil {
			return types.ExecutionResult{}, fmt.Errorf("exec.Router: read stop state: %w", err)
		}
		if stopped {
			return types.ExecutionResult{
				Success:   false,
				Message:   "emergency stop active",
				Timestamp: time.Now().UTC(),
			}, nil
		}
		return r.live.Place(ctx, sig, v)

	default:
		return r.paper.Execute(ctx, sig, v)
	}
}
