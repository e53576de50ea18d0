// Package safety holds the guards that stand between the engine and real
// money: the live-mode interlock, the emergency stop latch and the
// one-time first-live-trade acknowledgement.
package safety

import (
	"context"
	"fmt"
	"log/slog"

	"polycopy/internal/cache"
	"polycopy/pkg/types"
)

// Interlock reasons surfaced to the operator when live trading is refused.
const (
	ReasonNoCredentials = "no live credentials configured"
	ReasonUnconfirmed   = "live trading not confirmed by operator"
	ReasonStopped       = "emergency stop active"
)

// Guard evaluates whether the engine may touch a live venue. Credentials
// are fixed at startup; confirmation and the stop latch live in shared
// state so the operator can flip them at runtime.
type Guard struct {
	state    *cache.State
	hasCreds bool
	logger   *slog.Logger
}

func NewGuard(state *cache.State, hasCreds bool, logger *slog.Logger) *Guard {
	return &Guard{
		state:    state,
		hasCreds: hasCreds,
		logger:   logger.With("component", "safety"),
	}
}

// CanTradeLive runs the three-factor interlock: credentials present,
// operator confirmation set, no active emergency stop. When refused it
// returns the first failing reason.
func (g *Guard) CanTradeLive(ctx context.Context) (bool, string, error) {
	if !g.hasCreds {
		return false, ReasonNoCredentials, nil
	}
	confirmed, err := g.state.LiveConfirmed(ctx)
	if err != nil {
		return false, "", fmt.Errorf("safety.CanTradeLive: %w", err)
	}
	if !confirmed {
		return false, ReasonUnconfirmed, nil
	}
	stopped, err := g.state.IsStopped(ctx)
	if err != nil {
		return false, "", fmt.Errorf("safety.CanTradeLive: %w", err)
	}
	if stopped {
		return false, ReasonStopped, nil
	}
	return true, "", nil
}

// ActivateStop latches the emergency stop. Repeat activation keeps the
// latch set and records the most recent reason.
func (g *Guard) ActivateStop(ctx context.Context, reason string) error {
	if err := g.state.SetEmergencyStop(ctx, reason); err != nil {
		return fmt.Errorf("safety.ActivateStop: %w", err)
	}
	g.logger.Warn("emergency stop activated", "reason", reason)
	return nil
}

// ClearStop releases the latch.
func (g *Guard) ClearStop(ctx context.Context) error {
	if err := g.state.ClearEmergencyStop(ctx); err != nil {
		return fmt.Errorf("safety.ClearStop: %w", err)
	}
	g.logger.Info("emergency stop cleared")
	return nil
}

// StopState exposes the latch with its reason and activation time.
func (g *Guard) StopState(ctx context.Context) (types.StopState, error) {
	st, err := g.state.EmergencyStop(ctx)
	if err != nil {
		return types.StopState{}, fmt.Errorf("safety.StopState: %w", err)
	}
	return st, nil
}

// NeedsFirstLiveWarning reports whether the operator still has to
// acknowledge the first live trade for this account.
func (g *Guard) NeedsFirstLiveWarning(ctx context.Context) (bool, error) {
	acked, err := g.state.FirstLiveTradeAcked(ctx)
	if err != nil {
		return false, fmt.Errorf("safety.NeedsFirstLiveWarning: %w", err)
	}
	return !acked, nil
}

// AckFirstLiveTrade records the one-time acknowledgement. Acking again
// is a no-op; the flag never resets.
func (g *Guard) AckFirstLiveTrade(ctx context.Context) error {
	acked, err := g.state.FirstLiveTradeAcked(ctx)
	if err != nil {
		return fmt.Errorf("safety.AckFirstLiveTrade: %w", err)
	}
	if acked {
		return nil
	}
	if err := g.state.AckFirstLiveTrade(ctx); err != nil {
		return fmt.Errorf("safety.AckFirstLiveTrade: %w", err)
	}
	g.logger.Info("first live trade acknowledged")
	return nil
}
