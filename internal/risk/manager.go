// Package risk validates approved verdicts against the engine's hard
// limits before anything reaches an executor. Checks run in a fixed order:
// daily loss, single-trade size cap, exposure ceiling, remaining capacity.
// Size violations cap rather than reject; loss and exposure violations
// reject. The slippage check runs separately before the main validation
// because it needs a fresh book spread rather than cached aggregates.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"polycopy/internal/cache"
	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// Rejection reason tokens. These appear verbatim in rejection messages so
// operators and tests can grep them.
const (
	ReasonDailyLoss = "daily_loss_exceeded"
	ReasonExposure  = "exposure_exceeded"
	ReasonSlippage  = "slippage_exceeded"
)

// adjustedNote is appended once to any verdict the manager resizes.
const adjustedNote = "Size adjusted by risk manager"

// Manager is stateless between calls; every validation reads the live
// aggregates from the volatile store.
type Manager struct {
	cfg    config.RiskConfig
	state  *cache.State
	logger *slog.Logger
}

func NewManager(cfg config.RiskConfig, state *cache.State, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		state:  state,
		logger: logger.With("component", "risk"),
	}
}

// Validate applies the check table to an advisor verdict. Rejections come
// back as execute=false verdicts with the reason token in the reasoning;
// an error means the aggregates could not be read and the caller must fail
// the signal rather than trade blind.
func (m *Manager) Validate(ctx context.Context, v types.Verdict) (types.Verdict, error) {
	if !v.Execute {
		return v, nil
	}

	dailyPnL, err := m.state.DailyPnL(ctx)
	if err != nil {
		return v, fmt.Errorf("risk.Validate: read daily pnl: %w", err)
	}
	if dailyPnL <= -m.cfg.MaxDailyLoss {
		m.logger.Warn("rejecting trade, daily loss limit reached",
			"daily_pnl", dailyPnL, "max_daily_loss", m.cfg.MaxDailyLoss)
		return reject(v, fmt.Sprintf("%s: daily pnl %.2f at or below limit %.2f",
			ReasonDailyLoss, dailyPnL, -m.cfg.MaxDailyLoss)), nil
	}

	if v.Size > m.cfg.MaxSingleTrade {
		m.logger.Info("capping trade to single-trade limit",
			"requested", v.Size, "cap", m.cfg.MaxSingleTrade)
		v.Size = m.cfg.MaxSingleTrade
		v.Reasoning = appendAdjusted(v.Reasoning)
	}

	exposure, err := m.state.OpenExposure(ctx)
	if err != nil {
		return v, fmt.Errorf("risk.Validate: read exposure: %w", err)
	}
	if exposure >= m.cfg.MaxTotalExposure {
		m.logger.Warn("rejecting trade, exposure ceiling reached",
			"open_exposure", exposure, "max_total_exposure", m.cfg.MaxTotalExposure)
		return reject(v, fmt.Sprintf("%s: open exposure %.2f at or above ceiling %.2f",
			ReasonExposure, exposure, m.cfg.MaxTotalExposure)), nil
	}

	if remaining := m.cfg.MaxTotalExposure - exposure; v.Size > remaining {
		m.logger.Info("capping trade to remaining capacity",
			"requested", v.Size, "remaining", remaining)
		v.Size = remaining
		v.Reasoning = appendAdjusted(v.Reasoning)
	}

	return v, nil
}

// ValidateSlippage rejects when the observed spread is strictly wider than
// the configured maximum. A spread exactly at the limit passes.
func (m *Manager) ValidateSlippage(v types.Verdict, spread float64) types.Verdict {
	if !v.Execute {
		return v
	}
	if spread > m.cfg.MaxSlippage {
		m.logger.Warn("rejecting trade, spread too wide",
			"spread", spread, "max_slippage", m.cfg.MaxSlippage)
		return reject(v, fmt.Sprintf("%s: spread %.4f exceeds max %.4f",
			ReasonSlippage, spread, m.cfg.MaxSlippage))
	}
	return v
}

func reject(v types.Verdict, reason string) types.Verdict {
	v.Execute = false
	v.Size = 0
	v.Reasoning = reason
	return v
}

func appendAdjusted(reasoning string) string {
	if strings.Contains(reasoning, adjustedNote) {
		return reasoning
	}
	if reasoning == "" {
		return adjustedNote
	}
	return reasoning + "; " + adjustedNote
}
