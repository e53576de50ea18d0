package analytics

import (
	"context"
	"log/slog"
	"time"

	"polycopy/internal/store"
	"polycopy/pkg/types"
)

// Confidence weights. Win rate and ROI carry the history, timing and
// consistency keep one lucky streak from dominating.
const (
	weightWinRate     = 0.3
	weightROI         = 0.3
	weightTiming      = 0.2
	weightConsistency = 0.2

	// ROI saturates at +50%: anything above scores 1.0.
	roiSaturation = 0.5

	// A wallet idle longer than this scores zero on timing.
	timingHorizon = 7 * 24 * time.Hour

	// How many recent trades feed timing and consistency.
	historyDepth = 50
)

// WalletTracker scores tracked wallets from their stored history.
type WalletTracker struct {
	store  *store.Store
	logger *slog.Logger
}

func NewWalletTracker(s *store.Store, logger *slog.Logger) *WalletTracker {
	return &WalletTracker{
		store:  s,
		logger: logger.With("component", "wallet_tracker"),
	}
}

// Confidence returns the wallet's score in [0,1]. Store errors degrade to
// the neutral 0.5 rather than failing the pipeline.
func (t *WalletTracker) Confidence(ctx context.Context, addr string) float64 {
	metrics, err := t.store.GetMetrics(ctx, addr)
	if err != nil {
		t.logger.Warn("metrics unavailable, using neutral confidence", "wallet", addr, "error", err)
		return 0.5
	}

	trades, err := t.store.ListWalletTrades(ctx, addr, historyDepth)
	if err != nil {
		t.logger.Warn("trade history unavailable, using neutral confidence", "wallet", addr, "error", err)
		return 0.5
	}

	return ConfidenceScore(metrics, trades, time.Now())
}

// ConfidenceScore computes
//
//	0.3*win_rate + 0.3*roi_score + 0.2*timing + 0.2*consistency
//
// where roi_score saturates at +50% ROI and negative ROI scores zero.
// Timing decays linearly with time since the wallet's last observed trade;
// consistency is the share of resolved trades landing on the dominant P&L
// sign. Both default to 0.5 without enough history.
func ConfidenceScore(metrics types.WalletMetrics, trades []types.Trade, now time.Time) float64 {
	winRate := clamp01(metrics.WinRate)

	roi := metrics.AvgROI
	if roi < 0 {
		roi = 0
	} else if roi > roiSaturation {
		roi = roiSaturation
	}
	roiScore := roi / roiSaturation

	score := weightWinRate*winRate +
		weightROI*roiScore +
		weightTiming*timingScore(trades, now) +
		weightConsistency*consistencyScore(trades)
	return clamp01(score)
}

// timingScore rewards recent activity: 1.0 for a trade just now, linearly
// down to 0 at the horizon. No history scores neutral.
func timingScore(trades []types.Trade, now time.Time) float64 {
	var last time.Time
	for _, tr := range trades {
		if tr.SignalTime.After(last) {
			last = tr.SignalTime
		}
	}
	if last.IsZero() {
		return 0.5
	}

	idle := now.Sub(last)
	if idle < 0 {
		idle = 0
	}
	return clamp01(1 - idle.Seconds()/timingHorizon.Seconds())
}

// consistencyScore measures P&L sign stability over resolved trades: a
// wallet that always wins (or always loses) is predictable, one that
// alternates is noise. Needs at least two resolved trades.
func consistencyScore(trades []types.Trade) float64 {
	var wins, losses int
	for _, tr := range trades {
		if tr.PnL == nil {
			continue
		}
		if *tr.PnL >= 0 {
			wins++
		} else {
			losses++
		}
	}

	resolved := wins + losses
	if resolved < 2 {
		return 0.5
	}

	dominant := wins
	if losses > dominant {
		dominant = losses
	}
	return float64(dominant) / float64(resolved)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
