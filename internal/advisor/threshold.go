package advisor

import (
	"context"
	"fmt"
	"log/slog"

	"polycopy/pkg/types"
)

// Threshold is the fallback advisor: deterministic, no external calls.
// Approve when the wallet's confidence clears its own bar and the market
// filter allows; copy size scaled by the wallet's factor.
type Threshold struct {
	logger *slog.Logger
}

func NewThreshold(logger *slog.Logger) *Threshold {
	return &Threshold{logger: logger.With("component", "advisor")}
}

func (t *Threshold) Decide(_ context.Context, dc *types.DecisionContext) (types.Verdict, error) {
	if !dc.Filter.Allowed {
		return types.Verdict{
			Execute:    false,
			Confidence: dc.Wallet.Confidence,
			Urgency:    types.UrgencyNormal,
			Reasoning:  fmt.Sprintf("market filter: %s", dc.Filter.Reason),
		}, nil
	}

	if dc.Wallet.Confidence < dc.Wallet.MinConfidence {
		return types.Verdict{
			Execute:    false,
			Confidence: dc.Wallet.Confidence,
			Urgency:    types.UrgencyNormal,
			Reasoning: fmt.Sprintf("wallet confidence %.2f below minimum %.2f",
				dc.Wallet.Confidence, dc.Wallet.MinConfidence),
		}, nil
	}

	scale := dc.Wallet.ScaleFactor
	if scale <= 0 {
		scale = 1
	}

	return types.Verdict{
		Execute:    true,
		Size:       dc.Signal.Size * scale,
		Confidence: dc.Wallet.Confidence,
		Urgency:    types.UrgencyNormal,
		Reasoning: fmt.Sprintf("threshold advisor: confidence %.2f clears %.2f, scale %.2f",
			dc.Wallet.Confidence, dc.Wallet.MinConfidence, scale),
	}, nil
}
