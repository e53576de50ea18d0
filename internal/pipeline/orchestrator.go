package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polycopy/internal/advisor"
	"polycopy/internal/risk"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

// Executor is the mode-aware execution surface the orchestrator hands
// approved verdicts to.
type Executor interface {
	Execute(ctx context.Context, sig types.TradeSignal, v types.Verdict) (types.ExecutionResult, error)
}

// Orchestrator drives one signal through the full decision path: context
// assembly, advisor verdict, slippage pre-check, risk validation, then
// execution. It never retries; retry policy lives in the order manager.
type Orchestrator struct {
	builder *Builder
	advisor advisor.Advisor
	risk    *risk.Manager
	exec    Executor
	store   *store.Store
	events  EventFunc
	logger  *slog.Logger
}

// NewOrchestrator wires the decision path.
func NewOrchestrator(b *Builder, adv advisor.Advisor, rm *risk.Manager, ex Executor, st *store.Store, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		builder: b,
		advisor: adv,
		risk:    rm,
		exec:    ex,
		store:   st,
		logger:  logger.With("component", "orchestrator"),
	}
}

// WithEvents attaches the operator event sink.
func (o *Orchestrator) WithEvents(fn EventFunc) *Orchestrator { o.events = fn; return o }

// Run consumes signals from the queue until the context is cancelled.
// Engine runs several of these as decision workers.
func (o *Orchestrator) Run(ctx context.Context, q *Queue) error {
	for {
		sig, err := q.Get(ctx)
		if err != nil {
			return err
		}
		if verr := sig.Validate(); verr != nil {
			o.logger.Warn("dropping invalid signal", "wallet", sig.Wallet, "error", verr)
			continue
		}
		if _, err := o.Process(ctx, sig); err != nil {
			o.logger.Error("signal processing failed",
				"wallet", sig.Wallet, "market", sig.MarketID, "error", err)
		}
	}
}

// Process runs the decision path for one signal and returns the terminal
// result. An error is returned only for infrastructure failures (state
// store unreachable); advisor and venue failures degrade into recorded
// rejections so the audit trail stays complete.
func (o *Orchestrator) Process(ctx context.Context, sig types.TradeSignal) (types.ExecutionResult, error) {
	emit(o.events, EventSignal, sig)

	dc := o.builder.Build(ctx, sig)

	advisorVerdict, err := o.advisor.Decide(ctx, dc)
	if err != nil {
		o.logger.Error("advisor unavailable", "wallet", sig.Wallet, "market", sig.MarketID, "error", err)
		result := failure(fmt.Sprintf("advisor error: %v", err))
		o.recordTrade(ctx, sig, nil, types.Verdict{Reasoning: result.Message}, result)
		emit(o.events, EventExecution, result)
		return result, nil
	}

	final := advisorVerdict
	if final.Execute {
		final = o.risk.ValidateSlippage(final, dc.Market.Spread)
	}
	final, err = o.risk.Validate(ctx, final)
	if err != nil {
		return types.ExecutionResult{}, fmt.Errorf("pipeline.Process: %w", err)
	}
	emit(o.events, EventDecision, final)

	var result types.ExecutionResult
	switch {
	case !final.Execute:
		result = failure(rejectionMessage(advisorVerdict, final))
	default:
		result, err = o.exec.Execute(ctx, sig, final)
		if err != nil {
			o.logger.Error("execution failed", "wallet", sig.Wallet, "market", sig.MarketID, "error", err)
			result = failure(fmt.Sprintf("execution error: %v", err))
		}
	}

	o.recordTrade(ctx, sig, &advisorVerdict, final, result)
	emit(o.events, EventExecution, result)

	o.logger.Info("signal decided",
		"wallet", sig.Wallet,
		"market", sig.MarketID,
		"source", sig.Source,
		"executed", result.Success,
		"size", result.ExecutedSize,
		"message", result.Message)
	return result, nil
}

// rejectionMessage distinguishes who said no.
func rejectionMessage(advisorVerdict, final types.Verdict) string {
	if !advisorVerdict.Execute {
		return "rejected by advisor: " + advisorVerdict.Reasoning
	}
	return "rejected by risk manager: " + final.Reasoning
}

func failure(message string) types.ExecutionResult {
	return types.ExecutionResult{Success: false, Message: message, Timestamp: time.Now().UTC()}
}

// recordTrade persists the decision-time trade row. advisorVerdict is nil
// when no verdict could be obtained at all.
func (o *Orchestrator) recordTrade(ctx context.Context, sig types.TradeSignal, advisorVerdict *types.Verdict, final types.Verdict, result types.ExecutionResult) {
	t := types.Trade{
		WalletAddress: sig.Wallet,
		MarketID:      sig.MarketID,
		TokenID:       sig.TokenID,
		Side:          sig.Side,
		Action:        sig.Action,
		Size:          sig.Size,
		Price:         sig.Price,
		Source:        sig.Source,
		TxHash:        sig.TxHash,
		SignalTime:    sig.Timestamp,
		AIReasoning:   final.Reasoning,
		Executed:      result.Success,
		PaperMode:     result.PaperMode,
	}
	if advisorVerdict != nil {
		decision, confidence := advisorVerdict.Execute, advisorVerdict.Confidence
		t.AIDecision = &decision
		t.AIConfidence = &confidence
	}
	if result.Success {
		size, price := result.ExecutedSize, result.ExecutedPrice
		t.ExecutedSize = &size
		t.ExecutedPrice = &price
	}

	if _, err := o.store.InsertTrade(ctx, t); err != nil {
		o.logger.Error("trade record write failed",
			"wallet", sig.Wallet, "market", sig.MarketID, "error", err)
	}
}
