package exec

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"polycopy/internal/cache"
	"polycopy/internal/store"
	"polycopy/internal/venue/polymarket"
	"polycopy/pkg/types"
)

// OrderPlacer is the venue surface the live submitter needs.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, tokenID string, price, size float64, action types.Action, negRisk bool) (*polymarket.OrderResponse, error)
}

// SubmitOutcome is one submission attempt's normalized result.
type SubmitOutcome struct {
	Status      types.OrderStatus
	ExternalID  string
	FilledSize  float64
	FilledPrice float64
}

// Live submits single order attempts to the primary venue and applies fill
// accounting. Retry policy lives in the order manager; Live never loops.
type Live struct {
	venue  OrderPlacer
	acct   *accountant
	logger *slog.Logger
}

// NewLive builds the live submitter.
func NewLive(venue OrderPlacer, s *store.Store, state *cache.State, logger *slog.Logger) *Live {
	return &Live{
		venue:  venue,
		acct:   &accountant{store: s, state: state, logger: logger},
		logger: logger.With("component", "live_executor"),
	}
}

// Submit places one attempt for the order's remaining size. A venue error
// is returned as-is so the order manager can count and retry the attempt.
// Fills update positions, exposure and daily pnl before returning.
func (l *Live) Submit(ctx context.Context, wallet string, o types.Order) (SubmitOutcome, error) {
	size := o.RemainingSize()

	resp, err := l.venue.PlaceOrder(ctx, o.TokenID, o.RequestedPrice, size, o.Action, false)
	if err != nil {
		return SubmitOutcome{}, err
	}

	matched := matchedSize(resp, o.Action)
	out := SubmitOutcome{
		Status:     NormalizeStatus(resp.Status, matched),
		ExternalID: resp.OrderID,
	}
	switch out.Status {
	case types.OrderFilled:
		out.FilledSize, out.FilledPrice = size, o.RequestedPrice
	case types.OrderPartial:
		out.FilledSize, out.FilledPrice = matched, o.RequestedPrice
	}

	if out.FilledSize > 0 {
		l.settle(ctx, wallet, o, out)
	}

	l.logger.Info("order attempt",
		"order", o.ID, "external", out.ExternalID, "status", out.Status,
		"filled", out.FilledSize, "size", size)
	return out, nil
}

// Cancel asks the venue to cancel a resting order.
func (l *Live) Cancel(ctx context.Context, externalID string) error {
	type canceller interface {
		CancelOrder(ctx context.Context, orderID string) error
	}
	c, ok := l.venue.(canceller)
	if !ok {
		return nil
	}
	return c.CancelOrder(ctx, externalID)
}

func (l *Live) settle(ctx context.Context, wallet string, o types.Order, out SubmitOutcome) {
	switch o.Action {
	case types.BUY:
		err := l.acct.open(ctx, wallet, o.MarketID, o.TokenID, o.Side, out.FilledSize, out.FilledPrice, false)
		if err != nil {
			l.logger.Error("fill accounting failed", "order", o.ID, "error", err)
		}
	case types.SELL:
		_, _, err := l.acct.close(ctx, wallet, o.MarketID, o.Side, out.FilledSize, out.FilledPrice, false)
		if err != nil {
			l.logger.Error("close accounting failed", "order", o.ID, "error", err)
		}
	}
}

// NormalizeStatus maps venue order statuses onto the engine's lifecycle.
// Anything unrecognised is treated as still pending.
func NormalizeStatus(status string, matched float64) types.OrderStatus {
	switch strings.ToUpper(status) {
	case "MATCHED":
		return types.OrderFilled
	case "OPEN", "PENDING", "LIVE":
		if matched > 0 {
			return types.OrderPartial
		}
		return types.OrderPending
	case "CANCELLED", "EXPIRED":
		return types.OrderCancelled
	case "REJECTED", "FAILED":
		return types.OrderFailed
	default:
		return types.OrderPending
	}
}

// matchedSize extracts the share count matched so far from the venue
// response. BUY orders receive shares on the taking side, SELL orders give
// them on the making side.
func matchedSize(resp *polymarket.OrderResponse, action types.Action) float64 {
	raw := resp.TakingAmount
	if action == types.SELL {
		raw = resp.MakingAmount
	}
	if raw == "" {
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return f
}
