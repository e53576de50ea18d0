package risk

import (
	"errors"
	"fmt"

	"polycopy/pkg/types"
)

// ErrInsufficientLiquidity means the book's resting size on the taken side
// cannot absorb the requested amount.
var ErrInsufficientLiquidity = errors.New("risk: insufficient liquidity")

// EstimateFill walks the book on the side a market order would take (asks
// for BUY, bids for SELL) and returns the size-weighted average fill price.
func EstimateFill(book types.OrderBook, action types.Action, size float64) (float64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("risk.EstimateFill: size must be positive, got %v", size)
	}

	var levels []types.PriceLevel
	switch action {
	case types.BUY:
		levels = book.Asks
	case types.SELL:
		levels = book.Bids
	default:
		return 0, fmt.Errorf("risk.EstimateFill: unknown action %q", action)
	}

	remaining := size
	var cost float64
	for _, lvl := range levels {
		take := lvl.Size
		if take > remaining {
			take = remaining
		}
		cost += take * lvl.Price
		remaining -= take
		if remaining <= 0 {
			return cost / size, nil
		}
	}
	return 0, ErrInsufficientLiquidity
}
