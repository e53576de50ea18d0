// Package analytics scores the inputs the decision pipeline is least sure
// about: how good a tracked wallet's history is, and how healthy a market
// looks right now. Scores live in [0,1] and degrade to 0.5 when the data to
// judge is missing.
package analytics

import (
	"math"
	"sync"
	"time"
)

type pricePoint struct {
	price float64
	ts    time.Time
}

// PriceWindow keeps a rolling window of observed prices per market and
// reports their standard deviation as the volatility input to the market
// quality score. Stale points are evicted lazily on write and read.
type PriceWindow struct {
	mu       sync.RWMutex
	window   time.Duration
	byMarket map[string][]pricePoint
}

// NewPriceWindow creates a window; duration zero falls back to ten minutes.
func NewPriceWindow(window time.Duration) *PriceWindow {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &PriceWindow{
		window:   window,
		byMarket: make(map[string][]pricePoint),
	}
}

// Observe records a price for a market.
func (w *PriceWindow) Observe(marketID string, price float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.byMarket[marketID] = append(w.byMarket[marketID], pricePoint{price: price, ts: time.Now()})
	w.evictLocked(marketID)
}

// evictLocked drops points older than the window. Must hold the lock.
func (w *PriceWindow) evictLocked(marketID string) {
	points := w.byMarket[marketID]
	if len(points) == 0 {
		return
	}

	cutoff := time.Now().Add(-w.window)
	valid := -1
	for i, p := range points {
		if p.ts.After(cutoff) {
			valid = i
			break
		}
	}
	if valid == -1 {
		delete(w.byMarket, marketID)
		return
	}
	if valid > 0 {
		w.byMarket[marketID] = points[valid:]
	}
}

// Volatility returns the standard deviation of the market's windowed
// prices. Fewer than two points means no volatility signal: returns 0 and
// false.
func (w *PriceWindow) Volatility(marketID string) (float64, bool) {
	w.mu.Lock()
	w.evictLocked(marketID)
	points := append([]pricePoint(nil), w.byMarket[marketID]...)
	w.mu.Unlock()

	if len(points) < 2 {
		return 0, false
	}

	var sum float64
	for _, p := range points {
		sum += p.price
	}
	mean := sum / float64(len(points))

	var variance float64
	for _, p := range points {
		d := p.price - mean
		variance += d * d
	}
	variance /= float64(len(points))

	return math.Sqrt(variance), true
}

// Len reports how many points a market currently holds.
func (w *PriceWindow) Len(marketID string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.byMarket[marketID])
}
