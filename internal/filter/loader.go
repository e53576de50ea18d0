package filter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polycopy/pkg/types"
)

const defaultReloadInterval = 10 * time.Second

// Lister is the slice of the durable store the loader reads.
type Lister interface {
	ListFilters(ctx context.Context) ([]types.MarketFilter, error)
}

// Loader serves an Evaluator rebuilt from the filter table on a short
// interval, so operator edits apply without a restart. A failed reload
// keeps the previous snapshot.
type Loader struct {
	store    Lister
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	snapshot *Evaluator
	loadedAt time.Time
}

// NewLoader builds a loader. Non-positive interval falls back to 10s.
func NewLoader(store Lister, interval time.Duration, logger *slog.Logger) *Loader {
	if interval <= 0 {
		interval = defaultReloadInterval
	}
	return &Loader{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "filter_loader"),
		snapshot: NewEvaluator(nil),
	}
}

// Evaluate runs the current snapshot, refreshing it first when stale.
func (l *Loader) Evaluate(marketID, category, question string) types.FilterVerdict {
	return l.current().Evaluate(marketID, category, question)
}

func (l *Loader) current() *Evaluator {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.loadedAt) < l.interval {
		return l.snapshot
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	filters, err := l.store.ListFilters(ctx)
	if err != nil {
		l.logger.Warn("filter reload failed, serving stale snapshot", "error", err)
		l.loadedAt = time.Now()
		return l.snapshot
	}

	l.snapshot = NewEvaluator(filters)
	l.loadedAt = time.Now()
	return l.snapshot
}
