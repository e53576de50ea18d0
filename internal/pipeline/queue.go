// Package pipeline connects signal ingestion to execution: a bounded
// deduplicating queue, the decision-context builder and the orchestrator
// that drives advisor, risk checks and the executor for every signal.
package pipeline

import (
	"context"
	"sync"
	"time"

	"polycopy/pkg/types"
)

const (
	defaultCapacity    = 100
	defaultDedupWindow = 5 * time.Minute
)

// Queue is a bounded FIFO of trade signals with sliding-window
// deduplication. Producers on different feeds can observe the same fill;
// the dedup id collapses them to one queued signal. Put blocks when the
// queue is full, Get blocks when it is empty, both honouring the context.
type Queue struct {
	ch     chan types.TradeSignal
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time // dedup id -> enqueue time
}

// NewQueue builds a queue. Non-positive capacity or window fall back to the
// defaults (100 signals, 5 minutes).
func NewQueue(capacity int, window time.Duration) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if window <= 0 {
		window = defaultDedupWindow
	}
	return &Queue{
		ch:     make(chan types.TradeSignal, capacity),
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Put enqueues a signal unless its dedup id was seen inside the window.
// Returns added=false for duplicates. Blocks while the queue is at capacity;
// a cancelled context releases the slot reservation and returns the
// context's error.
func (q *Queue) Put(ctx context.Context, sig types.TradeSignal) (bool, error) {
	id := sig.DedupID()

	q.mu.Lock()
	q.pruneLocked(time.Now())
	if _, dup := q.seen[id]; dup {
		q.mu.Unlock()
		return false, nil
	}
	q.seen[id] = time.Now()
	q.mu.Unlock()

	select {
	case q.ch <- sig:
		return true, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.seen, id)
		q.mu.Unlock()
		return false, ctx.Err()
	}
}

// Get blocks until a signal is available or the context is cancelled.
func (q *Queue) Get(ctx context.Context) (types.TradeSignal, error) {
	select {
	case sig := <-q.ch:
		return sig, nil
	case <-ctx.Done():
		return types.TradeSignal{}, ctx.Err()
	}
}

// GetNowait returns the next signal without blocking; ok is false when the
// queue is empty.
func (q *Queue) GetNowait() (types.TradeSignal, bool) {
	select {
	case sig := <-q.ch:
		return sig, true
	default:
		return types.TradeSignal{}, false
	}
}

// Clear drains queued signals and resets the dedup map, returning how many
// signals were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			q.seen = make(map[string]time.Time)
			return n
		}
	}
}

// Len reports how many signals are queued.
func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) pruneLocked(now time.Time) {
	cutoff := now.Add(-q.window)
	for id, at := range q.seen {
		if at.Before(cutoff) {
			delete(q.seen, id)
		}
	}
}
