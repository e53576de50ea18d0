// Package orders drives live submissions through their retry state
// machine. Every accepted verdict becomes one order row and one goroutine
// that owns all mutations of that row until the order reaches a terminal
// status or the retry budget runs out.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"polycopy/internal/config"
	"polycopy/internal/exec"
	"polycopy/internal/pipeline"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 2 * time.Second
	defaultBackoff     = 2.0

	// Transitions are persisted with their own deadline so the final
	// state of an order lands even while the engine is shutting down.
	persistTimeout = 5 * time.Second
)

// ErrNotCancellable is returned when cancellation is requested for an
// order that already left the pending/submitted states.
var ErrNotCancellable = errors.New("orders: order is not cancellable")

// Submitter performs a single venue submission for the remaining size of
// an order. The live executor implements it.
type Submitter interface {
	Submit(ctx context.Context, wallet string, o types.Order) (exec.SubmitOutcome, error)
	Cancel(ctx context.Context, externalID string) error
}

// Manager owns the live order lifecycle. It implements exec.LivePlacer:
// the router hands it signals that survived risk validation in live mode.
type Manager struct {
	cfg    config.OrdersConfig
	sub    Submitter
	store  *store.Store
	events pipeline.EventFunc
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	stopped  bool
	inflight map[string]context.CancelFunc
}

// NewManager wires the retry loop. Zero config values fall back to
// defaults so a partially filled config file still trades sanely.
func NewManager(cfg config.OrdersConfig, sub Submitter, s *store.Store, logger *slog.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = defaultBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		sub:      sub,
		store:    s,
		logger:   logger.With("component", "order_manager"),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]context.CancelFunc),
	}
}

// WithEvents registers a sink for order_update events.
func (m *Manager) WithEvents(fn pipeline.EventFunc) *Manager {
	m.events = fn
	return m
}

// Place creates the order row and spawns the goroutine that drives it.
// The returned result reports acceptance of the order, not its fill; the
// order row tracks the fill as attempts complete.
func (m *Manager) Place(ctx context.Context, sig types.TradeSignal, v types.Verdict) (types.ExecutionResult, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return types.ExecutionResult{
			Success:   false,
			Message:   "order manager stopped",
			Timestamp: time.Now().UTC(),
		}, nil
	}

	now := time.Now().UTC()
	o := types.Order{
		ID:             uuid.NewString(),
		SignalID:       sig.DedupID(),
		MarketID:       sig.MarketID,
		TokenID:        sig.TokenID,
		Side:           sig.Side,
		Action:         sig.Action,
		RequestedSize:  v.Size,
		RequestedPrice: sig.Price,
		Status:         types.OrderPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := m.store.InsertOrder(ctx, o); err != nil {
		m.mu.Unlock()
		return types.ExecutionResult{}, fmt.Errorf("orders.Place: %w", err)
	}

	orderCtx, cancelOrder := context.WithCancel(m.ctx)
	m.inflight[o.ID] = cancelOrder
	m.wg.Add(1)
	m.mu.Unlock()

	go m.drive(orderCtx, sig.Wallet, o)

	m.notify(o)
	return types.ExecutionResult{
		Success:       true,
		OrderID:       o.ID,
		ExecutedSize:  v.Size,
		ExecutedPrice: sig.Price,
		Message:       "order submitted (live)",
		Timestamp:     now,
	}, nil
}

// drive runs the retry loop for a single order. It is the only writer of
// that order's row while it runs, so transitions never race each other.
func (m *Manager) drive(ctx context.Context, wallet string, o types.Order) {
	defer func() {
		m.mu.Lock()
		delete(m.inflight, o.ID)
		m.mu.Unlock()
		m.wg.Done()
	}()

	delay := m.cfg.RetryDelay
	for o.Attempts < m.cfg.MaxAttempts {
		if ctx.Err() != nil {
			return
		}

		o.Attempts++
		o.Status = types.OrderSubmitted
		m.persist(&o)

		out, err := m.sub.Submit(ctx, wallet, o)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.Status = types.OrderPending
			o.FailureReason = err.Error()
			m.persist(&o)
			m.logger.Warn("order attempt failed",
				"order_id", o.ID, "attempt", o.Attempts, "error", err)
			if !m.wait(ctx, delay) {
				return
			}
			delay = time.Duration(float64(delay) * m.cfg.BackoffMultiplier)
			continue
		}

		if out.ExternalID != "" {
			o.ExternalID = out.ExternalID
		}

		switch out.Status {
		case types.OrderFilled, types.OrderPartial:
			o.Status = out.Status
			o.FilledSize += out.FilledSize
			if out.FilledPrice > 0 {
				p := out.FilledPrice
				o.FilledPrice = &p
			}
			m.persist(&o)
			m.logger.Info("order complete",
				"order_id", o.ID, "status", o.Status,
				"filled", o.FilledSize, "requested", o.RequestedSize)
			return
		default:
			// The venue left the order resting or rejected it. Pull a
			// resting remnant before resubmitting so a retry cannot
			// double the position.
			if o.ExternalID != "" && out.Status.Cancellable() {
				if cerr := m.sub.Cancel(ctx, o.ExternalID); cerr != nil {
					m.logger.Warn("cancel resting order",
						"order_id", o.ID, "external_id", o.ExternalID, "error", cerr)
				}
			}
			o.Status = types.OrderFailed
			o.FailureReason = fmt.Sprintf("unexpected venue status %q", out.Status)
			m.persist(&o)
			if o.Attempts >= m.cfg.MaxAttempts {
				return
			}
			o.Status = types.OrderPending
			m.persist(&o)
			if !m.wait(ctx, delay) {
				return
			}
			delay = time.Duration(float64(delay) * m.cfg.BackoffMultiplier)
		}
	}

	if !o.Status.Terminal() {
		o.Status = types.OrderFailed
		if o.FailureReason == "" {
			o.FailureReason = "retry budget exhausted"
		}
		m.persist(&o)
		m.logger.Warn("order abandoned",
			"order_id", o.ID, "attempts", o.Attempts, "reason", o.FailureReason)
	}
}

// Cancel stops the driving goroutine, pulls the venue order if one is
// resting, and marks the row cancelled. Only pending and submitted orders
// are cancellable.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	o, err := m.store.GetOrder(ctx, id)
	if err != nil {
		return fmt.Errorf("orders.Cancel: %w", err)
	}
	if !o.Status.Cancellable() {
		return fmt.Errorf("orders.Cancel: %s in status %s: %w", id, o.Status, ErrNotCancellable)
	}

	m.mu.Lock()
	if cancelOrder, ok := m.inflight[id]; ok {
		cancelOrder()
	}
	m.mu.Unlock()

	if o.ExternalID != "" {
		if cerr := m.sub.Cancel(ctx, o.ExternalID); cerr != nil {
			m.logger.Warn("venue cancel failed",
				"order_id", id, "external_id", o.ExternalID, "error", cerr)
		}
	}

	o.Status = types.OrderCancelled
	m.persist(&o)
	m.logger.Info("order cancelled", "order_id", id)
	return nil
}

// Stop cancels every in-flight order goroutine and waits for them to
// exit. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) persist(o *types.Order) {
	o.UpdatedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.UpdateOrder(ctx, *o); err != nil {
		m.logger.Error("persist order",
			"order_id", o.ID, "status", o.Status, "error", err)
		return
	}
	m.notify(*o)
}

func (m *Manager) notify(o types.Order) {
	if m.events == nil {
		return
	}
	m.events(pipeline.Event{Type: pipeline.EventOrderUpdate, Time: time.Now().UTC(), Data: o})
}

// wait sleeps for the retry delay, returning false if the context ends
// first.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
