package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"polycopy/internal/cache"
	"polycopy/internal/orders"
	"polycopy/internal/pipeline"
	"polycopy/internal/safety"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

const defaultListLimit = 50

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local operator tooling only; the server binds a local port.
		return true
	},
}

// OrderCanceller cancels a live order through the order manager.
type OrderCanceller interface {
	Cancel(ctx context.Context, orderID string) error
}

// Handlers holds the dependencies behind every HTTP route.
type Handlers struct {
	store  *store.Store
	state  *cache.State
	guard  *safety.Guard
	queue  *pipeline.Queue
	orders OrderCanceller
	hub    *Hub
	logger *slog.Logger
}

// NewHandlers wires the handler set. queue and orders may be nil; the
// affected routes degrade (queue depth reads zero, cancel reports 409).
func NewHandlers(st *store.Store, state *cache.State, guard *safety.Guard, queue *pipeline.Queue, canceller OrderCanceller, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:  st,
		state:  state,
		guard:  guard,
		queue:  queue,
		orders: canceller,
		hub:    hub,
		logger: logger.With("component", "api"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Response plumbing
// ————————————————————————————————————————————————————————————————————————

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, format string, args ...any) {
	h.writeJSON(w, status, errorBody{Error: fmt.Sprintf(format, args...)})
}

// fail maps an internal error onto a status code: missing entities become
// 404, everything else is a 500 with the detail kept in the log.
func (h *Handlers) fail(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "%s not found", what)
		return
	}
	h.logger.Error("request failed", "what", what, "error", err)
	h.writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return n
}

// ————————————————————————————————————————————————————————————————————————
// Health and status
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.buildStatus(r.Context())
	if err != nil {
		h.fail(w, err, "status")
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// ————————————————————————————————————————————————————————————————————————
// Wallets
// ————————————————————————————————————————————————————————————————————————

type walletCreate struct {
	Address       string   `json:"address"`
	Alias         string   `json:"alias,omitempty"`
	Enabled       *bool    `json:"enabled,omitempty"`
	ScaleFactor   *float64 `json:"scale_factor,omitempty"`
	MaxTradeSize  float64  `json:"max_trade_size,omitempty"`
	MinConfidence float64  `json:"min_confidence,omitempty"`
}

func (h *Handlers) HandleListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := h.store.ListWallets(r.Context(), false)
	if err != nil {
		h.fail(w, err, "wallets")
		return
	}
	if wallets == nil {
		wallets = []types.Wallet{}
	}
	h.writeJSON(w, http.StatusOK, wallets)
}

func (h *Handlers) HandleAddWallet(w http.ResponseWriter, r *http.Request) {
	var req walletCreate
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	req.Address = strings.ToLower(strings.TrimSpace(req.Address))
	if req.Address == "" {
		h.writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	wallet := types.Wallet{
		Address:       req.Address,
		Alias:         req.Alias,
		Enabled:       true,
		ScaleFactor:   1.0,
		MaxTradeSize:  req.MaxTradeSize,
		MinConfidence: req.MinConfidence,
	}
	if req.Enabled != nil {
		wallet.Enabled = *req.Enabled
	}
	if req.ScaleFactor != nil {
		wallet.ScaleFactor = *req.ScaleFactor
	}
	if wallet.ScaleFactor < 0 {
		h.writeError(w, http.StatusBadRequest, "scale_factor must be >= 0")
		return
	}
	if wallet.MinConfidence < 0 || wallet.MinConfidence > 1 {
		h.writeError(w, http.StatusBadRequest, "min_confidence must be in [0,1]")
		return
	}

	if _, err := h.store.GetWallet(r.Context(), wallet.Address); err == nil {
		h.writeError(w, http.StatusConflict, "wallet %s already tracked", wallet.Address)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		h.fail(w, err, "wallet")
		return
	}

	if err := h.store.AddWallet(r.Context(), wallet); err != nil {
		h.fail(w, err, "wallet")
		return
	}

	created, err := h.store.GetWallet(r.Context(), wallet.Address)
	if err != nil {
		h.fail(w, err, "wallet")
		return
	}
	h.logger.Info("wallet added", "wallet", created.Address, "alias", created.Alias)
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) HandleGetWallet(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	wallet, err := h.store.GetWallet(r.Context(), addr)
	if err != nil {
		h.fail(w, err, "wallet")
		return
	}
	metrics, err := h.store.GetMetrics(r.Context(), addr)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.fail(w, err, "wallet metrics")
		return
	}
	h.writeJSON(w, http.StatusOK, WalletDetail{Wallet: wallet, Metrics: metrics})
}

func (h *Handlers) HandleRemoveWallet(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	if err := h.store.RemoveWallet(r.Context(), addr); err != nil {
		h.fail(w, err, "wallet")
		return
	}
	h.logger.Info("wallet removed", "wallet", addr)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleUpdateWallet(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	var req WalletControlsUpdate
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}

	wallet, err := h.store.GetWallet(r.Context(), addr)
	if err != nil {
		h.fail(w, err, "wallet")
		return
	}

	controls := store.WalletControls{
		Enabled:       wallet.Enabled,
		ScaleFactor:   wallet.ScaleFactor,
		MaxTradeSize:  wallet.MaxTradeSize,
		MinConfidence: wallet.MinConfidence,
	}
	if req.Enabled != nil {
		controls.Enabled = *req.Enabled
	}
	if req.ScaleFactor != nil {
		controls.ScaleFactor = *req.ScaleFactor
	}
	if req.MaxTradeSize != nil {
		controls.MaxTradeSize = *req.MaxTradeSize
	}
	if req.MinConfidence != nil {
		controls.MinConfidence = *req.MinConfidence
	}
	if controls.ScaleFactor < 0 {
		h.writeError(w, http.StatusBadRequest, "scale_factor must be >= 0")
		return
	}
	if controls.MinConfidence < 0 || controls.MinConfidence > 1 {
		h.writeError(w, http.StatusBadRequest, "min_confidence must be in [0,1]")
		return
	}

	if err := h.store.UpdateWalletControls(r.Context(), addr, controls); err != nil {
		h.fail(w, err, "wallet")
		return
	}

	updated, err := h.store.GetWallet(r.Context(), addr)
	if err != nil {
		h.fail(w, err, "wallet")
		return
	}
	h.logger.Info("wallet controls updated", "wallet", updated.Address, "enabled", updated.Enabled)
	h.writeJSON(w, http.StatusOK, updated)
}

func (h *Handlers) HandleWalletTrades(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	if _, err := h.store.GetWallet(r.Context(), addr); err != nil {
		h.fail(w, err, "wallet")
		return
	}
	trades, err := h.store.ListWalletTrades(r.Context(), addr, queryLimit(r))
	if err != nil {
		h.fail(w, err, "trades")
		return
	}
	if trades == nil {
		trades = []types.Trade{}
	}
	h.writeJSON(w, http.StatusOK, trades)
}

// ————————————————————————————————————————————————————————————————————————
// Market filters
// ————————————————————————————————————————————————————————————————————————

type filterCreate struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Action string `json:"action"`
}

func (h *Handlers) HandleListFilters(w http.ResponseWriter, r *http.Request) {
	filters, err := h.store.ListFilters(r.Context())
	if err != nil {
		h.fail(w, err, "filters")
		return
	}
	if filters == nil {
		filters = []types.MarketFilter{}
	}
	h.writeJSON(w, http.StatusOK, filters)
}

func (h *Handlers) HandleAddFilter(w http.ResponseWriter, r *http.Request) {
	var req filterCreate
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}

	ft := types.FilterType(strings.ToLower(req.Type))
	switch ft {
	case types.FilterMarketID, types.FilterCategory, types.FilterKeyword:
	default:
		h.writeError(w, http.StatusBadRequest, "unknown filter type %q", req.Type)
		return
	}
	action := types.FilterAction(strings.ToLower(req.Action))
	switch action {
	case types.FilterAllow, types.FilterDeny:
	default:
		h.writeError(w, http.StatusBadRequest, "unknown filter action %q", req.Action)
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		h.writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	f := types.MarketFilter{Type: ft, Value: req.Value, Action: action}
	id, err := h.store.AddFilter(r.Context(), f)
	if err != nil {
		h.fail(w, err, "filter")
		return
	}
	f.ID = id
	f.CreatedAt = time.Now().UTC()
	h.logger.Info("filter added", "type", ft, "value", req.Value, "action", action)
	h.writeJSON(w, http.StatusCreated, f)
}

func (h *Handlers) HandleRemoveFilter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid filter id")
		return
	}
	if err := h.store.RemoveFilter(r.Context(), id); err != nil {
		h.fail(w, err, "filter")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ————————————————————————————————————————————————————————————————————————
// Market mappings
// ————————————————————————————————————————————————————————————————————————

type mappingCreate struct {
	PrimaryID       string `json:"primary_id"`
	SecondaryTicker string `json:"secondary_ticker"`
	Description     string `json:"description,omitempty"`
	Active          *bool  `json:"active,omitempty"`
}

type mappingUpdate struct {
	Active *bool `json:"active"`
}

func (h *Handlers) HandleListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.store.ListMappings(r.Context(), false)
	if err != nil {
		h.fail(w, err, "mappings")
		return
	}
	if mappings == nil {
		mappings = []types.MarketMapping{}
	}
	h.writeJSON(w, http.StatusOK, mappings)
}

func (h *Handlers) HandleAddMapping(w http.ResponseWriter, r *http.Request) {
	var req mappingCreate
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if strings.TrimSpace(req.PrimaryID) == "" || strings.TrimSpace(req.SecondaryTicker) == "" {
		h.writeError(w, http.StatusBadRequest, "primary_id and secondary_ticker are required")
		return
	}

	m := types.MarketMapping{
		PrimaryID:       req.PrimaryID,
		SecondaryTicker: req.SecondaryTicker,
		Description:     req.Description,
		Active:          true,
	}
	if req.Active != nil {
		m.Active = *req.Active
	}

	id, err := h.store.AddMapping(r.Context(), m)
	if err != nil {
		h.fail(w, err, "mapping")
		return
	}
	m.ID = id
	m.CreatedAt = time.Now().UTC()
	h.logger.Info("mapping added", "primary", m.PrimaryID, "secondary", m.SecondaryTicker)
	h.writeJSON(w, http.StatusCreated, m)
}

func (h *Handlers) HandleRemoveMapping(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid mapping id")
		return
	}
	if err := h.store.RemoveMapping(r.Context(), id); err != nil {
		h.fail(w, err, "mapping")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid mapping id")
		return
	}
	var req mappingUpdate
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if req.Active == nil {
		h.writeError(w, http.StatusBadRequest, "active is required")
		return
	}
	if err := h.store.SetMappingActive(r.Context(), id, *req.Active); err != nil {
		h.fail(w, err, "mapping")
		return
	}
	h.logger.Info("mapping toggled", "id", id, "active", *req.Active)
	w.WriteHeader(http.StatusNoContent)
}

// ————————————————————————————————————————————————————————————————————————
// Orders and trades
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	status := types.OrderStatus(r.URL.Query().Get("status"))
	switch status {
	case "", types.OrderPending, types.OrderSubmitted, types.OrderFilled,
		types.OrderPartial, types.OrderFailed, types.OrderCancelled:
	default:
		h.writeError(w, http.StatusBadRequest, "unknown order status %q", status)
		return
	}

	list, err := h.store.ListOrders(r.Context(), status, queryLimit(r))
	if err != nil {
		h.fail(w, err, "orders")
		return
	}
	if list == nil {
		list = []types.Order{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.orders == nil {
		h.writeError(w, http.StatusConflict, "live order manager is not running")
		return
	}

	err := h.orders.Cancel(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	case errors.Is(err, orders.ErrNotCancellable):
		h.writeError(w, http.StatusConflict, "order is no longer cancellable")
		return
	default:
		h.fail(w, err, "order")
		return
	}

	o, err := h.store.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, err, "order")
		return
	}
	h.logger.Info("order cancelled via api", "order_id", id)
	h.writeJSON(w, http.StatusOK, o)
}

func (h *Handlers) HandleListTrades(w http.ResponseWriter, r *http.Request) {
	executedOnly := r.URL.Query().Get("executed") == "true"
	trades, err := h.store.ListRecentTrades(r.Context(), queryLimit(r), executedOnly)
	if err != nil {
		h.fail(w, err, "trades")
		return
	}
	if trades == nil {
		trades = []types.Trade{}
	}
	h.writeJSON(w, http.StatusOK, trades)
}

// ————————————————————————————————————————————————————————————————————————
// Settings and safety
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) currentSettings(ctx context.Context) (Settings, error) {
	mode, err := h.state.Mode(ctx)
	if err != nil {
		return Settings{}, err
	}
	confirmed, err := h.state.LiveConfirmed(ctx)
	if err != nil {
		return Settings{}, err
	}
	return Settings{Mode: mode, LiveConfirmed: confirmed}, nil
}

func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.currentSettings(r.Context())
	if err != nil {
		h.fail(w, err, "settings")
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsUpdate
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}

	ctx := r.Context()

	// Confirmation first so {"mode":"live","live_confirmed":true} lands in
	// one request.
	if req.LiveConfirmed != nil {
		if err := h.state.SetLiveConfirmed(ctx, *req.LiveConfirmed); err != nil {
			h.fail(w, err, "settings")
			return
		}
		h.logger.Info("live confirmation updated", "confirmed", *req.LiveConfirmed)
	}

	if req.Mode != nil {
		if !types.ValidMode(*req.Mode) {
			h.writeError(w, http.StatusBadRequest, "unknown mode %q", *req.Mode)
			return
		}
		target := types.Mode(*req.Mode)

		current, err := h.state.Mode(ctx)
		if err != nil {
			h.fail(w, err, "settings")
			return
		}
		if !validModeTransition(current, target) {
			h.writeError(w, http.StatusConflict, "cannot switch from %s to %s", current, target)
			return
		}
		if target == types.ModeLive {
			confirmed, err := h.state.LiveConfirmed(ctx)
			if err != nil {
				h.fail(w, err, "settings")
				return
			}
			if !confirmed {
				h.writeError(w, http.StatusConflict, "entering live requires live_confirmed")
				return
			}
		}
		if err := h.state.SetMode(ctx, target); err != nil {
			h.fail(w, err, "settings")
			return
		}
		if current != target {
			h.logger.Warn("mode changed", "from", current, "to", target)
		}
	}

	s, err := h.currentSettings(ctx)
	if err != nil {
		h.fail(w, err, "settings")
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) HandleActivateStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "operator stop"
	}

	if err := h.guard.ActivateStop(r.Context(), reason); err != nil {
		h.fail(w, err, "emergency stop")
		return
	}

	stop, err := h.guard.StopState(r.Context())
	if err != nil {
		h.fail(w, err, "emergency stop")
		return
	}
	if h.hub != nil {
		h.hub.Broadcast(pipeline.Event{Type: pipeline.EventStop, Time: time.Now().UTC(), Data: stop})
	}
	h.writeJSON(w, http.StatusOK, stop)
}

func (h *Handlers) HandleClearStop(w http.ResponseWriter, r *http.Request) {
	if err := h.guard.ClearStop(r.Context()); err != nil {
		h.fail(w, err, "emergency stop")
		return
	}
	stop, err := h.guard.StopState(r.Context())
	if err != nil {
		h.fail(w, err, "emergency stop")
		return
	}
	if h.hub != nil {
		h.hub.Broadcast(pipeline.Event{Type: pipeline.EventStop, Time: time.Now().UTC(), Data: stop})
	}
	h.writeJSON(w, http.StatusOK, stop)
}

func (h *Handlers) HandleAckFirstLive(w http.ResponseWriter, r *http.Request) {
	if err := h.guard.AckFirstLiveTrade(r.Context()); err != nil {
		h.fail(w, err, "first-live acknowledgement")
		return
	}
	h.logger.Info("first live trade acknowledged")
	w.WriteHeader(http.StatusNoContent)
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket
// ————————————————————————————————————————————————————————————————————————

// HandleWebSocket upgrades the connection, registers it with the hub and
// queues a status snapshot as the first frame.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	status, err := h.buildStatus(r.Context())
	if err != nil {
		h.fail(w, err, "status")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	evt := pipeline.Event{Type: "status", Time: time.Now().UTC(), Data: status}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal initial status", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to queue initial status")
	}
}
