package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polycopy/internal/cache"
	"polycopy/internal/config"
	"polycopy/internal/orders"
	"polycopy/internal/pipeline"
	"polycopy/internal/safety"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCanceller struct {
	err    error
	cancel func(ctx context.Context, id string) error
	calls  []string
}

func (f *fakeCanceller) Cancel(ctx context.Context, id string) error {
	f.calls = append(f.calls, id)
	if f.cancel != nil {
		return f.cancel(ctx, id)
	}
	return f.err
}

type testEnv struct {
	ts    *httptest.Server
	store *store.Store
	state *cache.State
	hub   *Hub
}

func newTestEnv(t *testing.T, canceller OrderCanceller) *testEnv {
	t.Helper()

	logger := testLogger()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	state := cache.NewState(cache.NewMemory())
	guard := safety.NewGuard(state, true, logger)
	queue := pipeline.NewQueue(8, time.Minute)
	hub := NewHub(logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	handlers := NewHandlers(st, state, guard, queue, canceller, hub, logger)
	srv := NewServer(config.DashboardConfig{Enabled: true, Port: 0}, handlers, hub, logger)

	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: st, state: state, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (e *testEnv) decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Health and status
// ————————————————————————————————————————————————————————————————————————

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, data := env.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body map[string]string
	env.decode(t, data, &body)
	if body["status"] != "ok" {
		t.Errorf(`status field = %q, want "ok"`, body["status"])
	}
}

func TestStatusAggregates(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i, enabled := range []bool{true, true, false} {
		w := types.Wallet{Address: fmt.Sprintf("0x%04d", i), Enabled: enabled, ScaleFactor: 1}
		if err := env.store.AddWallet(ctx, w); err != nil {
			t.Fatalf("AddWallet: %v", err)
		}
	}
	if _, err := env.state.AddDailyPnL(ctx, 12.5); err != nil {
		t.Fatalf("AddDailyPnL: %v", err)
	}
	if _, err := env.state.AddExposure(ctx, 200); err != nil {
		t.Fatalf("AddExposure: %v", err)
	}

	resp, data := env.do(t, http.MethodGet, "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, http.StatusOK, data)
	}

	var got Status
	env.decode(t, data, &got)
	if got.Mode != types.ModePaper {
		t.Errorf("Mode = %q, want %q", got.Mode, types.ModePaper)
	}
	if got.DailyPnL != 12.5 {
		t.Errorf("DailyPnL = %v, want 12.5", got.DailyPnL)
	}
	if got.OpenExposure != 200 {
		t.Errorf("OpenExposure = %v, want 200", got.OpenExposure)
	}
	if got.WalletCount != 3 || got.EnabledWallets != 2 {
		t.Errorf("wallet counts = %d/%d, want 3/2", got.WalletCount, got.EnabledWallets)
	}
	if got.EmergencyStop.Active {
		t.Errorf("EmergencyStop.Active = true, want false")
	}
	if !got.NeedsFirstLiveAck {
		t.Errorf("NeedsFirstLiveAck = false, want true")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Wallets
// ————————————————————————————————————————————————————————————————————————

func TestWalletLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, data := env.do(t, http.MethodPost, "/api/wallets",
		map[string]any{"address": "0xABCDEF", "alias": "whale"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d: %s", resp.StatusCode, http.StatusCreated, data)
	}
	var created types.Wallet
	env.decode(t, data, &created)
	if created.Address != "0xabcdef" {
		t.Errorf("Address = %q, want lowercased %q", created.Address, "0xabcdef")
	}
	if !created.Enabled || created.ScaleFactor != 1.0 {
		t.Errorf("defaults = enabled:%v scale:%v, want enabled:true scale:1", created.Enabled, created.ScaleFactor)
	}

	resp, data = env.do(t, http.MethodGet, "/api/wallets/0xabcdef", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var detail WalletDetail
	env.decode(t, data, &detail)
	if detail.Alias != "whale" {
		t.Errorf("Alias = %q, want %q", detail.Alias, "whale")
	}
	if detail.Metrics.TotalTrades != 0 {
		t.Errorf("Metrics.TotalTrades = %d, want 0", detail.Metrics.TotalTrades)
	}

	resp, data = env.do(t, http.MethodPatch, "/api/wallets/0xabcdef",
		map[string]any{"enabled": false, "scale_factor": 0.5})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d, want %d: %s", resp.StatusCode, http.StatusOK, data)
	}
	var updated types.Wallet
	env.decode(t, data, &updated)
	if updated.Enabled || updated.ScaleFactor != 0.5 {
		t.Errorf("after patch = enabled:%v scale:%v, want enabled:false scale:0.5", updated.Enabled, updated.ScaleFactor)
	}
	if updated.Alias != "whale" {
		t.Errorf("patch clobbered alias: %q", updated.Alias)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/wallets/0xabcdef", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/wallets/0xabcdef", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestAddWalletValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing address", map[string]any{"alias": "x"}, http.StatusBadRequest},
		{"negative scale", map[string]any{"address": "0x1", "scale_factor": -1.0}, http.StatusBadRequest},
		{"confidence out of range", map[string]any{"address": "0x1", "min_confidence": 1.5}, http.StatusBadRequest},
		{"unknown field", map[string]any{"address": "0x1", "bogus": true}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := env.do(t, http.MethodPost, "/api/wallets", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.want, data)
			}
		})
	}

	if resp, _ := env.do(t, http.MethodPost, "/api/wallets", map[string]any{"address": "0xdup"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	resp, _ := env.do(t, http.MethodPost, "/api/wallets", map[string]any{"address": "0xDUP"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Filters and mappings
// ————————————————————————————————————————————————————————————————————————

func TestFilterLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, data := env.do(t, http.MethodPost, "/api/filters",
		map[string]any{"type": "category", "value": "Sports", "action": "deny"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d: %s", resp.StatusCode, http.StatusCreated, data)
	}
	var created types.MarketFilter
	env.decode(t, data, &created)
	if created.ID == 0 {
		t.Errorf("ID = 0, want assigned id")
	}

	resp, data = env.do(t, http.MethodGet, "/api/filters", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var filters []types.MarketFilter
	env.decode(t, data, &filters)
	if len(filters) != 1 || filters[0].Value != "Sports" {
		t.Errorf("filters = %+v, want one Sports filter", filters)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/filters",
		map[string]any{"type": "regex", "value": "x", "action": "deny"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad type status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	resp, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/api/filters/%d", created.ID), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	resp, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/api/filters/%d", created.ID), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete again status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestMappingLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, data := env.do(t, http.MethodPost, "/api/mappings",
		map[string]any{"primary_id": "0xprim", "secondary_ticker": "KXTEST"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d: %s", resp.StatusCode, http.StatusCreated, data)
	}
	var created types.MarketMapping
	env.decode(t, data, &created)
	if !created.Active {
		t.Errorf("Active = false, want true by default")
	}

	resp, _ = env.do(t, http.MethodPatch, fmt.Sprintf("/api/mappings/%d", created.ID),
		map[string]any{"active": false})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("patch status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	_, data = env.do(t, http.MethodGet, "/api/mappings", nil)
	var mappings []types.MarketMapping
	env.decode(t, data, &mappings)
	if len(mappings) != 1 || mappings[0].Active {
		t.Errorf("mappings = %+v, want one inactive mapping", mappings)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/mappings", map[string]any{"primary_id": "0xprim"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing ticker status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/mappings/abc", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Settings and safety
// ————————————————————————————————————————————————————————————————————————

func TestModeTransitions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, data := env.do(t, http.MethodPatch, "/api/settings", map[string]any{"mode": "live"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("live without confirmation = %d, want %d: %s", resp.StatusCode, http.StatusConflict, data)
	}

	resp, data = env.do(t, http.MethodPatch, "/api/settings",
		map[string]any{"mode": "live", "live_confirmed": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("live with confirmation = %d, want %d: %s", resp.StatusCode, http.StatusOK, data)
	}
	var s Settings
	env.decode(t, data, &s)
	if s.Mode != types.ModeLive || !s.LiveConfirmed {
		t.Errorf("settings = %+v, want live/confirmed", s)
	}

	resp, _ = env.do(t, http.MethodPatch, "/api/settings", map[string]any{"mode": "paused"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("live -> paused = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp, _ = env.do(t, http.MethodPatch, "/api/settings", map[string]any{"mode": "live"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("paused -> live = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	resp, _ = env.do(t, http.MethodPatch, "/api/settings", map[string]any{"mode": "paper"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("paused -> paper = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp, _ = env.do(t, http.MethodPatch, "/api/settings", map[string]any{"mode": "turbo"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown mode = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestStopRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, data := env.do(t, http.MethodPost, "/api/stop", map[string]any{"reason": "fat finger"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want %d: %s", resp.StatusCode, http.StatusOK, data)
	}
	var stop types.StopState
	env.decode(t, data, &stop)
	if !stop.Active || stop.Reason != "fat finger" {
		t.Errorf("stop = %+v, want active with reason", stop)
	}

	_, data = env.do(t, http.MethodGet, "/api/status", nil)
	var status Status
	env.decode(t, data, &status)
	if !status.EmergencyStop.Active {
		t.Errorf("status does not show active stop")
	}

	resp, data = env.do(t, http.MethodDelete, "/api/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	env.decode(t, data, &stop)
	if stop.Active {
		t.Errorf("stop still active after clear")
	}
}

func TestAckFirstLive(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodPost, "/api/live/ack", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("ack status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	_, data := env.do(t, http.MethodGet, "/api/status", nil)
	var status Status
	env.decode(t, data, &status)
	if status.NeedsFirstLiveAck {
		t.Errorf("NeedsFirstLiveAck = true after ack")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Orders and trades
// ————————————————————————————————————————————————————————————————————————

func insertOrder(t *testing.T, st *store.Store, id string, status types.OrderStatus) {
	t.Helper()
	o := types.Order{
		ID:             id,
		SignalID:       "sig-" + id,
		MarketID:       "0xmkt",
		TokenID:        "tok-yes",
		Side:           types.YES,
		Action:         types.BUY,
		RequestedSize:  50,
		RequestedPrice: 0.55,
		Status:         status,
	}
	if err := st.InsertOrder(context.Background(), o); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
}

func TestListOrdersFilter(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	insertOrder(t, env.store, "ord-1", types.OrderFilled)
	insertOrder(t, env.store, "ord-2", types.OrderPending)

	_, data := env.do(t, http.MethodGet, "/api/orders", nil)
	var all []types.Order
	env.decode(t, data, &all)
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}

	_, data = env.do(t, http.MethodGet, "/api/orders?status=filled", nil)
	var filled []types.Order
	env.decode(t, data, &filled)
	if len(filled) != 1 || filled[0].ID != "ord-1" {
		t.Errorf("filled = %+v, want only ord-1", filled)
	}

	resp, _ := env.do(t, http.MethodGet, "/api/orders?status=bogus", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()

	t.Run("no manager", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		resp, _ := env.do(t, http.MethodPost, "/api/orders/ord-1/cancel", nil)
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, &fakeCanceller{err: store.ErrNotFound})
		resp, _ := env.do(t, http.MethodPost, "/api/orders/ord-404/cancel", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
	})

	t.Run("not cancellable", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, &fakeCanceller{err: fmt.Errorf("orders.Cancel: %w", orders.ErrNotCancellable)})
		resp, _ := env.do(t, http.MethodPost, "/api/orders/ord-1/cancel", nil)
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		var env *testEnv
		canceller := &fakeCanceller{}
		canceller.cancel = func(ctx context.Context, id string) error {
			o, err := env.store.GetOrder(ctx, id)
			if err != nil {
				return err
			}
			o.Status = types.OrderCancelled
			return env.store.UpdateOrder(ctx, o)
		}
		env = newTestEnv(t, canceller)
		insertOrder(t, env.store, "ord-1", types.OrderSubmitted)

		resp, data := env.do(t, http.MethodPost, "/api/orders/ord-1/cancel", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d: %s", resp.StatusCode, http.StatusOK, data)
		}
		var o types.Order
		env.decode(t, data, &o)
		if o.Status != types.OrderCancelled {
			t.Errorf("Status = %q, want %q", o.Status, types.OrderCancelled)
		}
		if len(canceller.calls) != 1 || canceller.calls[0] != "ord-1" {
			t.Errorf("canceller calls = %v, want [ord-1]", canceller.calls)
		}
	})
}

func TestListTrades(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tr := types.Trade{
			WalletAddress: "0xaaa",
			MarketID:      "0xmkt",
			TokenID:       "tok-yes",
			Side:          types.YES,
			Action:        types.BUY,
			Size:          50,
			Price:         0.55,
			Source:        types.SourceClob,
			SignalTime:    time.Now().UTC(),
			Executed:      i < 2,
			PaperMode:     true,
		}
		if _, err := env.store.InsertTrade(ctx, tr); err != nil {
			t.Fatalf("InsertTrade: %v", err)
		}
	}

	_, data := env.do(t, http.MethodGet, "/api/trades", nil)
	var all []types.Trade
	env.decode(t, data, &all)
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}

	_, data = env.do(t, http.MethodGet, "/api/trades?executed=true", nil)
	var exec []types.Trade
	env.decode(t, data, &exec)
	if len(exec) != 2 {
		t.Errorf("len(executed) = %d, want 2", len(exec))
	}

	_, data = env.do(t, http.MethodGet, "/api/trades?limit=1", nil)
	var one []types.Trade
	env.decode(t, data, &one)
	if len(one) != 1 {
		t.Errorf("len(limited) = %d, want 1", len(one))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Event stream
// ————————————————————————————————————————————————————————————————————————

func TestWebSocketStream(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	url := strings.Replace(env.ts.URL, "http", "ws", 1) + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first pipeline.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}
	if first.Type != "status" {
		t.Fatalf("first frame type = %q, want %q", first.Type, "status")
	}

	env.hub.Broadcast(pipeline.Event{
		Type: pipeline.EventDecision,
		Time: time.Now().UTC(),
		Data: map[string]string{"verdict": "approved"},
	})

	var evt pipeline.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read broadcast frame: %v", err)
	}
	if evt.Type != pipeline.EventDecision {
		t.Errorf("frame type = %q, want %q", evt.Type, pipeline.EventDecision)
	}
}
