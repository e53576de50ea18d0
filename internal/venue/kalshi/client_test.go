package kalshi

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"polycopy/internal/config"
)

func newTestClient(t *testing.T, srv *httptest.Server, signer *Signer) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewClient(config.KalshiConfig{BaseURL: srv.URL}, signer, logger)
}

func TestImpliedYes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		market Market
		want   float64
	}{
		{
			// yes mid 45, no mid 54, renormalised 45/99.
			name:   "two sided book with vig",
			market: Market{YesBid: 44, YesAsk: 46, NoBid: 52, NoAsk: 56},
			want:   45.0 / 99.0,
		},
		{
			name:   "bid only quotes",
			market: Market{YesBid: 40, NoBid: 55},
			want:   40.0 / 95.0,
		},
		{
			name:   "empty book falls back to last trade",
			market: Market{LastPrice: 37},
			want:   0.37,
		},
		{
			name:   "tight balanced book",
			market: Market{YesBid: 49, YesAsk: 51, NoBid: 49, NoAsk: 51},
			want:   0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.market.ImpliedYes(); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ImpliedYes = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetMarketParsesPayload(t *testing.T) {
	t.Parallel()

	payload := `{"market": {
		"ticker": "FED-25SEP-CUT",
		"event_ticker": "FED-25SEP",
		"title": "Will the Fed cut rates in September?",
		"category": "Economics",
		"status": "active",
		"yes_bid": 61, "yes_ask": 63, "no_bid": 36, "no_ask": 40,
		"last_price": 62,
		"volume_24h": 120000,
		"liquidity": 4500000,
		"close_time": "2026-09-17T18:00:00Z",
		"result": ""
	}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/FED-25SEP-CUT" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	m, err := c.GetMarket(context.Background(), "FED-25SEP-CUT")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}

	if m.Ticker != "FED-25SEP-CUT" || m.Title == "" {
		t.Errorf("market = %+v", m)
	}
	if !m.Tradable() || m.Settled() {
		t.Errorf("status = %q, want tradable", m.Status)
	}
	// yes mid 62, no mid 38, renormalised 62/100.
	if got := m.ImpliedYes(); math.Abs(got-0.62) > 1e-9 {
		t.Errorf("ImpliedYes = %v, want 0.62", got)
	}
}

func TestGetMarketNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	if _, err := c.GetMarket(context.Background(), "NOPE"); err == nil {
		t.Error("expected error for missing ticker")
	}
}

func TestGetMarketsStatusFilter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("status"); got != "open" {
			t.Errorf("status = %q, want open", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"markets": [{"ticker": "A"}, {"ticker": "B"}], "cursor": ""}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	markets, err := c.GetMarkets(context.Background(), "open", 50)
	if err != nil {
		t.Fatalf("GetMarkets: %v", err)
	}
	if len(markets) != 2 {
		t.Errorf("got %d markets, want 2", len(markets))
	}
}

func TestGetOrderbookNormalises(t *testing.T) {
	t.Parallel()

	// A NO bid at 57 is an offer to sell YES at 43. The short [40] level
	// is malformed and dropped.
	payload := `{"orderbook": {
		"yes": [[40, 100], [42, 50], [40]],
		"no":  [[55, 70], [57, 30]]
	}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/TICK/orderbook" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	book, err := c.GetOrderbook(context.Background(), "TICK")
	if err != nil {
		t.Fatalf("GetOrderbook: %v", err)
	}

	if book.MarketID != "TICK" {
		t.Errorf("market = %q", book.MarketID)
	}
	if len(book.Bids) != 2 || len(book.Asks) != 2 {
		t.Fatalf("levels = %d bids / %d asks, want 2/2", len(book.Bids), len(book.Asks))
	}
	if got := book.BestBid(); got != 0.42 {
		t.Errorf("BestBid = %v, want 0.42", got)
	}
	if got := book.BestAsk(); got != 0.43 {
		t.Errorf("BestAsk = %v, want 0.43", got)
	}
	if book.Bids[0].Size != 50 || book.Asks[0].Size != 30 {
		t.Errorf("best sizes = %v/%v, want 50/30", book.Bids[0].Size, book.Asks[0].Size)
	}
}

func TestRequestsCarrySignature(t *testing.T) {
	t.Parallel()

	key := newTestKey(t)
	signer, err := NewSigner("key-id-9", pkcs8PEM(t, key))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("KALSHI-ACCESS-KEY"); got != "key-id-9" {
			t.Errorf("KALSHI-ACCESS-KEY = %q", got)
		}
		ts := r.Header.Get("KALSHI-ACCESS-TIMESTAMP")
		sig, err := base64.StdEncoding.DecodeString(r.Header.Get("KALSHI-ACCESS-SIGNATURE"))
		if err != nil {
			t.Errorf("signature not base64: %v", err)
		}
		digest := sha256.Sum256([]byte(ts + "GET" + r.URL.Path))
		verr := rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       crypto.SHA256,
		})
		if verr != nil {
			t.Errorf("signature does not verify for path %s: %v", r.URL.Path, verr)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"market": {"ticker": "SIGNED"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, signer)
	if _, err := c.GetMarket(context.Background(), "SIGNED"); err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
}
