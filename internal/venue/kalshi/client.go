// Package kalshi implements the secondary venue adapter. It is strictly
// read-only: the engine prices Kalshi markets for arbitrage detection but
// never trades there.
//
// Kalshi quotes binary contracts in integer cents, 0-100 per side. The
// adapter converts everything to YES probabilities in [0,1] so the rest of
// the engine never sees cents.
package kalshi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// marketRate is the request budget in requests per second. The arbitrage
// scanner is the only caller, one request per active mapping per cycle.
const marketRate = 5

// Client is the Kalshi REST adapter.
type Client struct {
	http     *resty.Client
	signer   *Signer
	basePath string
	rl       *rate.Limiter
	logger   *slog.Logger
}

// NewClient builds the adapter. A nil signer downgrades the client to
// unauthenticated requests, which Kalshi allows for market data.
func NewClient(cfg config.KalshiConfig, signer *Signer, logger *slog.Logger) *Client {
	base, _ := url.Parse(cfg.BaseURL)
	basePath := ""
	if base != nil {
		basePath = strings.TrimSuffix(base.Path, "/")
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Accept", "application/json")

	return &Client{
		http:     httpClient,
		signer:   signer,
		basePath: basePath,
		rl:       rate.NewLimiter(marketRate, 2*marketRate),
		logger:   logger.With("component", "kalshi"),
	}
}

// request prepares a rate-limited, optionally signed request.
func (c *Client) request(ctx context.Context, path string) (*resty.Request, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	req := c.http.R().SetContext(ctx)
	if c.signer != nil {
		headers, err := c.signer.Headers(http.MethodGet, c.basePath+path)
		if err != nil {
			return nil, err
		}
		req.SetHeaders(headers)
	}
	return req, nil
}

// ————————————————————————————————————————————————————————————————————————
// Markets
// ————————————————————————————————————————————————————————————————————————

// Market is a Kalshi market as the API reports it, prices in cents.
type Market struct {
	Ticker      string    `json:"ticker"`
	EventTicker string    `json:"event_ticker"`
	Title       string    `json:"title"`
	Category    string    `json:"category"`
	Status      string    `json:"status"`
	YesBid      int       `json:"yes_bid"`
	YesAsk      int       `json:"yes_ask"`
	NoBid       int       `json:"no_bid"`
	NoAsk       int       `json:"no_ask"`
	LastPrice   int       `json:"last_price"`
	Volume24h   int       `json:"volume_24h"`
	Liquidity   int       `json:"liquidity"`
	CloseTime   time.Time `json:"close_time"`
	Result      string    `json:"result"`
}

// ImpliedYes returns the YES probability implied by the quotes. The two
// sides of a Kalshi book carry a combined vig, so the raw mids are
// renormalised: yes/(yes+no). Falls back to the last trade when the book
// is empty.
func (m Market) ImpliedYes() float64 {
	yes := midCents(m.YesBid, m.YesAsk)
	no := midCents(m.NoBid, m.NoAsk)
	if yes+no == 0 {
		return float64(m.LastPrice) / 100
	}
	return yes / (yes + no)
}

func midCents(bid, ask int) float64 {
	switch {
	case bid > 0 && ask > 0 && ask < 100:
		return float64(bid+ask) / 2
	case bid > 0:
		return float64(bid)
	case ask > 0 && ask < 100:
		return float64(ask)
	default:
		return 0
	}
}

// Tradable reports whether the market is open for trading.
func (m Market) Tradable() bool { return m.Status == "active" || m.Status == "open" }

// Settled reports whether the market has a final result.
func (m Market) Settled() bool {
	return m.Status == "settled" || m.Status == "finalized"
}

type marketsResponse struct {
	Markets []Market `json:"markets"`
	Cursor  string   `json:"cursor"`
}

type marketResponse struct {
	Market Market `json:"market"`
}

// GetMarkets lists markets, optionally filtered by status ("open",
// "closed", "settled"; empty for all). Single page, newest first.
func (c *Client) GetMarkets(ctx context.Context, status string, limit int) ([]Market, error) {
	if limit <= 0 {
		limit = 100
	}
	req, err := c.request(ctx, "/markets")
	if err != nil {
		return nil, fmt.Errorf("kalshi.GetMarkets: %w", err)
	}

	req.SetQueryParam("limit", strconv.Itoa(limit))
	if status != "" {
		req.SetQueryParam("status", status)
	}

	var raw marketsResponse
	resp, err := req.SetResult(&raw).Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("kalshi.GetMarkets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("kalshi.GetMarkets: status %d: %s", resp.StatusCode(), resp.String())
	}
	return raw.Markets, nil
}

// GetMarket fetches a single market by ticker.
func (c *Client) GetMarket(ctx context.Context, ticker string) (Market, error) {
	path := "/markets/" + url.PathEscape(ticker)
	req, err := c.request(ctx, path)
	if err != nil {
		return Market{}, fmt.Errorf("kalshi.GetMarket: %w", err)
	}

	var raw marketResponse
	resp, err := req.SetResult(&raw).Get(path)
	if err != nil {
		return Market{}, fmt.Errorf("kalshi.GetMarket: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return Market{}, fmt.Errorf("kalshi.GetMarket: market %s not found", ticker)
	}
	if resp.StatusCode() != http.StatusOK {
		return Market{}, fmt.Errorf("kalshi.GetMarket: status %d: %s", resp.StatusCode(), resp.String())
	}
	if raw.Market.Ticker == "" {
		return Market{}, fmt.Errorf("kalshi.GetMarket: empty market for %s", ticker)
	}
	return raw.Market, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orderbook
// ————————————————————————————————————————————————————————————————————————

// orderbookResponse carries levels as [price_cents, contracts] pairs.
// The yes side holds resting YES bids; a resting NO bid at price p is an
// offer to sell YES at 100-p.
type orderbookResponse struct {
	Orderbook struct {
		Yes [][]int `json:"yes"`
		No  [][]int `json:"no"`
	} `json:"orderbook"`
}

// GetOrderbook fetches the book for a ticker, normalised to a YES book in
// probabilities.
func (c *Client) GetOrderbook(ctx context.Context, ticker string) (types.OrderBook, error) {
	path := "/markets/" + url.PathEscape(ticker) + "/orderbook"
	req, err := c.request(ctx, path)
	if err != nil {
		return types.OrderBook{}, fmt.Errorf("kalshi.GetOrderbook: %w", err)
	}

	var raw orderbookResponse
	resp, err := req.SetQueryParam("depth", "32").SetResult(&raw).Get(path)
	if err != nil {
		return types.OrderBook{}, fmt.Errorf("kalshi.GetOrderbook: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderBook{}, fmt.Errorf("kalshi.GetOrderbook: status %d: %s", resp.StatusCode(), resp.String())
	}

	book := types.OrderBook{
		MarketID:  ticker,
		Timestamp: time.Now(),
	}
	for _, lvl := range raw.Orderbook.Yes {
		if len(lvl) < 2 || lvl[0] <= 0 || lvl[0] >= 100 || lvl[1] <= 0 {
			continue
		}
		book.Bids = append(book.Bids, types.PriceLevel{
			Price: float64(lvl[0]) / 100,
			Size:  float64(lvl[1]),
		})
	}
	for _, lvl := range raw.Orderbook.No {
		if len(lvl) < 2 || lvl[0] <= 0 || lvl[0] >= 100 || lvl[1] <= 0 {
			continue
		}
		book.Asks = append(book.Asks, types.PriceLevel{
			Price: float64(100-lvl[0]) / 100,
			Size:  float64(lvl[1]),
		})
	}
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price > book.Bids[j].Price })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price < book.Asks[j].Price })
	return book, nil
}
