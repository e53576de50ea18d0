// Package polymarket implements the primary venue adapter.
//
// Three Polymarket APIs are involved, each behind its own resty client and
// rate budget:
//   - Gamma:    GET /markets                — market metadata and categories
//   - CLOB:     GET /book, order management — books and signed order flow
//   - Data API: GET /activity               — per-wallet fill history
//
// Requests retry on 5xx with backoff; per-host limiters keep the engine
// well inside Polymarket's published limits even with many wallet pollers.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// Rate budgets in requests per second. Kept conservative: the engine runs
// one poller per tracked wallet plus the context builder, all sharing
// these limiters.
const (
	gammaRate = 4
	clobRate  = 8
	dataRate  = 4
)

// Client is the Polymarket REST adapter.
type Client struct {
	gamma  *resty.Client
	clob   *resty.Client
	data   *resty.Client
	auth   *Auth

	rlGamma *rate.Limiter
	rlCLOB  *rate.Limiter
	rlData  *rate.Limiter

	logger *slog.Logger
}

// NewClient builds the adapter. auth may be nil for a read-only client
// (paper trading without credentials).
func NewClient(cfg config.PolymarketConfig, auth *Auth, logger *slog.Logger) *Client {
	mk := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(30 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
			}).
			SetHeader("Accept", "application/json")
	}

	return &Client{
		gamma:   mk(cfg.GammaBaseURL),
		clob:    mk(cfg.CLOBBaseURL).SetHeader("Content-Type", "application/json"),
		data:    mk(cfg.DataBaseURL),
		auth:    auth,
		rlGamma: rate.NewLimiter(gammaRate, 2*gammaRate),
		rlCLOB:  rate.NewLimiter(clobRate, 2*clobRate),
		rlData:  rate.NewLimiter(dataRate, 2*dataRate),
		logger:  logger.With("component", "polymarket"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Gamma: market metadata
// ————————————————————————————————————————————————————————————————————————

// gammaMarket is the raw Gamma response shape. Numeric fields arrive as
// JSON strings; clobTokenIds and outcomes are JSON arrays encoded inside
// strings and need a second unmarshal.
type gammaMarket struct {
	ConditionID   string      `json:"conditionId"`
	Question      string      `json:"question"`
	Category      string      `json:"category"`
	EndDateISO    string      `json:"endDateIso"`
	Active        bool        `json:"active"`
	Closed        bool        `json:"closed"`
	Liquidity     json.Number `json:"liquidity"`
	Volume24h     json.Number `json:"volume24hr"`
	ClobTokenIDs  string      `json:"clobTokenIds"`
	Outcomes      string      `json:"outcomes"`
	OutcomePrices string      `json:"outcomePrices"`
}

// GetMarket fetches one market's metadata by condition ID.
func (c *Client) GetMarket(ctx context.Context, conditionID string) (types.MarketInfo, error) {
	markets, err := c.GetMarkets(ctx, []string{conditionID})
	if err != nil {
		return types.MarketInfo{}, err
	}
	m, ok := markets[conditionID]
	if !ok {
		return types.MarketInfo{}, fmt.Errorf("polymarket.GetMarket: market %s not found", conditionID)
	}
	return m, nil
}

// GetMarkets fetches metadata for up to 20 condition IDs in one request.
func (c *Client) GetMarkets(ctx context.Context, conditionIDs []string) (map[string]types.MarketInfo, error) {
	if len(conditionIDs) == 0 {
		return map[string]types.MarketInfo{}, nil
	}
	if err := c.rlGamma.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []gammaMarket
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParam("condition_ids", strings.Join(conditionIDs, ",")).
		SetQueryParam("limit", strconv.Itoa(len(conditionIDs))).
		SetResult(&raw).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("polymarket.GetMarkets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("polymarket.GetMarkets: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make(map[string]types.MarketInfo, len(raw))
	for _, gm := range raw {
		out[gm.ConditionID] = gm.toMarketInfo()
	}
	return out, nil
}

// MarketByToken resolves a CLOB token id back to its market. On-chain
// fills only carry token ids, so the chain watcher needs this lookup.
func (c *Client) MarketByToken(ctx context.Context, tokenID string) (types.MarketInfo, error) {
	if err := c.rlGamma.Wait(ctx); err != nil {
		return types.MarketInfo{}, err
	}

	var raw []gammaMarket
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParam("clob_token_ids", tokenID).
		SetQueryParam("limit", "1").
		SetResult(&raw).
		Get("/markets")
	if err != nil {
		return types.MarketInfo{}, fmt.Errorf("polymarket.MarketByToken: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.MarketInfo{}, fmt.Errorf("polymarket.MarketByToken: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(raw) == 0 {
		return types.MarketInfo{}, fmt.Errorf("polymarket.MarketByToken: no market for token %s", tokenID)
	}
	return raw[0].toMarketInfo(), nil
}

func (gm gammaMarket) toMarketInfo() types.MarketInfo {
	m := types.MarketInfo{
		ID:       gm.ConditionID,
		Question: gm.Question,
		Category: gm.Category,
		Active:   gm.Active,
		Closed:   gm.Closed,
	}
	m.Liquidity, _ = gm.Liquidity.Float64()
	m.Volume24h, _ = gm.Volume24h.Float64()
	if gm.EndDateISO != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, gm.EndDateISO); err == nil {
				m.EndDate = t
				break
			}
		}
	}

	// Gamma double-encodes the arrays: "[\"Yes\", \"No\"]".
	var (
		tokenIDs []string
		labels   []string
		prices   []string
	)
	_ = json.Unmarshal([]byte(gm.ClobTokenIDs), &tokenIDs)
	_ = json.Unmarshal([]byte(gm.Outcomes), &labels)
	_ = json.Unmarshal([]byte(gm.OutcomePrices), &prices)

	for i, label := range labels {
		ot := types.OutcomeToken{Label: label}
		if i < len(tokenIDs) {
			ot.TokenID = tokenIDs[i]
		}
		if i < len(prices) {
			// A resolved market reports the winner's price as exactly 1.
			if p, err := strconv.ParseFloat(prices[i], 64); err == nil {
				ot.Winner = gm.Closed && p == 1
			}
		}
		m.Outcomes = append(m.Outcomes, ot)
	}
	return m
}

// ————————————————————————————————————————————————————————————————————————
// CLOB: order books
// ————————————————————————————————————————————————————————————————————————

// bookLevel is a raw price level. The CLOB reports prices and sizes as
// strings to preserve precision.
type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Timestamp string      `json:"timestamp"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
}

// GetOrderBook fetches the L2 book for a token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (types.OrderBook, error) {
	if err := c.rlCLOB.Wait(ctx); err != nil {
		return types.OrderBook{}, err
	}

	var raw bookResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&raw).
		Get("/book")
	if err != nil {
		return types.OrderBook{}, fmt.Errorf("polymarket.GetOrderBook: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderBook{}, fmt.Errorf("polymarket.GetOrderBook: status %d: %s", resp.StatusCode(), resp.String())
	}

	book := types.OrderBook{
		MarketID:  raw.Market,
		Timestamp: time.Now(),
		Bids:      parseLevels(raw.Bids, true),
		Asks:      parseLevels(raw.Asks, false),
	}
	return book, nil
}

// parseLevels converts raw levels into the normal form: bids descending,
// asks ascending. The CLOB returns bids with the best level last.
func parseLevels(raw []bookLevel, descending bool) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, l := range raw {
		price, err := strconv.ParseFloat(l.Price, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(l.Size, 64)
		if err != nil {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: price, Size: size})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	return levels
}

// MidpointPrice fetches the book and returns its midpoint, falling back to
// the single best side for a one-sided book.
func (c *Client) MidpointPrice(ctx context.Context, tokenID string) (float64, error) {
	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	mid, ok := book.Midpoint()
	if !ok {
		return 0, fmt.Errorf("polymarket.MidpointPrice: empty book for token %s", tokenID)
	}
	return mid, nil
}

// ————————————————————————————————————————————————————————————————————————
// Data API: wallet activity
// ————————————————————————————————————————————————————————————————————————

// WalletTrade is one observed fill by a tracked wallet.
type WalletTrade struct {
	Wallet    string
	MarketID  string
	TokenID   string
	Side      types.Side
	Action    types.Action
	Size      float64
	Price     float64
	Timestamp time.Time
	TxHash    string
}

// dataActivity is the raw Data API activity row.
type dataActivity struct {
	ProxyWallet     string      `json:"proxyWallet"`
	Timestamp       json.Number `json:"timestamp"`
	ConditionID     string      `json:"conditionId"`
	Type            string      `json:"type"`
	Size            json.Number `json:"size"`
	Price           json.Number `json:"price"`
	Asset           string      `json:"asset"`
	Side            string      `json:"side"`
	Outcome         string      `json:"outcome"`
	TransactionHash string      `json:"transactionHash"`
}

// FetchWalletTrades returns a wallet's TRADE activity newer than since,
// oldest first. The Data API returns newest first, so the page is reversed
// after the cutoff filter.
func (c *Client) FetchWalletTrades(ctx context.Context, wallet string, since time.Time, limit int) ([]WalletTrade, error) {
	if err := c.rlData.Wait(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var raw []dataActivity
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":  wallet,
			"type":  "TRADE",
			"limit": strconv.Itoa(limit),
		}).
		SetResult(&raw).
		Get("/activity")
	if err != nil {
		return nil, fmt.Errorf("polymarket.FetchWalletTrades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("polymarket.FetchWalletTrades: status %d: %s", resp.StatusCode(), resp.String())
	}

	trades := make([]WalletTrade, 0, len(raw))
	for _, a := range raw {
		if a.Type != "TRADE" {
			continue
		}
		wt, ok := a.toWalletTrade()
		if !ok {
			c.logger.Warn("skipping unparseable activity row",
				"wallet", wallet, "market", a.ConditionID, "outcome", a.Outcome)
			continue
		}
		if !wt.Timestamp.After(since) {
			continue
		}
		trades = append(trades, wt)
	}

	// Oldest first so the poller's cursor advances monotonically.
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	return trades, nil
}

func (a dataActivity) toWalletTrade() (WalletTrade, bool) {
	wt := WalletTrade{
		Wallet:   a.ProxyWallet,
		MarketID: a.ConditionID,
		TokenID:  a.Asset,
		TxHash:   a.TransactionHash,
	}

	switch strings.ToUpper(a.Side) {
	case "BUY":
		wt.Action = types.BUY
	case "SELL":
		wt.Action = types.SELL
	default:
		return WalletTrade{}, false
	}

	side, ok := types.SideForOutcome(a.Outcome)
	if !ok {
		return WalletTrade{}, false
	}
	wt.Side = side

	wt.Size, _ = a.Size.Float64()
	wt.Price, _ = a.Price.Float64()
	if wt.Size <= 0 || wt.Price <= 0 || wt.Price >= 1 {
		return WalletTrade{}, false
	}

	if sec, err := a.Timestamp.Int64(); err == nil {
		if sec > 1e12 {
			wt.Timestamp = time.Unix(sec/1000, (sec%1000)*int64(time.Millisecond))
		} else {
			wt.Timestamp = time.Unix(sec, 0)
		}
	}
	return wt, true
}
