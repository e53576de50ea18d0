package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"polycopy/internal/cache"
	"polycopy/internal/config"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

// orderFilledSig is the CTF exchange's fill event:
//
//	OrderFilled(bytes32 indexed orderHash, address indexed maker,
//	            address indexed taker, uint256 makerAssetId,
//	            uint256 takerAssetId, uint256 makerAmountFilled,
//	            uint256 takerAmountFilled, uint256 fee)
//
// Asset id 0 is the USDC collateral leg; a nonzero id is an outcome
// token. Amounts are 6-decimal fixed point.
const orderFilledSig = "OrderFilled(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)"

var orderFilledTopic = crypto.Keccak256Hash([]byte(orderFilledSig))

// maxBlockSpan bounds one FilterLogs range so the first scan after
// downtime cannot ask the RPC node for an unbounded window.
const maxBlockSpan = 1000

// ChainClient is the slice of ethclient.Client the watcher uses.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
}

// MarketResolver maps an outcome token id back to its market metadata.
type MarketResolver interface {
	MarketByToken(ctx context.Context, tokenID string) (types.MarketInfo, error)
}

type tokenMarket struct {
	marketID string
	side     types.Side
}

// Watcher follows OrderFilled events on the exchange contract and emits
// the fills of tracked wallets as signals. It is a second observation
// path for the same trades the pollers see; the shared dedup identity
// collapses the two.
type Watcher struct {
	cfg      config.IngestConfig
	client   ChainClient
	exchange common.Address
	store    *store.Store
	resolver MarketResolver
	state    *cache.State
	sink     Sink
	logger   *slog.Logger

	// token id -> market, filled lazily from the resolver.
	tokens map[string]tokenMarket
}

func NewWatcher(cfg config.IngestConfig, client ChainClient, exchange string, s *store.Store, resolver MarketResolver, state *cache.State, sink Sink, logger *slog.Logger) *Watcher {
	if cfg.ChainPollInterval <= 0 {
		cfg.ChainPollInterval = 30 * time.Second
	}
	return &Watcher{
		cfg:      cfg,
		client:   client,
		exchange: common.HexToAddress(exchange),
		store:    s,
		resolver: resolver,
		state:    state,
		sink:     sink,
		logger:   logger.With("component", "chain_watcher"),
		tokens:   make(map[string]tokenMarket),
	}
}

// Run scans for fills until the context ends. RPC errors leave the block
// cursor where it was; the next tick rescans the same range.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("chain watcher started",
		"exchange", w.exchange.Hex(), "interval", w.cfg.ChainPollInterval,
		"confirmations", w.cfg.ChainConfirmations)

	ticker := time.NewTicker(w.cfg.ChainPollInterval)
	defer ticker.Stop()
	for {
		if err := w.scan(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("chain scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watcher) scan(ctx context.Context) error {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("ingest.scan: %w", err)
	}
	if head <= w.cfg.ChainConfirmations {
		return nil
	}
	safe := head - w.cfg.ChainConfirmations

	last, err := w.state.ChainCursor(ctx)
	if err != nil {
		return fmt.Errorf("ingest.scan: %w", err)
	}

	from := last + 1
	if last == 0 {
		// Fresh cursor: start at the tip instead of replaying history.
		from = safe
	}
	if from > safe {
		return nil
	}
	if safe-from >= maxBlockSpan {
		from = safe - maxBlockSpan + 1
	}

	tracked, err := w.trackedAddresses(ctx)
	if err != nil {
		return fmt.Errorf("ingest.scan: %w", err)
	}
	if len(tracked) == 0 {
		return w.state.SetChainCursor(ctx, safe)
	}

	logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(safe),
		Addresses: []common.Address{w.exchange},
		Topics:    [][]common.Hash{{orderFilledTopic}},
	})
	if err != nil {
		return fmt.Errorf("ingest.scan: %w", err)
	}

	blockTimes := make(map[uint64]time.Time)
	for _, lg := range logs {
		f, ok := parseOrderFilled(lg)
		if !ok {
			continue
		}

		at, ok := blockTimes[lg.BlockNumber]
		if !ok {
			hdr, err := w.client.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.BlockNumber))
			if err != nil {
				return fmt.Errorf("ingest.scan: %w", err)
			}
			at = time.Unix(int64(hdr.Time), 0).UTC()
			blockTimes[lg.BlockNumber] = at
		}

		for _, sig := range w.signalsFromFill(ctx, f, tracked, at) {
			if _, err := w.sink.Put(ctx, sig); err != nil {
				return fmt.Errorf("ingest.scan: %w", err)
			}
			w.logger.Info("chain fill ingested",
				"wallet", sig.Wallet, "market", sig.MarketID, "action", sig.Action,
				"size", sig.Size, "price", sig.Price, "block", lg.BlockNumber)
		}
	}

	return w.state.SetChainCursor(ctx, safe)
}

func (w *Watcher) trackedAddresses(ctx context.Context) (map[common.Address]string, error) {
	wallets, err := w.store.ListWallets(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address]string, len(wallets))
	for _, wl := range wallets {
		out[common.HexToAddress(wl.Address)] = strings.ToLower(wl.Address)
	}
	return out, nil
}

// fill is one decoded OrderFilled event.
type fill struct {
	maker        common.Address
	taker        common.Address
	makerAssetID *big.Int
	takerAssetID *big.Int
	makerAmount  *big.Int
	takerAmount  *big.Int
	txHash       string
}

func parseOrderFilled(lg ethtypes.Log) (fill, bool) {
	if len(lg.Topics) != 4 || len(lg.Data) < 5*32 {
		return fill{}, false
	}
	return fill{
		maker:        common.BytesToAddress(lg.Topics[2].Bytes()),
		taker:        common.BytesToAddress(lg.Topics[3].Bytes()),
		makerAssetID: new(big.Int).SetBytes(lg.Data[0:32]),
		takerAssetID: new(big.Int).SetBytes(lg.Data[32:64]),
		makerAmount:  new(big.Int).SetBytes(lg.Data[64:96]),
		takerAmount:  new(big.Int).SetBytes(lg.Data[96:128]),
		txHash:       lg.TxHash.Hex(),
	}, true
}

// signalsFromFill converts one fill into signals for every tracked party.
// The maker's action follows the asset layout: a zero makerAssetId means
// the maker paid collateral, so the maker bought; the taker always holds
// the opposite action at the same size and price.
func (w *Watcher) signalsFromFill(ctx context.Context, f fill, tracked map[common.Address]string, at time.Time) []types.TradeSignal {
	var (
		token       *big.Int
		makerAction types.Action
		shares      decimal.Decimal
		collateral  decimal.Decimal
	)
	switch {
	case f.makerAssetID.Sign() == 0 && f.takerAssetID.Sign() != 0:
		token = f.takerAssetID
		makerAction = types.BUY
		shares = decimal.NewFromBigInt(f.takerAmount, -6)
		collateral = decimal.NewFromBigInt(f.makerAmount, -6)
	case f.takerAssetID.Sign() == 0 && f.makerAssetID.Sign() != 0:
		token = f.makerAssetID
		makerAction = types.SELL
		shares = decimal.NewFromBigInt(f.makerAmount, -6)
		collateral = decimal.NewFromBigInt(f.takerAmount, -6)
	default:
		// Token-for-token transfers (splits, merges) have no price.
		return nil
	}
	if shares.IsZero() {
		return nil
	}
	price := collateral.Div(shares).InexactFloat64()
	size := shares.InexactFloat64()
	if price <= 0 || price >= 1 {
		return nil
	}

	tm, err := w.resolveToken(ctx, token.String())
	if err != nil {
		w.logger.Warn("cannot attribute fill", "token", token.String(), "error", err)
		return nil
	}

	var out []types.TradeSignal
	emit := func(addr string, action types.Action) {
		out = append(out, types.TradeSignal{
			Wallet:    addr,
			MarketID:  tm.marketID,
			TokenID:   token.String(),
			Side:      tm.side,
			Action:    action,
			Size:      size,
			Price:     price,
			Source:    types.SourceChain,
			Timestamp: at,
			TxHash:    f.txHash,
		})
	}
	if addr, ok := tracked[f.maker]; ok {
		emit(addr, makerAction)
	}
	if addr, ok := tracked[f.taker]; ok {
		if makerAction == types.BUY {
			emit(addr, types.SELL)
		} else {
			emit(addr, types.BUY)
		}
	}
	return out
}

func (w *Watcher) resolveToken(ctx context.Context, tokenID string) (tokenMarket, error) {
	if tm, ok := w.tokens[tokenID]; ok {
		return tm, nil
	}
	info, err := w.resolver.MarketByToken(ctx, tokenID)
	if err != nil {
		return tokenMarket{}, err
	}
	for _, o := range info.Outcomes {
		if o.TokenID != tokenID {
			continue
		}
		side, ok := types.SideForOutcome(o.Label)
		if !ok {
			return tokenMarket{}, fmt.Errorf("unmapped outcome label %q", o.Label)
		}
		tm := tokenMarket{marketID: info.ID, side: side}
		w.tokens[tokenID] = tm
		return tm, nil
	}
	return tokenMarket{}, fmt.Errorf("token %s not in market %s outcomes", tokenID, info.ID)
}
