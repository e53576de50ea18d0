package polymarket

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/polymarket/go-order-utils/pkg/builder"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"
	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// Credentials holds the L2 API key triplet returned by /auth/derive-api-key.
type Credentials struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Auth handles the two Polymarket authentication layers.
//
//   - L1 (EIP-712): signs a typed "ClobAuth" message with the wallet key,
//     used once to derive L2 API credentials.
//   - L2 (HMAC-SHA256): signs "timestamp + method + path [+ body]" with the
//     derived API secret on every trading request.
//
// It also signs CTF exchange orders through go-order-utils. The funder may
// differ from the signing address when a proxy wallet holds the USDC.
type Auth struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	funder     common.Address
	chainID    *big.Int
	sigType    int
	orders     builder.ExchangeOrderBuilder
	creds      Credentials
}

// NewAuth parses the configured private key and prepares the order builder.
func NewAuth(cfg config.PolymarketConfig) (*Auth, error) {
	keyHex := strings.TrimPrefix(cfg.PrivateKey, "0x")
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("polymarket.NewAuth: parse private key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	funder := address
	if cfg.FunderAddress != "" {
		funder = common.HexToAddress(cfg.FunderAddress)
	}

	chainID := big.NewInt(int64(cfg.ChainID))

	return &Auth{
		privateKey: privateKey,
		address:    address,
		funder:     funder,
		chainID:    chainID,
		sigType:    cfg.SignatureType,
		orders:     builder.NewExchangeOrderBuilderImpl(chainID, nil),
		creds: Credentials{
			ApiKey:     cfg.ApiKey,
			Secret:     cfg.Secret,
			Passphrase: cfg.Passphrase,
		},
	}, nil
}

// Address returns the signing address.
func (a *Auth) Address() common.Address { return a.address }

// FunderAddress returns the wallet funding the orders.
func (a *Auth) FunderAddress() common.Address { return a.funder }

// HasL2Credentials reports whether trading requests can be signed.
func (a *Auth) HasL2Credentials() bool {
	return a.creds.ApiKey != "" && a.creds.Secret != "" && a.creds.Passphrase != ""
}

// SetCredentials installs L2 credentials after deriving them via L1.
func (a *Auth) SetCredentials(creds Credentials) {
	a.creds = creds
}

// L1Headers generates headers for L1-authenticated endpoints.
func (a *Auth) L1Headers(nonce int) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.signClobAuth(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign clob auth: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":   a.address.Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     strconv.Itoa(nonce),
	}, nil
}

// L2Headers generates headers for L2-authenticated trading endpoints.
func (a *Auth) L2Headers(method, path, body string) (map[string]string, error) {
	if !a.HasL2Credentials() {
		return nil, fmt.Errorf("l2 credentials not configured")
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":    a.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    a.creds.ApiKey,
		"POLY_PASSPHRASE": a.creds.Passphrase,
	}, nil
}

// signClobAuth produces the EIP-712 signature for L1 authentication.
func (a *Auth) signClobAuth(timestamp string, nonce int) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
		},
		Message: apitypes.TypedDataMessage{
			"address":   a.address.Hex(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   "This message attests that I control the given wallet",
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// buildHMAC computes the HMAC-SHA256 signature for L2 auth over
// "timestamp + method + path [+ body]". Polymarket hands out secrets in
// slightly varying base64 alphabets, so several decoders are tried.
func (a *Auth) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(a.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + strings.ToUpper(method) + path + body

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// SignOrder builds and signs a CTF exchange order.
func (a *Auth) SignOrder(tokenID string, price, size float64, action types.Action, negRisk bool) (*gomodel.SignedOrder, error) {
	maker, taker, err := orderAmounts(price, size, action)
	if err != nil {
		return nil, fmt.Errorf("polymarket.SignOrder: %w", err)
	}

	side := gomodel.BUY
	if action == types.SELL {
		side = gomodel.SELL
	}

	contract := gomodel.CTFExchange
	if negRisk {
		contract = gomodel.NegRiskCTFExchange
	}

	sigType := gomodel.EOA
	switch a.sigType {
	case 1:
		sigType = gomodel.POLY_PROXY
	case 2:
		sigType = gomodel.POLY_GNOSIS_SAFE
	}

	data := &gomodel.OrderData{
		Maker:         a.funder.Hex(),
		Signer:        a.address.Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenId:       tokenID,
		MakerAmount:   maker,
		TakerAmount:   taker,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: sigType,
	}

	signed, err := a.orders.BuildSignedOrder(a.privateKey, data, contract)
	if err != nil {
		return nil, fmt.Errorf("polymarket.SignOrder: build: %w", err)
	}
	return signed, nil
}

// orderAmounts converts price and size into base-unit (1e-6 USDC) maker and
// taker amount strings. The CLOB verifies makerAmount == price*takerAmount
// exactly, so the math runs in decimals: price truncated to the finest tick,
// size to whole cents, the product then has at most six places.
//
//	BUY:  maker gives size*price USDC, receives size tokens
//	SELL: maker gives size tokens, receives size*price USDC
func orderAmounts(price, size float64, action types.Action) (maker, taker string, err error) {
	p := decimal.NewFromFloat(price).Truncate(4)
	s := decimal.NewFromFloat(size).Truncate(2)
	if p.Sign() <= 0 || p.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return "", "", fmt.Errorf("price %s out of (0,1)", p)
	}
	if s.Sign() <= 0 {
		return "", "", fmt.Errorf("size %s not positive", s)
	}

	tokens := s.Shift(6)
	usdc := s.Mul(p).Shift(6).Truncate(0)

	switch action {
	case types.BUY:
		return usdc.String(), tokens.String(), nil
	case types.SELL:
		return tokens.String(), usdc.String(), nil
	default:
		return "", "", fmt.Errorf("unknown action %q", action)
	}
}
