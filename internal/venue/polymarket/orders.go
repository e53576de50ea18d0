package polymarket

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	gomodel "github.com/polymarket/go-order-utils/pkg/model"

	"polycopy/pkg/types"
)

// orderRequest is the JSON body for POST /order.
type orderRequest struct {
	Order     orderBody `json:"order"`
	Owner     string    `json:"owner"`
	OrderType string    `json:"orderType"`
}

// orderBody is the signed order in CLOB wire format. All big integers
// travel as strings except salt, which the API wants as a bare number.
type orderBody struct {
	Salt          json.Number `json:"salt"`
	Maker         string      `json:"maker"`
	Signer        string      `json:"signer"`
	Taker         string      `json:"taker"`
	TokenID       string      `json:"tokenId"`
	MakerAmount   string      `json:"makerAmount"`
	TakerAmount   string      `json:"takerAmount"`
	Expiration    string      `json:"expiration"`
	Nonce         string      `json:"nonce"`
	FeeRateBps    string      `json:"feeRateBps"`
	Side          string      `json:"side"`
	SignatureType int         `json:"signatureType"`
	Signature     string      `json:"signature"`
}

// OrderResponse is the CLOB's answer to POST /order.
type OrderResponse struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`
	TakingAmount string `json:"takingAmount"`
	MakingAmount string `json:"makingAmount"`
}

// OpenOrder is a resting or recently matched order as reported by the CLOB.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// PlaceOrder signs and submits a single GTC limit order.
func (c *Client) PlaceOrder(ctx context.Context, tokenID string, price, size float64, action types.Action, negRisk bool) (*OrderResponse, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("polymarket.PlaceOrder: no signer configured")
	}
	if err := c.rlCLOB.Wait(ctx); err != nil {
		return nil, err
	}

	signed, err := c.auth.SignOrder(tokenID, price, size, action, negRisk)
	if err != nil {
		return nil, err
	}

	payload := orderRequest{
		Order:     toOrderBody(signed, tokenID, action),
		Owner:     c.auth.creds.ApiKey,
		OrderType: "GTC",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("polymarket.PlaceOrder: marshal: %w", err)
	}
	headers, err := c.auth.L2Headers(http.MethodPost, "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("polymarket.PlaceOrder: %w", err)
	}

	var result OrderResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("polymarket.PlaceOrder: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("polymarket.PlaceOrder: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success || result.ErrorMsg != "" {
		return nil, fmt.Errorf("polymarket.PlaceOrder: rejected: %s", result.ErrorMsg)
	}

	c.logger.Info("order placed",
		"order_id", result.OrderID, "status", result.Status,
		"token", tokenID, "price", price, "size", size, "action", action)
	return &result, nil
}

func toOrderBody(signed *gomodel.SignedOrder, tokenID string, action types.Action) orderBody {
	return orderBody{
		Salt:          json.Number(signed.Order.Salt.String()),
		Maker:         signed.Order.Maker.Hex(),
		Signer:        signed.Order.Signer.Hex(),
		Taker:         signed.Order.Taker.Hex(),
		TokenID:       tokenID,
		MakerAmount:   signed.Order.MakerAmount.String(),
		TakerAmount:   signed.Order.TakerAmount.String(),
		Expiration:    signed.Order.Expiration.String(),
		Nonce:         signed.Order.Nonce.String(),
		FeeRateBps:    signed.Order.FeeRateBps.String(),
		Side:          string(action),
		SignatureType: int(signed.Order.SignatureType.Int64()),
		Signature:     "0x" + hex.EncodeToString(signed.Signature),
	}
}

// GetOrder fetches one order's current state by CLOB order ID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*OpenOrder, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("polymarket.GetOrder: no signer configured")
	}
	if err := c.rlCLOB.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/data/order/" + orderID
	headers, err := c.auth.L2Headers(http.MethodGet, path, "")
	if err != nil {
		return nil, fmt.Errorf("polymarket.GetOrder: %w", err)
	}

	var result OpenOrder
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("polymarket.GetOrder: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("polymarket.GetOrder: order %s not found", orderID)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("polymarket.GetOrder: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// CancelOrder cancels one order by CLOB order ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.auth == nil {
		return fmt.Errorf("polymarket.CancelOrder: no signer configured")
	}
	if err := c.rlCLOB.Wait(ctx); err != nil {
		return err
	}

	path := "/order/" + orderID
	headers, err := c.auth.L2Headers(http.MethodDelete, path, "")
	if err != nil {
		return fmt.Errorf("polymarket.CancelOrder: %w", err)
	}

	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete(path)
	if err != nil {
		return fmt.Errorf("polymarket.CancelOrder: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("polymarket.CancelOrder: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("order cancelled", "order_id", orderID)
	return nil
}

// DeriveAPIKey bootstraps L2 credentials from the L1 wallet signature and
// installs them on the client.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("polymarket.DeriveAPIKey: no signer configured")
	}
	if err := c.rlCLOB.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("polymarket.DeriveAPIKey: %w", err)
	}

	var result Credentials
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("polymarket.DeriveAPIKey: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("polymarket.DeriveAPIKey: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("api key derived", "api_key", result.ApiKey)
	return &result, nil
}
