// Package hyperliq is the live venue adapter. It speaks a REST API for
// order placement and queries, signing every request, and a websocket for
// the asynchronous ack/fill stream.
package hyperliq

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"mts-core/pkg/exchange"
)

// Config carries connection settings and credentials.
type Config struct {
	BaseURL       string
	WSURL         string
	APIKey        string
	APISecret     string
	WalletAddress string
	Timeout       time.Duration
}

// Client implements the venue adapter against the exchange's REST API.
// The caller's client order id is forwarded as the venue's cloid field, so
// the venue itself deduplicates resubmissions of the same logical action.
type Client struct {
	cfg      Config
	http     *http.Client
	throttle *exchange.Throttle
}

// NewClient builds a REST client. throttle may be nil to disable local rate
// limiting.
func NewClient(cfg Config, throttle *exchange.Throttle) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: timeout},
		throttle: throttle,
	}
}

type orderPayload struct {
	Coin       string  `json:"coin"`
	IsBuy      bool    `json:"is_buy"`
	Sz         float64 `json:"sz"`
	LimitPx    float64 `json:"limit_px,omitempty"`
	OrderType  string  `json:"order_type"`
	Tif        string  `json:"tif,omitempty"`
	ReduceOnly bool    `json:"reduce_only,omitempty"`
	Cloid      string  `json:"cloid"`
}

type orderResponse struct {
	Status string `json:"status"`
	Oid    string `json:"oid"`
	Cloid  string `json:"cloid"`
	Error  struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SubmitOrder places an order. Protocol failures are classified so the
// gateway knows what it may retry.
func (c *Client) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	payload := orderPayload{
		Coin:       req.Instrument,
		IsBuy:      req.Side == exchange.SideBuy,
		Sz:         req.Qty,
		LimitPx:    req.Price,
		OrderType:  string(req.Type),
		Tif:        string(req.TimeInForce),
		ReduceOnly: req.ReduceOnly,
		Cloid:      req.ClientOrderID,
	}

	var resp orderResponse
	if err := c.post(ctx, "/exchange/order", payload, &resp); err != nil {
		return exchange.OrderResult{}, err
	}

	switch resp.Status {
	case "ok", "resting", "filled":
		return exchange.OrderResult{
			ExchangeOrderID: resp.Oid,
			ClientOrderID:   req.ClientOrderID,
			Status:          exchange.AckAccepted,
		}, nil
	case "rejected":
		return exchange.OrderResult{
			ClientOrderID: req.ClientOrderID,
			Status:        exchange.AckRejected,
			Reason:        resp.Error.Message,
		}, nil
	default:
		// The venue answered but not conclusively; reconciliation decides.
		return exchange.OrderResult{
			ClientOrderID: req.ClientOrderID,
			Status:        exchange.AckUnknown,
			Reason:        fmt.Sprintf("unexpected status %q", resp.Status),
		}, nil
	}
}

// CancelOrder withdraws a resting order.
func (c *Client) CancelOrder(ctx context.Context, instrument, exchangeOrderID string) error {
	payload := map[string]string{"coin": instrument, "oid": exchangeOrderID}
	var resp orderResponse
	if err := c.post(ctx, "/exchange/cancel", payload, &resp); err != nil {
		return err
	}
	if resp.Status == "rejected" {
		return mapVenueError(resp.Error.Code, resp.Error.Message)
	}
	return nil
}

type orderStateResponse struct {
	Oid      string  `json:"oid"`
	Cloid    string  `json:"cloid"`
	Status   string  `json:"status"`
	FilledSz float64 `json:"filled_sz"`
	AvgPx    float64 `json:"avg_px"`
	NotFound bool    `json:"not_found"`
}

// OrderState looks up venue-side state by client order id.
func (c *Client) OrderState(ctx context.Context, clientOrderID string) (exchange.OrderState, error) {
	var resp orderStateResponse
	if err := c.post(ctx, "/info/order_status", map[string]string{"cloid": clientOrderID}, &resp); err != nil {
		return exchange.OrderState{}, err
	}
	if resp.NotFound {
		return exchange.OrderState{}, exchange.ErrOrderNotFound
	}
	return exchange.OrderState{
		ExchangeOrderID: resp.Oid,
		ClientOrderID:   clientOrderID,
		Status:          mapOrderStatus(resp.Status),
		FilledQty:       resp.FilledSz,
		AvgFillPrice:    resp.AvgPx,
	}, nil
}

type positionResponse struct {
	Positions []struct {
		Coin    string  `json:"coin"`
		Szi     float64 `json:"szi"`
		EntryPx float64 `json:"entry_px"`
	} `json:"positions"`
}

// Positions reports the venue's view of the account.
func (c *Client) Positions(ctx context.Context) ([]exchange.Position, error) {
	var resp positionResponse
	if err := c.post(ctx, "/info/positions", map[string]string{"user": c.cfg.WalletAddress}, &resp); err != nil {
		return nil, err
	}
	out := make([]exchange.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		out = append(out, exchange.Position{Instrument: p.Coin, Qty: p.Szi, EntryPrice: p.EntryPx})
	}
	return out, nil
}

// post signs and sends one request, decoding the JSON reply into out.
func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	if c.throttle != nil {
		if err := c.throttle.Acquire(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return exchange.NewPermanent("ENCODE", "marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return exchange.NewPermanent("REQUEST", "build request: %v", err)
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.cfg.APIKey)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Wallet-Address", c.cfg.WalletAddress)
	req.Header.Set("X-Signature", c.sign(ts, path, body))

	resp, err := c.http.Do(req)
	if err != nil {
		return exchange.NewTransient("NETWORK", "post %s: %v", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return exchange.NewTransient("READ", "read %s response: %v", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return mapHTTPStatus(resp.StatusCode, path, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return exchange.NewTransient("DECODE", "decode %s response: %v", path, err)
	}
	return nil
}

// sign computes the request signature: HMAC-SHA256 over timestamp, path,
// and body with the API secret.
func (c *Client) sign(ts, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(ts))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func mapHTTPStatus(code int, path string, body []byte) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return exchange.NewPermanent("AUTH", "%s: %s", path, string(body))
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return exchange.NewPermanent("BAD_REQUEST", "%s: %s", path, string(body))
	case code == http.StatusTooManyRequests:
		return exchange.NewTransient("RATE_LIMIT", "%s throttled by venue", path)
	case code >= 500:
		return exchange.NewTransient("SERVER", "%s: status %d", path, code)
	default:
		return exchange.NewPermanent("HTTP", "%s: status %d: %s", path, code, string(body))
	}
}

func mapVenueError(code, msg string) error {
	switch code {
	case "RATE_LIMIT", "TIMEOUT", "BUSY":
		return exchange.NewTransient(code, "%s", msg)
	default:
		return exchange.NewPermanent(code, "%s", msg)
	}
}

func mapOrderStatus(status string) exchange.AckStatus {
	switch status {
	case "open", "resting", "filled", "partially_filled":
		return exchange.AckAccepted
	case "rejected":
		return exchange.AckRejected
	case "canceled", "cancelled":
		return exchange.AckCanceled
	default:
		return exchange.AckUnknown
	}
}
