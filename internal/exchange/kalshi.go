// Package exchange implements the Kalshi REST and WebSocket clients plus the
// Coinbase spot-price client.
//
// The REST client (Client) talks to the Kalshi trade API:
//   - Markets:          GET  /markets                  — event market list for a series
//   - Orderbook:        GET  /markets/{ticker}/orderbook
//   - CreateOrder:      POST /portfolio/orders          — place one signed order
//   - CancelOrder:      DELETE /portfolio/orders/{id}
//   - Positions:        GET  /portfolio/positions
//   - Fills:            GET  /portfolio/fills
//   - Orders:           GET  /portfolio/orders
//   - Settlements:      GET  /portfolio/settlements
//   - Balance:          GET  /portfolio/balance
//
// Every request is rate-limited via per-category TokenBuckets, retried on
// 5xx, and signed with the RSA-PSS headers from auth.go. Demo vs prod is an
// Env capability selected at construction.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"recio/pkg/types"
)

// Client is the Kalshi REST API client.
type Client struct {
	http       *resty.Client
	auth       *Auth
	rl         *RateLimiter
	signPrefix string // URL path of the API base, prepended when signing
	logger     *slog.Logger
}

// NewClient creates a REST client bound to one environment.
func NewClient(env Env, auth *Auth, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(env.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL(env.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:       httpClient,
		auth:       auth,
		rl:         NewRateLimiter(),
		signPrefix: base.Path,
		logger:     logger.With("component", "kalshi", "env", string(env.Name)),
	}, nil
}

// signedHeaders builds auth headers for an endpoint path relative to the
// API base (query string excluded per the signing scheme).
func (c *Client) signedHeaders(method, endpoint string) (map[string]string, error) {
	return c.auth.Headers(method, c.signPrefix+endpoint)
}

// apiError converts a non-2xx response into a typed error so callers can
// separate permanent rejections from transient faults.
func apiError(op string, resp *resty.Response) error {
	if types.PermanentHTTPStatus(resp.StatusCode()) {
		return fmt.Errorf("%s: status %d: %s: %w", op, resp.StatusCode(), resp.String(), types.ErrPermanent)
	}
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), resp.String())
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// KalshiMarket is the JSON shape of one event market.
type KalshiMarket struct {
	Ticker       string  `json:"ticker"`
	EventTicker  string  `json:"event_ticker"`
	Status       string  `json:"status"`
	YesBid       int     `json:"yes_bid"`
	YesAsk       int     `json:"yes_ask"`
	NoBid        int     `json:"no_bid"`
	NoAsk        int     `json:"no_ask"`
	Volume       int64   `json:"volume"`
	FloorStrike  float64 `json:"floor_strike"`
	CapStrike    float64 `json:"cap_strike"`
	CloseTime    string  `json:"close_time"`
	OpenTime     string  `json:"open_time"`
	TickSize     int     `json:"tick_size"`
	StrikeType   string  `json:"strike_type"`
}

type marketsResponse struct {
	Markets []KalshiMarket `json:"markets"`
	Cursor  string         `json:"cursor"`
}

// Markets fetches all open markets for a series, following pagination.
func (c *Client) Markets(ctx context.Context, seriesTicker string) ([]KalshiMarket, error) {
	var all []KalshiMarket
	cursor := ""

	for {
		if err := c.rl.Read.Wait(ctx); err != nil {
			return nil, err
		}

		headers, err := c.signedHeaders(http.MethodGet, "/markets")
		if err != nil {
			return nil, err
		}

		params := map[string]string{
			"series_ticker": seriesTicker,
			"status":        "open",
			"limit":         "100",
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var page marketsResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetQueryParams(params).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("get markets: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, apiError("get markets", resp)
		}

		all = append(all, page.Markets...)
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	return all, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the body of POST /portfolio/orders. ClientOrderID is the
// idempotency key: the exchange rejects a duplicate id instead of placing a
// second order, so a delivered-but-unacknowledged request cannot
// double-place.
type OrderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Side          string `json:"side"`   // "yes" or "no"
	Action        string `json:"action"` // "buy" or "sell"
	Count         int    `json:"count"`
	Type          string `json:"type"` // "limit"
	YesPrice      int    `json:"yes_price,omitempty"`
	NoPrice       int    `json:"no_price,omitempty"`
}

// OrderResponse wraps the created order.
type OrderResponse struct {
	Order types.AccountOrder `json:"order"`
}

// CreateOrder places one order.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*types.AccountOrder, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.signedHeaders(http.MethodPost, "/portfolio/orders")
	if err != nil {
		return nil, err
	}

	var result OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(req).
		SetResult(&result).
		Post("/portfolio/orders")
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
		return nil, apiError("create order", resp)
	}

	c.logger.Info("order placed",
		"ticker", req.Ticker,
		"side", req.Side,
		"action", req.Action,
		"count", req.Count,
		"order_id", result.Order.OrderID,
	)
	return &result.Order, nil
}

// CancelOrder cancels a resting order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	endpoint := "/portfolio/orders/" + orderID
	headers, err := c.signedHeaders(http.MethodDelete, endpoint)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete(endpoint)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return apiError("cancel order", resp)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio reads
// ————————————————————————————————————————————————————————————————————————

// Positions fetches current market positions.
func (c *Client) Positions(ctx context.Context) ([]types.AccountPosition, error) {
	var result struct {
		MarketPositions []types.AccountPosition `json:"market_positions"`
	}
	if err := c.portfolioGet(ctx, "/portfolio/positions", nil, &result); err != nil {
		return nil, err
	}
	return result.MarketPositions, nil
}

// Fills fetches recent executions, newest first.
func (c *Client) Fills(ctx context.Context, limit int) ([]types.AccountFill, error) {
	var result struct {
		Fills []types.AccountFill `json:"fills"`
	}
	params := map[string]string{"limit": strconv.Itoa(limit)}
	if err := c.portfolioGet(ctx, "/portfolio/fills", params, &result); err != nil {
		return nil, err
	}
	return result.Fills, nil
}

// Orders fetches the order history, newest first.
func (c *Client) Orders(ctx context.Context, limit int) ([]types.AccountOrder, error) {
	var result struct {
		Orders []types.AccountOrder `json:"orders"`
	}
	params := map[string]string{"limit": strconv.Itoa(limit)}
	if err := c.portfolioGet(ctx, "/portfolio/orders", params, &result); err != nil {
		return nil, err
	}
	return result.Orders, nil
}

// Settlements fetches market resolutions for held positions.
func (c *Client) Settlements(ctx context.Context, limit int) ([]types.AccountSettlement, error) {
	var result struct {
		Settlements []types.AccountSettlement `json:"settlements"`
	}
	params := map[string]string{"limit": strconv.Itoa(limit)}
	if err := c.portfolioGet(ctx, "/portfolio/settlements", params, &result); err != nil {
		return nil, err
	}
	return result.Settlements, nil
}

// Balance fetches the cash balance in cents.
func (c *Client) Balance(ctx context.Context) (int, error) {
	var result struct {
		Balance int `json:"balance"`
	}
	if err := c.portfolioGet(ctx, "/portfolio/balance", nil, &result); err != nil {
		return 0, err
	}
	return result.Balance, nil
}

func (c *Client) portfolioGet(ctx context.Context, endpoint string, params map[string]string, out any) error {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return err
	}

	headers, err := c.signedHeaders(http.MethodGet, endpoint)
	if err != nil {
		return err
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(out)
	if params != nil {
		req.SetQueryParams(params)
	}

	resp, err := req.Get(endpoint)
	if err != nil {
		return fmt.Errorf("get %s: %w", endpoint, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return apiError("get "+endpoint, resp)
	}
	return nil
}
