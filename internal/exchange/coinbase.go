package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Coinbase fetches spot prices for the collateral symbols. One instance is
// shared by the per-symbol watchdogs; the endpoint is public and unsigned.
type Coinbase struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewCoinbase creates a spot-price client.
func NewCoinbase(baseURL string, logger *slog.Logger) *Coinbase {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond)

	return &Coinbase{
		http:   client,
		logger: logger.With("component", "coinbase"),
	}
}

// spotResponse is the JSON shape of GET /v2/prices/{pair}/spot.
type spotResponse struct {
	Data struct {
		Amount   string `json:"amount"`
		Base     string `json:"base"`
		Currency string `json:"currency"`
	} `json:"data"`
}

// Spot fetches the current USD spot price for a symbol like "BTC".
func (c *Coinbase) Spot(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var result spotResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/v2/prices/%s-USD/spot", symbol))
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch %s spot: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("fetch %s spot: status %d", symbol, resp.StatusCode())
	}

	price, err := decimal.NewFromString(result.Data.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s spot %q: %w", symbol, result.Data.Amount, err)
	}
	return price, nil
}
