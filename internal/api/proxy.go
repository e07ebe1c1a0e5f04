package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"recio/pkg/types"
)

// TradeProxy forwards manual trade actions from the main app to the trade
// manager's RPC. The main app never touches the exchange or the trade
// tables directly; ownership of the trade lifecycle stays in one process.
type TradeProxy struct {
	http *resty.Client
}

// NewTradeProxy points a proxy at the trade manager's base URL.
func NewTradeProxy(tradeManagerURL string) *TradeProxy {
	return &TradeProxy{
		http: resty.New().
			SetBaseURL(tradeManagerURL).
			SetTimeout(15 * time.Second),
	}
}

type openResponse struct {
	TicketID string `json:"ticket_id"`
	Error    string `json:"error"`
}

// Open forwards one entry intent and returns the assigned ticket id.
func (p *TradeProxy) Open(ctx context.Context, intent types.EntryIntent) (string, error) {
	var result openResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(intent).
		SetResult(&result).
		SetError(&result).
		Post("/rpc/open")
	if err != nil {
		return "", fmt.Errorf("trade manager unreachable: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
		return "", fmt.Errorf("trade manager rejected entry: %s", result.Error)
	}
	return result.TicketID, nil
}

// Close forwards one close request.
func (p *TradeProxy) Close(ctx context.Context, ticketID, reason string) error {
	var result openResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(types.CloseIntent{TicketID: ticketID, Reason: reason, IssuedAt: time.Now()}).
		SetError(&result).
		Post("/rpc/close")
	if err != nil {
		return fmt.Errorf("trade manager unreachable: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
		return fmt.Errorf("trade manager rejected close: %s", result.Error)
	}
	return nil
}
