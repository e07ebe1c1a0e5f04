package trade

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"recio/pkg/types"
)

// RPCClient calls a manager running in another process. The supervisor
// services hold one of these where a co-located caller would hold the
// manager itself; both satisfy the same open/close method set.
type RPCClient struct {
	http *resty.Client
}

// NewRPCClient points a client at the trade manager's base URL.
func NewRPCClient(baseURL string) *RPCClient {
	return &RPCClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(15 * time.Second),
	}
}

type rpcResult struct {
	TicketID string `json:"ticket_id"`
	Error    string `json:"error"`
}

// OpenTrade forwards an entry intent and returns the assigned ticket id.
func (c *RPCClient) OpenTrade(ctx context.Context, intent types.EntryIntent) (string, error) {
	var result rpcResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(intent).
		SetResult(&result).
		SetError(&result).
		Post("/rpc/open")
	if err != nil {
		return "", fmt.Errorf("trade manager unreachable: %w", err)
	}
	if resp.StatusCode() != http.StatusAccepted && resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("entry rejected: %s", result.Error)
	}
	return result.TicketID, nil
}

// CloseTrade forwards a close intent.
func (c *RPCClient) CloseTrade(ctx context.Context, intent types.CloseIntent) error {
	var result rpcResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(intent).
		SetError(&result).
		Post("/rpc/close")
	if err != nil {
		return fmt.Errorf("trade manager unreachable: %w", err)
	}
	if resp.StatusCode() != http.StatusAccepted && resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("close rejected: %s", result.Error)
	}
	return nil
}
