// Package trade owns the trade lifecycle: the manager drives status
// transitions and the executor is the only component that places orders on
// the exchange.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"recio/internal/config"
	"recio/internal/exchange"
	"recio/pkg/types"
)

// orderPlacer is the slice of the exchange client the executor needs.
type orderPlacer interface {
	CreateOrder(ctx context.Context, req exchange.OrderRequest) (*types.AccountOrder, error)
}

// Executor serializes all order placement through a single worker. One
// in-flight order at a time means retries can never interleave with a second
// submission for the same ticket, and the per-ticket log is strictly ordered.
type Executor struct {
	client orderPlacer
	cfg    config.ExecutorConfig
	queue  chan job
	logger *slog.Logger
}

type job struct {
	ctx    context.Context
	req    exchange.OrderRequest
	result chan jobResult
}

type jobResult struct {
	order *types.AccountOrder
	err   error
}

// NewExecutor creates an executor. Run must be started for Submit to make
// progress.
func NewExecutor(client orderPlacer, cfg config.ExecutorConfig, logger *slog.Logger) *Executor {
	return &Executor{
		client: client,
		cfg:    cfg,
		queue:  make(chan job, 64),
		logger: logger.With("component", "trade_executor"),
	}
}

// Run drains the queue until the context is cancelled. This is the single
// writer: exactly one goroutine ever talks to the order endpoint.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor starting", "retry_budget", e.cfg.RetryBudget)

	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-e.queue:
			order, err := e.place(j.ctx, j.req)
			j.result <- jobResult{order: order, err: err}
		}
	}
}

// Submit enqueues one order and waits for its outcome.
func (e *Executor) Submit(ctx context.Context, req exchange.OrderRequest) (*types.AccountOrder, error) {
	j := job{ctx: ctx, req: req, result: make(chan jobResult, 1)}

	select {
	case e.queue <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-j.result:
		return res.order, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// place attempts one order with exponential backoff inside the retry budget.
// Permanent rejections (4xx other than 429) fail immediately: retrying a
// rejected order cannot succeed and delays the failure report. The
// client_order_id makes the whole sequence idempotent on the exchange side,
// so a retry after an ambiguous timeout cannot double-place.
func (e *Executor) place(ctx context.Context, req exchange.OrderRequest) (*types.AccountOrder, error) {
	deadline := time.Now().Add(e.cfg.RetryBudget)
	backoff := e.cfg.BaseBackoff

	e.appendTicketLog(req.ClientOrderID, fmt.Sprintf("submit ticker=%s side=%s action=%s count=%d",
		req.Ticker, req.Side, req.Action, req.Count))

	var lastErr error
	for attempt := 1; ; attempt++ {
		order, err := e.client.CreateOrder(ctx, req)
		if err == nil {
			e.appendTicketLog(req.ClientOrderID, fmt.Sprintf("accepted order_id=%s attempt=%d", order.OrderID, attempt))
			return order, nil
		}
		lastErr = err

		if errors.Is(err, types.ErrPermanent) {
			e.appendTicketLog(req.ClientOrderID, fmt.Sprintf("rejected attempt=%d err=%v", attempt, err))
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().Add(backoff).After(deadline) {
			e.appendTicketLog(req.ClientOrderID, fmt.Sprintf("budget exhausted attempts=%d err=%v", attempt, err))
			return nil, fmt.Errorf("retry budget exhausted after %d attempts: %w", attempt, lastErr)
		}

		e.logger.Warn("order attempt failed, retrying",
			"client_order_id", req.ClientOrderID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		e.appendTicketLog(req.ClientOrderID, fmt.Sprintf("retry attempt=%d backoff=%s err=%v", attempt, backoff, err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > e.cfg.MaxBackoff {
			backoff = e.cfg.MaxBackoff
		}
	}
}

// appendTicketLog writes one line to the ticket's append-only audit file.
// Best effort: an unwritable log never blocks an order.
func (e *Executor) appendTicketLog(ticketID, line string) {
	if e.cfg.TicketLogDir == "" || ticketID == "" {
		return
	}
	if err := os.MkdirAll(e.cfg.TicketLogDir, 0o755); err != nil {
		e.logger.Debug("ticket log dir", "error", err)
		return
	}

	path := filepath.Join(e.cfg.TicketLogDir, ticketID+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.logger.Debug("ticket log open", "error", err)
		return
	}
	defer f.Close()

	stamp := types.FormatTimestamp(types.NowEastern())
	fmt.Fprintf(f, "%s %s\n", stamp, line)
}
