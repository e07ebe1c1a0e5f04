package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"recio/internal/exchange"
	"recio/internal/store"
	"recio/pkg/types"
)

// closeSuffix marks the client_order_id of a closing order so fill
// reconciliation can tell entries from exits.
const closeSuffix = "-close"

// tradeStore is the slice of the store the manager persists through.
type tradeStore interface {
	InsertPending(ctx context.Context, t *types.Trade) (int64, error)
	TradeByTicket(ctx context.Context, ticketID string) (*types.Trade, error)
	NonTerminal(ctx context.Context) ([]*types.Trade, error)
	Transition(ctx context.Context, ticketID string, next types.TradeStatus, upd store.TransitionUpdate) error
	ClientOrderID(ctx context.Context, orderID string) (string, error)
	RemoveActive(ctx context.Context, tradeID int64) error
}

// submitter is the slice of the executor the manager drives.
type submitter interface {
	Submit(ctx context.Context, req exchange.OrderRequest) (*types.AccountOrder, error)
}

// Manager drives the trade lifecycle. All status transitions funnel through
// here; the store enforces legality, the manager supplies intent.
//
// Lifecycle:
//
//	OpenTrade  — pending row + buy order; the entry fill moves it to open
//	CloseTrade — open → closing + sell order; the exit fill or the market
//	             settlement moves it to closed
//	failure    — a permanently rejected entry order moves pending → failed
type Manager struct {
	store    tradeStore
	executor submitter
	logger   *slog.Logger

	mu           sync.Mutex
	intentTicket map[string]string // intent_id → ticket_id (entry idempotency)
	orderTicket  map[string]string // order_id → client_order_id
}

// NewManager wires a manager over the store and executor.
func NewManager(st tradeStore, ex submitter, logger *slog.Logger) *Manager {
	return &Manager{
		store:        st,
		executor:     ex,
		logger:       logger.With("component", "trade_manager"),
		intentTicket: make(map[string]string),
		orderTicket:  make(map[string]string),
	}
}

// OpenTrade executes an entry intent. Retried intents with the same id
// return the original ticket without placing a second order.
func (m *Manager) OpenTrade(ctx context.Context, intent types.EntryIntent) (string, error) {
	m.mu.Lock()
	if ticket, seen := m.intentTicket[intent.IntentID]; seen {
		m.mu.Unlock()
		return ticket, nil
	}
	ticketID := uuid.NewString()
	m.intentTicket[intent.IntentID] = ticketID
	m.mu.Unlock()

	t := &types.Trade{
		TicketID:    ticketID,
		Symbol:      intent.Symbol,
		Contract:    intent.Contract,
		Side:        intent.Side,
		Strike:      intent.Strike,
		BuyPrice:    intent.BuyPrice,
		Position:    intent.Contracts,
		Prob:        intent.Prob,
		Diff:        intent.Diff,
		Momentum:    intent.Momentum,
		SymbolOpen:  intent.SymbolOpen,
		Status:      types.StatusPending,
		EntryMethod: intent.Method,
		CreatedAt:   types.FormatTimestamp(types.NowEastern()),
	}
	if _, err := m.store.InsertPending(ctx, t); err != nil {
		return "", fmt.Errorf("record pending trade: %w", err)
	}

	m.logger.Info("trade opening",
		"ticket_id", ticketID,
		"contract", intent.Contract,
		"side", intent.Side,
		"contracts", intent.Contracts,
		"method", intent.Method,
	)

	req := exchange.OrderRequest{
		Ticker:        intent.Contract,
		ClientOrderID: ticketID,
		Side:          strings.ToLower(string(intent.Side)),
		Action:        "buy",
		Count:         intent.Contracts,
		Type:          "limit",
	}
	if intent.Side == types.YES {
		req.YesPrice = intent.BuyPrice
	} else {
		req.NoPrice = intent.BuyPrice
	}

	order, err := m.executor.Submit(ctx, req)
	if err != nil {
		m.failTrade(ctx, ticketID, err)
		return ticketID, err
	}

	m.mu.Lock()
	m.orderTicket[order.OrderID] = ticketID
	m.mu.Unlock()
	return ticketID, nil
}

// CloseTrade executes a close intent. Safe to call repeatedly for the same
// trade: only the first call on an open trade places a sell order.
func (m *Manager) CloseTrade(ctx context.Context, intent types.CloseIntent) error {
	t, err := m.store.TradeByTicket(ctx, intent.TicketID)
	if err != nil {
		return fmt.Errorf("load trade %s: %w", intent.TicketID, err)
	}
	if t.Status.Terminal() || t.Status == types.StatusClosing {
		return nil
	}
	if t.Status != types.StatusOpen {
		return fmt.Errorf("trade %s is %s, cannot close: %w", intent.TicketID, t.Status, types.ErrInvariant)
	}

	reason := intent.Reason
	if err := m.store.Transition(ctx, intent.TicketID, types.StatusClosing, store.TransitionUpdate{
		CloseReason: &reason,
	}); err != nil {
		// A concurrent closer already moved it; that is the at-most-once
		// guarantee working, not a failure.
		if errors.Is(err, types.ErrInvariant) {
			return nil
		}
		return err
	}

	m.logger.Info("trade closing",
		"ticket_id", intent.TicketID,
		"reason", intent.Reason,
		"seq", intent.Seq,
	)

	req := exchange.OrderRequest{
		Ticker:        t.Contract,
		ClientOrderID: t.TicketID + closeSuffix,
		Side:          strings.ToLower(string(t.Side)),
		Action:        "sell",
		Count:         t.Position,
		Type:          "limit",
	}
	// Sell at the worst acceptable price: a market-style exit. 1 for YES
	// and 99 for NO crosses any book.
	if t.Side == types.YES {
		req.YesPrice = 1
	} else {
		req.NoPrice = 99
	}

	order, err := m.executor.Submit(ctx, req)
	if err != nil {
		// The trade stays in closing: the position still exists until the
		// exchange confirms an exit, and settlement will resolve it even
		// if every sell attempt fails.
		m.logger.Error("close order failed, awaiting settlement",
			"ticket_id", intent.TicketID, "error", err)
		return err
	}

	m.mu.Lock()
	m.orderTicket[order.OrderID] = t.TicketID + closeSuffix
	m.mu.Unlock()
	return nil
}

// failTrade marks a pending trade failed after a non-recoverable entry
// error.
func (m *Manager) failTrade(ctx context.Context, ticketID string, cause error) {
	reason := "entry failed: " + cause.Error()
	if err := m.store.Transition(ctx, ticketID, types.StatusFailed, store.TransitionUpdate{
		CloseReason: &reason,
	}); err != nil {
		m.logger.Error("could not mark trade failed", "ticket_id", ticketID, "error", err)
	}
	m.forget(ticketID)
}

// forget drops the in-process idempotency entries once a ticket is terminal.
// Terminal trades can never transition again, so the entries only cost
// memory. The store remains the durable idempotency backstop.
func (m *Manager) forget(ticketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for intent, ticket := range m.intentTicket {
		if ticket == ticketID {
			delete(m.intentTicket, intent)
		}
	}
	for order, client := range m.orderTicket {
		if client == ticketID || client == ticketID+closeSuffix {
			delete(m.orderTicket, order)
		}
	}
}

// ReconcileFills advances trades whose orders filled. Entry fills move
// pending → open and record the actual fill price; exit fills move
// closing → closed. Unknown fills (manual exchange activity) are ignored.
func (m *Manager) ReconcileFills(ctx context.Context, fills []types.AccountFill) error {
	for _, fill := range fills {
		clientID, err := m.clientOrderID(ctx, fill.OrderID)
		if err != nil {
			return err
		}
		if clientID == "" {
			continue
		}

		if ticket, isClose := strings.CutSuffix(clientID, closeSuffix); isClose {
			m.settleClose(ctx, ticket)
			continue
		}
		m.settleOpen(ctx, clientID, fill)
	}
	return nil
}

// ReconcileSettlements closes out trades whose market resolved. Settlement
// is the backstop: it fires whether or not a sell order ever succeeded.
func (m *Manager) ReconcileSettlements(ctx context.Context, settled map[string]bool) error {
	if len(settled) == 0 {
		return nil
	}

	open, err := m.store.NonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, t := range open {
		if !settled[t.Contract] {
			continue
		}
		switch t.Status {
		case types.StatusOpen:
			// Market resolved under an open trade; walk it through closing
			// so the terminal transition stays legal.
			reason := "settlement"
			if err := m.store.Transition(ctx, t.TicketID, types.StatusClosing, store.TransitionUpdate{
				CloseReason: &reason,
			}); err != nil {
				m.logger.Error("settlement close failed", "ticket_id", t.TicketID, "error", err)
				continue
			}
			m.settleClose(ctx, t.TicketID)
		case types.StatusClosing:
			m.settleClose(ctx, t.TicketID)
		}
	}
	return nil
}

func (m *Manager) settleOpen(ctx context.Context, ticketID string, fill types.AccountFill) {
	opened := types.FormatTimestamp(types.NowEastern())
	price := fill.Price
	err := m.store.Transition(ctx, ticketID, types.StatusOpen, store.TransitionUpdate{
		BuyPrice: &price,
		OpenedAt: &opened,
	})
	if err != nil && !errors.Is(err, types.ErrInvariant) {
		m.logger.Error("open transition failed", "ticket_id", ticketID, "error", err)
	}
}

func (m *Manager) settleClose(ctx context.Context, ticketID string) {
	closed := types.FormatTimestamp(types.NowEastern())
	err := m.store.Transition(ctx, ticketID, types.StatusClosed, store.TransitionUpdate{
		ClosedAt: &closed,
	})
	if err != nil {
		if errors.Is(err, types.ErrInvariant) {
			return
		}
		m.logger.Error("close transition failed", "ticket_id", ticketID, "error", err)
		return
	}

	if t, err := m.store.TradeByTicket(ctx, ticketID); err == nil {
		if err := m.store.RemoveActive(ctx, t.ID); err != nil {
			m.logger.Warn("active row cleanup failed", "ticket_id", ticketID, "error", err)
		}
	}
	m.forget(ticketID)
}

// clientOrderID resolves an order id via the in-process map first, then the
// orders table (covers fills observed after a restart).
func (m *Manager) clientOrderID(ctx context.Context, orderID string) (string, error) {
	m.mu.Lock()
	clientID, ok := m.orderTicket[orderID]
	m.mu.Unlock()
	if ok {
		return clientID, nil
	}
	return m.store.ClientOrderID(ctx, orderID)
}
