package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"recio/pkg/types"
)

const tradeColumns = `id, ticket_id, symbol, contract, side, strike, buy_price,
	position, fees, prob, diff, momentum, symbol_open, status, entry_method,
	close_reason, created_at, opened_at, closed_at`

// InsertPending records a new trade in status pending and returns its id.
// The ticket_id unique constraint makes retried inserts idempotent: a
// duplicate returns the existing row's id instead of a second trade.
func (s *Store) InsertPending(ctx context.Context, t *types.Trade) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO %s
		(ticket_id, symbol, contract, side, strike, buy_price, position, fees,
		 prob, diff, momentum, symbol_open, status, entry_method, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (ticket_id) DO NOTHING
		RETURNING id`, s.table("trades"))

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		t.TicketID, t.Symbol, t.Contract, t.Side, t.Strike, t.BuyPrice,
		t.Position, t.Fees, t.Prob, t.Diff, t.Momentum, t.SymbolOpen,
		types.StatusPending, t.EntryMethod, t.CreatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict path: the ticket already exists, return its id.
		lookup := fmt.Sprintf(`SELECT id FROM %s WHERE ticket_id = $1`, s.table("trades"))
		if err := s.db.QueryRowContext(ctx, lookup, t.TicketID).Scan(&id); err != nil {
			return 0, fmt.Errorf("lookup trade %s: %w", t.TicketID, err)
		}
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("insert trade %s: %w", t.TicketID, err)
	}

	s.notify("trades")
	return id, nil
}

// TradeByTicket fetches a single trade by its ticket id.
func (s *Store) TradeByTicket(ctx context.Context, ticketID string) (*types.Trade, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE ticket_id = $1`,
		tradeColumns, s.table("trades"))
	return s.scanTrade(s.db.QueryRowContext(ctx, query, ticketID))
}

// NonTerminal returns every trade not yet closed or failed, oldest first.
// The active trade supervisor rebuilds its working set from this at boot.
func (s *Store) NonTerminal(ctx context.Context) ([]*types.Trade, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status NOT IN ($1, $2) ORDER BY id`,
		tradeColumns, s.table("trades"))

	rows, err := s.db.QueryContext(ctx, query, types.StatusClosed, types.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal trades: %w", err)
	}
	defer rows.Close()

	var trades []*types.Trade
	for rows.Next() {
		t, err := s.scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// EnteredToday lists the contracts with a trade created since midnight
// Eastern. The auto-entry engine seeds its re-entry guard from this at boot,
// so a restart cannot re-enter a market it already traded this day.
func (s *Store) EnteredToday(ctx context.Context) ([]string, error) {
	now := types.NowEastern()
	midnight := types.FormatTimestamp(
		time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, types.Eastern))

	query := fmt.Sprintf(`SELECT DISTINCT contract FROM %s WHERE created_at >= $1`,
		s.table("trades"))

	rows, err := s.db.QueryContext(ctx, query, midnight)
	if err != nil {
		return nil, fmt.Errorf("list today's contracts: %w", err)
	}
	defer rows.Close()

	var contracts []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

// TransitionUpdate carries the optional fields written alongside a status
// change. Nil fields are left untouched.
type TransitionUpdate struct {
	BuyPrice    *int
	Fees        *string
	CloseReason *string
	OpenedAt    *string
	ClosedAt    *string
}

// Transition moves a trade to a new status inside a transaction. The row is
// locked for the duration so concurrent callers serialize. Semantics:
//
//   - current == next: no-op, returns nil (retry-safe)
//   - legal edge: row updated, db_change published
//   - illegal edge: types.ErrInvariant, row untouched
func (s *Store) Transition(ctx context.Context, ticketID string, next types.TradeStatus, upd TransitionUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	var current types.TradeStatus
	lock := fmt.Sprintf(`SELECT status FROM %s WHERE ticket_id = $1 FOR UPDATE`, s.table("trades"))
	if err := tx.QueryRowContext(ctx, lock, ticketID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("trade %s: %w", ticketID, sql.ErrNoRows)
		}
		return fmt.Errorf("lock trade %s: %w", ticketID, err)
	}

	if current == next {
		return nil
	}
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("trade %s: %s -> %s: %w", ticketID, current, next, types.ErrInvariant)
	}

	query := fmt.Sprintf(`UPDATE %s SET
		status = $2,
		buy_price = COALESCE($3, buy_price),
		fees = COALESCE($4, fees),
		close_reason = COALESCE($5, close_reason),
		opened_at = COALESCE($6, opened_at),
		closed_at = COALESCE($7, closed_at)
		WHERE ticket_id = $1`, s.table("trades"))

	if _, err := tx.ExecContext(ctx, query, ticketID, next,
		upd.BuyPrice, upd.Fees, upd.CloseReason, upd.OpenedAt, upd.ClosedAt); err != nil {
		return fmt.Errorf("transition trade %s to %s: %w", ticketID, next, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition %s: %w", ticketID, err)
	}

	s.logger.Info("trade transition", "ticket_id", ticketID, "from", current, "to", next)
	s.notify("trades")
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTrade(row scanner) (*types.Trade, error) {
	var t types.Trade
	var prob, diff, momentum sql.NullFloat64
	var symbolOpen, closeReason, openedAt, closedAt sql.NullString

	err := row.Scan(&t.ID, &t.TicketID, &t.Symbol, &t.Contract, &t.Side,
		&t.Strike, &t.BuyPrice, &t.Position, &t.Fees, &prob, &diff, &momentum,
		&symbolOpen, &t.Status, &t.EntryMethod, &closeReason, &t.CreatedAt,
		&openedAt, &closedAt)
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}

	t.Prob = prob.Float64
	t.Diff = diff.Float64
	t.Momentum = momentum.Float64
	if symbolOpen.Valid {
		if err := t.SymbolOpen.Scan(symbolOpen.String); err != nil {
			return nil, fmt.Errorf("scan symbol_open: %w", err)
		}
	}
	t.CloseReason = closeReason.String
	t.OpenedAt = openedAt.String
	t.ClosedAt = closedAt.String
	return &t, nil
}
