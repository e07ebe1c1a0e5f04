package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"recio/pkg/types"
)

// Account tables mirror exchange state. Rows are upserted on their natural
// keys and never deleted locally; the exchange is the source of truth and
// re-sync repairs any drift.

// UpsertPositions replaces position rows keyed by ticker.
func (s *Store) UpsertPositions(ctx context.Context, positions []types.AccountPosition) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(ticker, position, market_exposure, realized_pnl, total_traded, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (ticker) DO UPDATE SET
			position        = EXCLUDED.position,
			market_exposure = EXCLUDED.market_exposure,
			realized_pnl    = EXCLUDED.realized_pnl,
			total_traded    = EXCLUDED.total_traded,
			updated_at      = EXCLUDED.updated_at`,
		s.table("positions"))

	for _, p := range positions {
		if _, err := s.db.ExecContext(ctx, query, p.Ticker, p.Position,
			p.MarketExposure, p.RealizedPnL, p.TotalTraded, p.UpdatedAt); err != nil {
			return fmt.Errorf("upsert position %s: %w", p.Ticker, err)
		}
	}
	if len(positions) > 0 {
		s.notify("positions")
	}
	return nil
}

// UpsertFills inserts fill rows keyed by the exchange trade id. Fills are
// immutable so conflicts are ignored.
func (s *Store) UpsertFills(ctx context.Context, fills []types.AccountFill) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(trade_id, order_id, ticker, side, action, count, price, is_taker, created_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (trade_id) DO NOTHING`,
		s.table("fills"))

	for _, f := range fills {
		if _, err := s.db.ExecContext(ctx, query, f.TradeID, f.OrderID,
			f.Ticker, f.Side, f.Action, f.Count, f.Price, f.IsTaker,
			f.CreatedTime); err != nil {
			return fmt.Errorf("upsert fill %s: %w", f.TradeID, err)
		}
	}
	if len(fills) > 0 {
		s.notify("fills")
	}
	return nil
}

// UpsertOrders replaces order rows keyed by order id; status and remaining
// count change as orders work.
func (s *Store) UpsertOrders(ctx context.Context, orders []types.AccountOrder) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(order_id, client_order_id, ticker, side, action, order_type, status,
		 price, initial_count, remaining_count, created_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (order_id) DO UPDATE SET
			status          = EXCLUDED.status,
			remaining_count = EXCLUDED.remaining_count`,
		s.table("orders"))

	for _, o := range orders {
		if _, err := s.db.ExecContext(ctx, query, o.OrderID, o.ClientOrderID,
			o.Ticker, o.Side, o.Action, o.Type, o.Status, o.Price,
			o.InitialCount, o.RemainingCount, o.CreatedTime); err != nil {
			return fmt.Errorf("upsert order %s: %w", o.OrderID, err)
		}
	}
	if len(orders) > 0 {
		s.notify("orders")
	}
	return nil
}

// UpsertSettlements inserts settlement rows; they are immutable once written.
func (s *Store) UpsertSettlements(ctx context.Context, settlements []types.AccountSettlement) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(ticker, settled_time, market_result, yes_count, no_count, revenue)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (ticker, settled_time) DO NOTHING`,
		s.table("settlements"))

	for _, st := range settlements {
		if _, err := s.db.ExecContext(ctx, query, st.Ticker, st.SettledTime,
			st.MarketResult, st.YesCount, st.NoCount, st.Revenue); err != nil {
			return fmt.Errorf("upsert settlement %s: %w", st.Ticker, err)
		}
	}
	if len(settlements) > 0 {
		s.notify("settlements")
	}
	return nil
}

// UpdateBalance writes the single balance row.
func (s *Store) UpdateBalance(ctx context.Context, b types.AccountBalance) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, balance, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			balance    = EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at`,
		s.table("balance"))

	if _, err := s.db.ExecContext(ctx, query, b.Balance, b.UpdatedAt); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	s.notify("balance")
	return nil
}

// Balance reads the single balance row. Missing row means never synced.
func (s *Store) Balance(ctx context.Context) (types.AccountBalance, error) {
	var b types.AccountBalance
	query := fmt.Sprintf(`SELECT balance, updated_at FROM %s WHERE id = 1`, s.table("balance"))
	if err := s.db.QueryRowContext(ctx, query).Scan(&b.Balance, &b.UpdatedAt); err != nil {
		return types.AccountBalance{}, fmt.Errorf("read balance: %w", err)
	}
	return b, nil
}

// ClientOrderID resolves an exchange order id to the client order id it was
// placed with. Empty string when the order is unknown locally.
func (s *Store) ClientOrderID(ctx context.Context, orderID string) (string, error) {
	var clientID sql.NullString
	query := fmt.Sprintf(`SELECT client_order_id FROM %s WHERE order_id = $1`, s.table("orders"))
	err := s.db.QueryRowContext(ctx, query, orderID).Scan(&clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup order %s: %w", orderID, err)
	}
	return clientID.String, nil
}

// SettledTickers returns the set of tickers with a settlement row. Account
// sync uses it to drive closing trades to closed when the market resolves.
func (s *Store) SettledTickers(ctx context.Context) (map[string]bool, error) {
	query := fmt.Sprintf(`SELECT DISTINCT ticker FROM %s`, s.table("settlements"))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list settled tickers: %w", err)
	}
	defer rows.Close()

	settled := make(map[string]bool)
	for rows.Next() {
		var ticker string
		if err := rows.Scan(&ticker); err != nil {
			return nil, fmt.Errorf("scan settled ticker: %w", err)
		}
		settled[ticker] = true
	}
	return settled, rows.Err()
}
