package store

import (
	"context"
	"fmt"

	"recio/pkg/types"
)

// UpsertActive writes the monitoring row for an open trade. Keyed on
// trade_id, so repeated ticks overwrite rather than accumulate.
func (s *Store) UpsertActive(ctx context.Context, a *types.ActiveTrade) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(trade_id, ticket_id, symbol, contract, side, strike, buy_price,
		 position, status, current_symbol_price, current_close_price,
		 buffer_from_strike, time_since_entry, ttc_seconds,
		 current_probability, current_pnl, degraded, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (trade_id) DO UPDATE SET
			status               = EXCLUDED.status,
			current_symbol_price = EXCLUDED.current_symbol_price,
			current_close_price  = EXCLUDED.current_close_price,
			buffer_from_strike   = EXCLUDED.buffer_from_strike,
			time_since_entry     = EXCLUDED.time_since_entry,
			ttc_seconds          = EXCLUDED.ttc_seconds,
			current_probability  = EXCLUDED.current_probability,
			current_pnl          = EXCLUDED.current_pnl,
			degraded             = EXCLUDED.degraded,
			last_updated         = EXCLUDED.last_updated`,
		s.table("active_trades"))

	_, err := s.db.ExecContext(ctx, query,
		a.TradeID, a.TicketID, a.Symbol, a.Contract, a.Side, a.Strike,
		a.BuyPrice, a.Position, a.Status, a.CurrentSymbolPrice,
		a.CurrentClosePrice, a.BufferFromStrike, a.TimeSinceEntry,
		a.TTCSeconds, a.CurrentProbability, a.CurrentPnL, a.Degraded,
		a.LastUpdated)
	if err != nil {
		return fmt.Errorf("upsert active trade %d: %w", a.TradeID, err)
	}

	s.notify("active_trades")
	return nil
}

// RemoveActive deletes the monitoring row once a trade reaches a terminal
// status. Removing an absent row is not an error.
func (s *Store) RemoveActive(ctx context.Context, tradeID int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE trade_id = $1`, s.table("active_trades"))
	if _, err := s.db.ExecContext(ctx, query, tradeID); err != nil {
		return fmt.Errorf("remove active trade %d: %w", tradeID, err)
	}

	s.notify("active_trades")
	return nil
}

// ListActive returns all monitoring rows, oldest trade first.
func (s *Store) ListActive(ctx context.Context) ([]*types.ActiveTrade, error) {
	query := fmt.Sprintf(`SELECT trade_id, ticket_id, symbol, contract, side,
		strike, buy_price, position, status, current_symbol_price,
		current_close_price, buffer_from_strike, time_since_entry,
		ttc_seconds, current_probability, current_pnl, degraded, last_updated
		FROM %s ORDER BY trade_id`, s.table("active_trades"))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active trades: %w", err)
	}
	defer rows.Close()

	var active []*types.ActiveTrade
	for rows.Next() {
		var a types.ActiveTrade
		err := rows.Scan(&a.TradeID, &a.TicketID, &a.Symbol, &a.Contract,
			&a.Side, &a.Strike, &a.BuyPrice, &a.Position, &a.Status,
			&a.CurrentSymbolPrice, &a.CurrentClosePrice, &a.BufferFromStrike,
			&a.TimeSinceEntry, &a.TTCSeconds, &a.CurrentProbability,
			&a.CurrentPnL, &a.Degraded, &a.LastUpdated)
		if err != nil {
			return nil, fmt.Errorf("scan active trade: %w", err)
		}
		active = append(active, &a)
	}
	return active, rows.Err()
}
