package store

import (
	"context"
	"fmt"
	"time"

	"recio/pkg/types"
)

// retentionWindow is how much price history the log keeps. Probability
// lookups never reach past 30 days, so older rows are dead weight.
const retentionWindow = 30 * 24 * time.Hour

// UpsertTick writes one price sample and prunes rows older than the rolling
// window in the same transaction. Timestamps are second-precision Eastern,
// so a second sample in the same second overwrites rather than duplicates.
func (s *Store) UpsertTick(ctx context.Context, symbol string, tick types.PriceTick) error {
	table, err := priceLogTable(symbol)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin price upsert: %w", err)
	}
	defer tx.Rollback()

	upsert := fmt.Sprintf(`INSERT INTO %s (timestamp, price)
		VALUES ($1, $2)
		ON CONFLICT (timestamp) DO UPDATE SET price = EXCLUDED.price`, table)
	if _, err := tx.ExecContext(ctx, upsert, tick.Timestamp, tick.Price); err != nil {
		return fmt.Errorf("upsert %s tick: %w", symbol, err)
	}

	cutoff := types.FormatTimestamp(types.NowEastern().Add(-retentionWindow))
	prune := fmt.Sprintf(`DELETE FROM %s WHERE timestamp < $1`, table)
	if _, err := tx.ExecContext(ctx, prune, cutoff); err != nil {
		return fmt.Errorf("prune %s log: %w", symbol, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s tick: %w", symbol, err)
	}
	return nil
}

// LatestTick returns the most recent price sample for a symbol.
func (s *Store) LatestTick(ctx context.Context, symbol string) (types.PriceTick, error) {
	table, err := priceLogTable(symbol)
	if err != nil {
		return types.PriceTick{}, err
	}

	var tick types.PriceTick
	query := fmt.Sprintf(`SELECT timestamp, price FROM %s
		ORDER BY timestamp DESC LIMIT 1`, table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&tick.Timestamp, &tick.Price); err != nil {
		return types.PriceTick{}, fmt.Errorf("latest %s tick: %w", symbol, err)
	}
	return tick, nil
}

// TicksSince returns samples at or after the given Eastern timestamp,
// oldest first. Lexical comparison works because the layout is fixed-width.
func (s *Store) TicksSince(ctx context.Context, symbol, since string) ([]types.PriceTick, error) {
	table, err := priceLogTable(symbol)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT timestamp, price FROM %s
		WHERE timestamp >= $1 ORDER BY timestamp`, table)
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("ticks since %s: %w", since, err)
	}
	defer rows.Close()

	var ticks []types.PriceTick
	for rows.Next() {
		var t types.PriceTick
		if err := rows.Scan(&t.Timestamp, &t.Price); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}
