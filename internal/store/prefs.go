package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"recio/pkg/types"
)

// Preferences returns the stored preference row, or the defaults when the
// user has never saved one. Supervisors call this every tick, so a missing
// row must not be an error.
func (s *Store) Preferences(ctx context.Context) (types.Preferences, error) {
	var raw []byte
	query := fmt.Sprintf(`SELECT prefs FROM %s WHERE id = 1`, s.table("trade_preferences"))
	err := s.db.QueryRowContext(ctx, query).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DefaultPreferences(), nil
	}
	if err != nil {
		return types.Preferences{}, fmt.Errorf("read preferences: %w", err)
	}

	// Decode over the defaults so fields added after the row was saved
	// keep their default values.
	prefs := types.DefaultPreferences()
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return types.Preferences{}, fmt.Errorf("decode preferences: %w", err)
	}
	return prefs, nil
}

// SavePreferences replaces the preference row.
func (s *Store) SavePreferences(ctx context.Context, prefs types.Preferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, prefs, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			prefs      = EXCLUDED.prefs,
			updated_at = EXCLUDED.updated_at`,
		s.table("trade_preferences"))

	if _, err := s.db.ExecContext(ctx, query, raw,
		types.FormatTimestamp(types.NowEastern())); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}

	s.notify("trade_preferences")
	return nil
}
