package store

import (
	"context"
	"fmt"

	"recio/pkg/types"
)

// UpsertServiceHealth records the latest observed health of one service.
// Written by the failure detector every sample; read by the main app's
// status endpoint.
func (s *Store) UpsertServiceHealth(ctx context.Context, state types.ServiceState) error {
	query := `INSERT INTO system.service_health (service, status, pid, restarts, last_checked)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (service) DO UPDATE SET
			status       = EXCLUDED.status,
			pid          = EXCLUDED.pid,
			restarts     = EXCLUDED.restarts,
			last_checked = EXCLUDED.last_checked`

	_, err := s.db.ExecContext(ctx, query, state.Name, state.Status, state.PID,
		state.RestartCount, types.FormatTimestamp(types.NowEastern()))
	if err != nil {
		return fmt.Errorf("upsert service health %s: %w", state.Name, err)
	}
	return nil
}

// ServiceHealth lists the recorded health rows.
func (s *Store) ServiceHealth(ctx context.Context) ([]types.ServiceState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service, status, pid, restarts FROM system.service_health ORDER BY service`)
	if err != nil {
		return nil, fmt.Errorf("list service health: %w", err)
	}
	defer rows.Close()

	var states []types.ServiceState
	for rows.Next() {
		var st types.ServiceState
		if err := rows.Scan(&st.Name, &st.Status, &st.PID, &st.RestartCount); err != nil {
			return nil, fmt.Errorf("scan service health: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}
