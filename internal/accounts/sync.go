// Package accounts reconciles local state with the exchange. The exchange is
// the source of truth: the sync loop pulls positions, fills, orders,
// settlements and balance on a fixed cadence, mirrors them into the per-user
// tables, and hands fills and settlements to the trade manager so trade
// statuses advance when the exchange confirms activity.
package accounts

import (
	"context"
	"log/slog"
	"time"

	"recio/pkg/types"
)

const fetchLimit = 200

// portfolio is the slice of the exchange client the sync loop needs. The
// REST client satisfies it; tests substitute a fake.
type portfolio interface {
	Positions(ctx context.Context) ([]types.AccountPosition, error)
	Fills(ctx context.Context, limit int) ([]types.AccountFill, error)
	Orders(ctx context.Context, limit int) ([]types.AccountOrder, error)
	Settlements(ctx context.Context, limit int) ([]types.AccountSettlement, error)
	Balance(ctx context.Context) (int, error)
}

// Reconciler receives confirmed exchange activity so trade statuses can
// advance. Implemented by the trade manager.
type Reconciler interface {
	// ReconcileFills drives pending trades to open when their order filled.
	ReconcileFills(ctx context.Context, fills []types.AccountFill) error
	// ReconcileSettlements drives closing trades to closed when their
	// market resolved.
	ReconcileSettlements(ctx context.Context, settled map[string]bool) error
}

// mirror is the slice of the store the sync loop writes through.
type mirror interface {
	UpsertPositions(ctx context.Context, positions []types.AccountPosition) error
	UpsertOrders(ctx context.Context, orders []types.AccountOrder) error
	UpsertFills(ctx context.Context, fills []types.AccountFill) error
	UpsertSettlements(ctx context.Context, settlements []types.AccountSettlement) error
	UpdateBalance(ctx context.Context, balance types.AccountBalance) error
}

// Sync is the account reconciliation loop.
type Sync struct {
	client     portfolio
	store      mirror
	reconciler Reconciler
	interval   time.Duration
	logger     *slog.Logger
}

// NewSync wires a sync loop.
func NewSync(client portfolio, st mirror, rec Reconciler, interval time.Duration, logger *slog.Logger) *Sync {
	return &Sync{
		client:     client,
		store:      st,
		reconciler: rec,
		interval:   interval,
		logger:     logger.With("component", "account_sync"),
	}
}

// Run syncs until the context is cancelled. One failed section never blocks
// the others; each cycle attempts all five surfaces.
func (s *Sync) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("account sync starting", "interval", s.interval)

	for {
		s.cycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// cycle performs one full reconciliation pass.
func (s *Sync) cycle(ctx context.Context) {
	now := types.FormatTimestamp(types.NowEastern())

	if positions, err := s.client.Positions(ctx); err != nil {
		s.logger.Warn("positions fetch failed", "error", err)
	} else {
		for i := range positions {
			positions[i].UpdatedAt = now
		}
		if err := s.store.UpsertPositions(ctx, positions); err != nil {
			s.logger.Error("positions write failed", "error", err)
		}
	}

	// Orders land before fills so fill reconciliation can resolve an
	// order_id to the client_order_id it was placed with.
	if orders, err := s.client.Orders(ctx, fetchLimit); err != nil {
		s.logger.Warn("orders fetch failed", "error", err)
	} else if err := s.store.UpsertOrders(ctx, orders); err != nil {
		s.logger.Error("orders write failed", "error", err)
	}

	if fills, err := s.client.Fills(ctx, fetchLimit); err != nil {
		s.logger.Warn("fills fetch failed", "error", err)
	} else {
		if err := s.store.UpsertFills(ctx, fills); err != nil {
			s.logger.Error("fills write failed", "error", err)
		}
		if err := s.reconciler.ReconcileFills(ctx, fills); err != nil {
			s.logger.Error("fill reconciliation failed", "error", err)
		}
	}

	if settlements, err := s.client.Settlements(ctx, fetchLimit); err != nil {
		s.logger.Warn("settlements fetch failed", "error", err)
	} else {
		if err := s.store.UpsertSettlements(ctx, settlements); err != nil {
			s.logger.Error("settlements write failed", "error", err)
		}
		settled := make(map[string]bool, len(settlements))
		for _, st := range settlements {
			settled[st.Ticker] = true
		}
		if err := s.reconciler.ReconcileSettlements(ctx, settled); err != nil {
			s.logger.Error("settlement reconciliation failed", "error", err)
		}
	}

	if balance, err := s.client.Balance(ctx); err != nil {
		s.logger.Warn("balance fetch failed", "error", err)
	} else if err := s.store.UpdateBalance(ctx, types.AccountBalance{
		Balance:   balance,
		UpdatedAt: now,
	}); err != nil {
		s.logger.Error("balance write failed", "error", err)
	}
}
