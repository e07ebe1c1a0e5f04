package autoentry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"recio/internal/config"
	"recio/internal/feed"
	"recio/pkg/types"
)

// opener is the slice of the trade manager the engine drives.
type opener interface {
	OpenTrade(ctx context.Context, intent types.EntryIntent) (string, error)
}

// entryStore is the slice of the store the engine reads.
type entryStore interface {
	Preferences(ctx context.Context) (types.Preferences, error)
	EnteredToday(ctx context.Context) ([]string, error)
}

// prober estimates win probability and momentum for one candidate position.
type prober interface {
	Evaluate(ctx context.Context, symbol string, current, strike decimal.Decimal, side types.Side, ttc time.Duration) (prob, momentum float64, err error)
}

// Engine is the auto-entry scanner. Each scan re-reads preferences, walks the
// market snapshot, and opens at most one position per qualifying contract.
//
// Guards, in order: engine enabled, feed not degraded, spike cooldown clear,
// re-entry guard clear, then the all-pass predicate set.
type Engine struct {
	store    entryStore
	snapshot *feed.Snapshot
	prices   feed.PriceSource
	model    prober
	opener   opener
	cfg      config.AutoEntryConfig
	feedCfg  config.MarketFeedConfig
	logger   *slog.Logger

	cooldown SpikeCooldown

	mu      sync.Mutex
	entered map[string]bool // contract → entered today (re-entry guard)

	cron *cron.Cron
}

// New creates an engine. The daily re-entry reset is scheduled on the
// exchange's clock: midnight Eastern, not midnight local.
func New(st entryStore, snap *feed.Snapshot, prices feed.PriceSource, model prober, op opener, cfg config.AutoEntryConfig, feedCfg config.MarketFeedConfig, logger *slog.Logger) *Engine {
	e := &Engine{
		store:    st,
		snapshot: snap,
		prices:   prices,
		model:    model,
		opener:   op,
		cfg:      cfg,
		feedCfg:  feedCfg,
		entered:  make(map[string]bool),
		logger:   logger.With("component", "auto_entry"),
		cron:     cron.New(cron.WithLocation(types.Eastern)),
	}
	return e
}

// Run scans until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.cron.AddFunc("0 0 * * *", e.resetReEntryGuard); err != nil {
		return err
	}
	e.cron.Start()
	defer e.cron.Stop()

	e.seedReEntryGuard(ctx)

	e.logger.Info("auto-entry starting", "scan_interval", e.cfg.ScanInterval)

	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.scan(ctx)
		}
	}
}

// seedReEntryGuard rebuilds the per-contract guard from the trades table, so
// a restart mid-day does not forget entries already made and re-enter them.
func (e *Engine) seedReEntryGuard(ctx context.Context) {
	contracts, err := e.store.EnteredToday(ctx)
	if err != nil {
		e.logger.Error("re-entry guard seed failed", "error", err)
		return
	}

	e.mu.Lock()
	for _, c := range contracts {
		e.entered[c] = true
	}
	e.mu.Unlock()

	if len(contracts) > 0 {
		e.logger.Info("re-entry guard seeded", "contracts", len(contracts))
	}
}

// resetReEntryGuard clears the per-contract guard at midnight Eastern.
func (e *Engine) resetReEntryGuard() {
	e.mu.Lock()
	n := len(e.entered)
	e.entered = make(map[string]bool)
	e.mu.Unlock()
	e.logger.Info("re-entry guard reset", "cleared", n)
}

// scan performs one pass over the snapshot.
func (e *Engine) scan(ctx context.Context) {
	prefs, err := e.store.Preferences(ctx)
	if err != nil {
		e.logger.Error("preferences read failed", "error", err)
		return
	}
	if !prefs.AutoEntry {
		return
	}

	now := time.Now()
	if e.snapshot.HeartbeatAge(now) > e.feedCfg.StaleAfter {
		e.logger.Warn("scan suspended, market feed degraded")
		return
	}

	for _, market := range e.snapshot.All() {
		if market.Status != "active" {
			continue
		}
		e.consider(ctx, market, prefs, now)
	}
}

// consider evaluates both sides of one market and opens the first side that
// passes everything.
func (e *Engine) consider(ctx context.Context, market types.MarketState, prefs types.Preferences, now time.Time) {
	symbol := feed.SymbolForTicker(market.Ticker)
	if symbol == "" {
		return
	}

	price, age := e.prices.Last(symbol, now)
	if age > e.feedCfg.PriceStale {
		return
	}

	for _, side := range []types.Side{types.YES, types.NO} {
		ask := market.AskCents(side)
		ttc := market.TTCSeconds(now)

		prob, momentum, err := e.model.Evaluate(ctx, symbol, price, market.Strike,
			side, time.Duration(ttc)*time.Second)
		if errors.Is(err, types.ErrStale) {
			e.logger.Debug("entry skipped, insufficient price history", "contract", market.Ticker)
			return
		}
		if err != nil {
			e.logger.Warn("model evaluation failed", "contract", market.Ticker, "error", err)
			return
		}

		e.cooldown.Observe(momentum, prefs, now)
		if e.cooldown.Suppressed(prefs, now) {
			e.logger.Debug("entry suppressed by spike cooldown", "contract", market.Ticker)
			return
		}

		in := EntryInputs{
			Prob:         prob,
			Diff:         prob - float64(ask),
			WindowAgeSec: market.WindowAgeSeconds(now),
			TTCSeconds:   ttc,
			Volume:       market.Volume,
			AskCents:     ask,
		}
		if reason := EvaluateEntry(in, prefs); reason != "" {
			e.logger.Debug("entry rejected",
				"contract", market.Ticker, "side", side, "reason", reason)
			continue
		}

		if !e.claimEntry(market.Ticker, prefs) {
			e.logger.Debug("re-entry blocked", "contract", market.Ticker)
			return
		}

		intent := types.EntryIntent{
			IntentID:   uuid.NewString(),
			Symbol:     symbol,
			Contract:   market.Ticker,
			Side:       side,
			Strike:     market.Strike,
			BuyPrice:   ask,
			Contracts:  prefs.PositionSize * prefs.Multiplier,
			Prob:       prob,
			Diff:       in.Diff,
			Momentum:   momentum,
			SymbolOpen: price,
			Method:     types.EntryAuto,
			CreatedAt:  now,
		}

		e.logger.Info("auto entry",
			"contract", market.Ticker,
			"side", side,
			"prob", prob,
			"diff", in.Diff,
			"contracts", intent.Contracts,
		)

		if _, err := e.opener.OpenTrade(ctx, intent); err != nil {
			e.logger.Error("entry failed", "contract", market.Ticker, "error", err)
			// The guard stays claimed: a failed entry this window should
			// not be retried blind at the next scan.
		}
		return
	}
}

// claimEntry consumes the per-contract daily entry slot. With re-entry
// allowed the guard never blocks.
func (e *Engine) claimEntry(contract string, prefs types.Preferences) bool {
	if prefs.AllowReEntry {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.entered[contract] {
		return false
	}
	e.entered[contract] = true
	return true
}
