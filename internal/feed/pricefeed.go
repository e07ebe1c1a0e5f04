package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"recio/internal/exchange"
	"recio/internal/store"
	"recio/pkg/types"
)

// PriceWatchdog samples one symbol's spot price on a fixed cadence, writes
// each sample to the rolling price log, and keeps the last tick in memory so
// consumers can check freshness without a DB read.
type PriceWatchdog struct {
	symbol  string
	cb      *exchange.Coinbase
	store   *store.Store
	cadence time.Duration
	logger  *slog.Logger

	mu       sync.RWMutex
	last     types.PriceTick
	lastSeen time.Time
}

// NewPriceWatchdog creates a watchdog for one symbol ("BTC", "ETH").
func NewPriceWatchdog(symbol string, cb *exchange.Coinbase, st *store.Store, cadence time.Duration, logger *slog.Logger) *PriceWatchdog {
	return &PriceWatchdog{
		symbol:  symbol,
		cb:      cb,
		store:   st,
		cadence: cadence,
		logger:  logger.With("component", "price_watchdog", "symbol", symbol),
	}
}

// Run samples until the context is cancelled. A failed sample is logged and
// skipped; the staleness bound downstream handles prolonged outages.
func (w *PriceWatchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cadence)
	defer ticker.Stop()

	w.logger.Info("price watchdog starting", "cadence", w.cadence)

	for {
		w.sample(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *PriceWatchdog) sample(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cadence*3)
	defer cancel()

	price, err := w.cb.Spot(fetchCtx, w.symbol)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("spot fetch failed", "error", err)
		}
		return
	}

	tick := types.PriceTick{
		Timestamp: types.FormatTimestamp(types.NowEastern()),
		Price:     price,
	}

	if err := w.store.UpsertTick(ctx, w.symbol, tick); err != nil {
		w.logger.Error("price log write failed", "error", err)
		// The in-memory tick still updates: consumers prefer a live price
		// with a broken log over no price at all.
	}

	w.mu.Lock()
	w.last = tick
	w.lastSeen = time.Now()
	w.mu.Unlock()
}

// Last returns the most recent tick and its age. A zero tick with maximal
// age means no sample has succeeded yet.
func (w *PriceWatchdog) Last(now time.Time) (types.PriceTick, time.Duration) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.lastSeen.IsZero() {
		return types.PriceTick{}, time.Duration(1<<62 - 1)
	}
	return w.last, now.Sub(w.lastSeen)
}

// PriceSource answers "what is the spot price and how old is it". The
// supervisors consume prices through this rather than a concrete watchdog so
// tests can script price ages.
type PriceSource interface {
	Last(symbol string, now time.Time) (decimal.Decimal, time.Duration)
}

// DBSource reads the latest tick from the price log written by the watchdog
// services. A short in-memory cache keeps 1 Hz consumers from hammering the
// log.
type DBSource struct {
	store *store.Store

	mu     sync.Mutex
	cached map[string]types.PriceTick
	asOf   map[string]time.Time
}

// NewDBSource creates a log-backed price source.
func NewDBSource(st *store.Store) *DBSource {
	return &DBSource{
		store:  st,
		cached: make(map[string]types.PriceTick),
		asOf:   make(map[string]time.Time),
	}
}

// Last returns the newest logged price and its age. Age is measured from
// the tick's own timestamp, so a stalled watchdog reads as stale here even
// though the query succeeds.
func (p *DBSource) Last(symbol string, now time.Time) (decimal.Decimal, time.Duration) {
	p.mu.Lock()
	tick, ok := p.cached[symbol]
	fresh := ok && now.Sub(p.asOf[symbol]) < 500*time.Millisecond
	p.mu.Unlock()

	if !fresh {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		latest, err := p.store.LatestTick(ctx, symbol)
		cancel()
		if err != nil {
			if !ok {
				return decimal.Zero, time.Duration(1<<62 - 1)
			}
		} else {
			tick = latest
			p.mu.Lock()
			p.cached[symbol] = latest
			p.asOf[symbol] = now
			p.mu.Unlock()
		}
	}

	ts, err := types.ParseTimestamp(tick.Timestamp)
	if err != nil {
		return decimal.Zero, time.Duration(1<<62 - 1)
	}
	return tick.Price, now.Sub(ts)
}
