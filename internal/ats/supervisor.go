package ats

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"recio/internal/config"
	"recio/internal/feed"
	"recio/pkg/types"
)

// closer is the slice of the trade manager the supervisor drives.
type closer interface {
	CloseTrade(ctx context.Context, intent types.CloseIntent) error
}

// atsStore is the slice of the store the supervisor reads and writes.
type atsStore interface {
	NonTerminal(ctx context.Context) ([]*types.Trade, error)
	Preferences(ctx context.Context) (types.Preferences, error)
	UpsertActive(ctx context.Context, a *types.ActiveTrade) error
	TradeByTicket(ctx context.Context, ticketID string) (*types.Trade, error)
}

// prober estimates win probability and momentum for one position.
type prober interface {
	Evaluate(ctx context.Context, symbol string, current, strike decimal.Decimal, side types.Side, ttc time.Duration) (prob, momentum float64, err error)
}

// quarantine thresholds: a trade whose evaluation keeps erroring is skipped,
// with a periodic retry so a transient cause can clear itself.
const (
	quarantineAfter = 5
	quarantineRetry = 30 // ticks between retries while quarantined
)

// Supervisor monitors open trades. Every tick it rebuilds the metric row for
// each trade under a hard deadline, and when auto-stop is enabled it turns
// predicate breaches into close intents.
//
// Close delivery is at-most-once per trade: intents pass through a single
// drain worker, and a per-trade latch set before enqueue is never cleared
// while the close is making progress.
type Supervisor struct {
	store    atsStore
	snapshot *feed.Snapshot
	prices   feed.PriceSource
	model    prober
	closer   closer
	cfg      config.ATSConfig
	feedCfg  config.MarketFeedConfig
	logger   *slog.Logger

	ticking atomic.Bool // tick in progress; overlapping ticks are skipped
	seq     atomic.Uint64

	mu         sync.Mutex
	latched    map[string]bool // ticket_id → close already issued
	evalErrors map[string]int  // ticket_id → consecutive evaluation failures

	closeCh chan types.CloseIntent

	errorTicks atomic.Int32 // consecutive whole-tick failures
	healthy    atomic.Bool
}

// New creates a supervisor. Run starts both the tick loop and the drain
// worker.
func New(st atsStore, snap *feed.Snapshot, prices feed.PriceSource, model prober, cl closer, cfg config.ATSConfig, feedCfg config.MarketFeedConfig, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		store:      st,
		snapshot:   snap,
		prices:     prices,
		model:      model,
		closer:     cl,
		cfg:        cfg,
		feedCfg:    feedCfg,
		latched:    make(map[string]bool),
		evalErrors: make(map[string]int),
		closeCh:    make(chan types.CloseIntent, 64),
		logger:     logger.With("component", "active_trade_supervisor"),
	}
	s.healthy.Store(true)
	return s
}

// Healthy reports whether recent ticks are succeeding. Exposed on /health
// so the failure detector can see a wedged loop behind a live process.
func (s *Supervisor) Healthy() bool { return s.healthy.Load() }

// Run ticks until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor starting",
		"tick", s.cfg.TickInterval,
		"deadline", s.cfg.TickDeadline,
		"workers", s.cfg.Workers,
	)

	go s.drainCloses(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.ticking.CompareAndSwap(false, true) {
				s.logger.Warn("tick overran, skipping")
				continue
			}
			go func() {
				defer s.ticking.Store(false)
				s.tick(ctx)
			}()
		}
	}
}

// tick evaluates every open trade under the tick deadline.
func (s *Supervisor) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickDeadline)
	defer cancel()

	trades, err := s.store.NonTerminal(tickCtx)
	if err != nil {
		s.tickFailed("trade list", err)
		return
	}
	s.pruneTerminal(trades)

	prefs, err := s.store.Preferences(tickCtx)
	if err != nil {
		s.tickFailed("preferences", err)
		return
	}

	now := time.Now()
	degradedFeed := s.snapshot.HeartbeatAge(now) > s.feedCfg.StaleAfter

	// Bounded pool: trade count can exceed worker count without stretching
	// the deadline past what the slowest cfg.Workers evaluations take.
	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	for _, t := range trades {
		if t.Status != types.StatusOpen {
			continue
		}
		if s.quarantined(t.TicketID) {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(t *types.Trade) {
			defer wg.Done()
			defer func() { <-sem }()
			s.evaluate(tickCtx, t, prefs, degradedFeed, now)
		}(t)
	}
	wg.Wait()

	s.errorTicks.Store(0)
	s.healthy.Store(true)
}

func (s *Supervisor) tickFailed(stage string, err error) {
	n := s.errorTicks.Add(1)
	s.logger.Error("tick failed", "stage", stage, "consecutive", n, "error", err)
	if int(n) >= s.cfg.ErrorTickLimit {
		s.healthy.Store(false)
	}
}

// evaluate refreshes one trade's metrics and applies the stop predicates.
func (s *Supervisor) evaluate(ctx context.Context, t *types.Trade, prefs types.Preferences, degradedFeed bool, now time.Time) {
	market, haveMarket := s.snapshot.Get(t.Contract)
	price, priceAge := s.prices.Last(t.Symbol, now)

	degraded := degradedFeed || !haveMarket || priceAge > s.feedCfg.PriceStale

	active := types.ActiveTrade{
		TradeID:            t.ID,
		TicketID:           t.TicketID,
		Symbol:             t.Symbol,
		Contract:           t.Contract,
		Side:               t.Side,
		Strike:             t.Strike,
		BuyPrice:           t.BuyPrice,
		Position:           t.Position,
		Status:             t.Status,
		CurrentSymbolPrice: price,
		Degraded:           degraded,
		LastUpdated:        types.FormatTimestamp(types.NowEastern()),
	}

	if opened, err := types.ParseTimestamp(t.OpenedAt); err == nil {
		active.TimeSinceEntry = int64(types.NowEastern().Sub(opened).Seconds())
	}

	var inputs StopInputs
	if haveMarket {
		active.TTCSeconds = market.TTCSeconds(now)
		active.CurrentClosePrice = market.ClosePriceCents(t.Side)
		active.BufferFromStrike = price.Sub(market.Strike)
		active.CurrentPnL = decimal.NewFromInt(int64(t.Position)).
			Mul(decimal.NewFromInt(int64(active.CurrentClosePrice - t.BuyPrice))).
			Div(decimal.NewFromInt(100))

		ttc := time.Duration(active.TTCSeconds) * time.Second
		prob, momentum, err := s.model.Evaluate(ctx, t.Symbol, price, market.Strike, t.Side, ttc)
		switch {
		case errors.Is(err, types.ErrStale):
			// Not enough price history for a real estimate. Observe only;
			// a zero probability here is an artifact, not a breach.
			degraded = true
			active.Degraded = true
		case err != nil:
			s.noteEvalError(t.TicketID, err)
			return
		default:
			active.CurrentProbability = prob

			adverseDown := t.Side == types.YES
			if price.LessThan(market.Strike) {
				adverseDown = !adverseDown
			}
			inputs = StopInputs{
				CurrentProbability: prob,
				TTCSeconds:         active.TTCSeconds,
				Momentum:           momentum,
				AdverseDown:        adverseDown,
			}
		}
	}

	if err := s.store.UpsertActive(ctx, &active); err != nil {
		s.noteEvalError(t.TicketID, err)
		return
	}
	s.clearEvalError(t.TicketID)

	// Decisions are suspended while degraded: stale inputs must not close
	// positions. Monitoring rows still update so the UI shows the gap.
	if degraded || !prefs.AutoStop || !haveMarket {
		return
	}

	reason := EvaluateStops(inputs, prefs)
	if reason == "" {
		return
	}
	s.issueClose(t, reason)
}

// issueClose latches the trade and enqueues one close intent. The latch is
// checked and set under the lock, so two ticks racing on the same breach
// still produce a single intent.
func (s *Supervisor) issueClose(t *types.Trade, reason string) {
	s.mu.Lock()
	if s.latched[t.TicketID] {
		s.mu.Unlock()
		return
	}
	s.latched[t.TicketID] = true
	s.mu.Unlock()

	intent := types.CloseIntent{
		Seq:      s.seq.Add(1),
		TradeID:  t.ID,
		TicketID: t.TicketID,
		Reason:   reason,
		IssuedAt: time.Now(),
	}

	s.logger.Info("auto-stop triggered",
		"ticket_id", t.TicketID,
		"reason", reason,
		"seq", intent.Seq,
	)

	select {
	case s.closeCh <- intent:
	default:
		// Queue full means the drain worker is wedged; unlatch so the next
		// tick can retry rather than silently dropping the close.
		s.mu.Lock()
		delete(s.latched, t.TicketID)
		s.mu.Unlock()
		s.logger.Error("close queue full, intent dropped", "ticket_id", t.TicketID)
	}
}

// drainCloses is the single consumer of close intents.
func (s *Supervisor) drainCloses(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-s.closeCh:
			if err := s.closer.CloseTrade(ctx, intent); err != nil {
				s.logger.Error("close failed", "ticket_id", intent.TicketID, "error", err)
				// Unlatch only if the trade is still open; if it reached
				// closing, the exchange-side path will finish the job.
				if t, lerr := s.store.TradeByTicket(ctx, intent.TicketID); lerr == nil && t.Status == types.StatusOpen {
					s.mu.Lock()
					delete(s.latched, intent.TicketID)
					s.mu.Unlock()
				}
			}
		}
	}
}

// pruneTerminal drops latch and error entries for tickets that left the
// non-terminal set. A terminal trade can never transition again, so clearing
// its latch cannot produce a second close; without this the maps grow for
// the life of the process.
func (s *Supervisor) pruneTerminal(trades []*types.Trade) {
	live := make(map[string]bool, len(trades))
	for _, t := range trades {
		live[t.TicketID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for ticket := range s.latched {
		if !live[ticket] {
			delete(s.latched, ticket)
		}
	}
	for ticket := range s.evalErrors {
		if !live[ticket] {
			delete(s.evalErrors, ticket)
		}
	}
}

func (s *Supervisor) noteEvalError(ticketID string, err error) {
	s.mu.Lock()
	s.evalErrors[ticketID]++
	n := s.evalErrors[ticketID]
	s.mu.Unlock()

	if n == quarantineAfter {
		s.logger.Error("trade quarantined after repeated evaluation failures",
			"ticket_id", ticketID, "failures", n, "error", err)
	} else {
		s.logger.Warn("trade evaluation failed", "ticket_id", ticketID, "failures", n, "error", err)
	}
}

func (s *Supervisor) clearEvalError(ticketID string) {
	s.mu.Lock()
	delete(s.evalErrors, ticketID)
	s.mu.Unlock()
}

// quarantined skips persistently failing trades, letting one attempt through
// every quarantineRetry ticks so recovery is possible without a restart.
func (s *Supervisor) quarantined(ticketID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.evalErrors[ticketID]
	if n < quarantineAfter {
		return false
	}
	s.evalErrors[ticketID]++
	return (n-quarantineAfter)%quarantineRetry != 0
}
