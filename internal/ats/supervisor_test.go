package ats

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"recio/internal/config"
	"recio/internal/feed"
	"recio/pkg/types"
)

func testSupervisor() *Supervisor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(nil, nil, nil, nil, nil, config.ATSConfig{Workers: 4, ErrorTickLimit: 5}, config.MarketFeedConfig{}, logger)
}

// fakeATSStore serves a fixed trade set and records active-row upserts. A
// non-nil block channel stalls NonTerminal so tests can hold a tick open.
type fakeATSStore struct {
	mu     sync.Mutex
	trades []*types.Trade
	prefs  types.Preferences
	active map[int64]types.ActiveTrade

	reads atomic.Int32
	block chan struct{}
}

func (f *fakeATSStore) NonTerminal(ctx context.Context) ([]*types.Trade, error) {
	f.reads.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Trade, len(f.trades))
	for i, t := range f.trades {
		cp := *t
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeATSStore) Preferences(ctx context.Context) (types.Preferences, error) {
	return f.prefs, nil
}

func (f *fakeATSStore) UpsertActive(ctx context.Context, a *types.ActiveTrade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		f.active = make(map[int64]types.ActiveTrade)
	}
	f.active[a.TradeID] = *a
	return nil
}

func (f *fakeATSStore) TradeByTicket(ctx context.Context, ticketID string) (*types.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.trades {
		if t.TicketID == ticketID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, io.ErrUnexpectedEOF
}

type fakePrices struct {
	price decimal.Decimal
	age   time.Duration
}

func (f *fakePrices) Last(symbol string, now time.Time) (decimal.Decimal, time.Duration) {
	return f.price, f.age
}

type fakeModel struct {
	prob     float64
	momentum float64
	err      error
}

func (f *fakeModel) Evaluate(ctx context.Context, symbol string, current, strike decimal.Decimal, side types.Side, ttc time.Duration) (float64, float64, error) {
	return f.prob, f.momentum, f.err
}

// tickFixture wires a supervisor around one open BTC trade with a healthy
// market snapshot. Tests adjust the model, prefs, or staleness bound before
// calling tick.
func tickFixture(prob float64, modelErr error) (*Supervisor, *fakeATSStore) {
	st := &fakeATSStore{
		prefs: types.DefaultPreferences(),
		trades: []*types.Trade{{
			ID:       1,
			TicketID: "tkt-1",
			Symbol:   "BTC",
			Contract: "KXBTCD-25AUG2417-T97250",
			Side:     types.YES,
			Strike:   decimal.NewFromInt(97250),
			BuyPrice: 96,
			Position: 1,
			Status:   types.StatusOpen,
			OpenedAt: types.FormatTimestamp(types.NowEastern().Add(-5 * time.Minute)),
		}},
	}
	st.prefs.AutoStop = true

	snap := feed.NewSnapshot()
	snap.Put(types.MarketState{
		Ticker:    "KXBTCD-25AUG2417-T97250",
		Strike:    decimal.NewFromInt(97250),
		YesBid:    30,
		YesAsk:    32,
		Status:    "active",
		CloseTime: time.Now().Add(30 * time.Minute),
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(st, snap, &fakePrices{price: decimal.NewFromInt(97400)}, &fakeModel{prob: prob, err: modelErr}, nil,
		config.ATSConfig{Workers: 4, TickDeadline: time.Second, ErrorTickLimit: 5},
		config.MarketFeedConfig{StaleAfter: time.Hour, PriceStale: time.Hour},
		logger)
	return s, st
}

func TestTickIssuesCloseOnBreach(t *testing.T) {
	t.Parallel()

	s, st := tickFixture(38, nil) // below the default probability floor of 40
	s.tick(context.Background())

	if n := len(s.closeCh); n != 1 {
		t.Fatalf("enqueued %d close intents, want 1", n)
	}
	intent := <-s.closeCh
	if intent.Reason != ReasonProbabilityFloor {
		t.Errorf("close reason = %q", intent.Reason)
	}
	if a := st.active[1]; a.Degraded {
		t.Error("healthy feed marked degraded")
	}
}

func TestTickSuppressesCloseWhenFeedStale(t *testing.T) {
	t.Parallel()

	s, st := tickFixture(38, nil)
	s.feedCfg.StaleAfter = time.Nanosecond // any heartbeat age counts as stale

	s.tick(context.Background())

	if n := len(s.closeCh); n != 0 {
		t.Fatalf("stale feed produced %d close intents, want 0", n)
	}
	// Metrics still update best-effort, flagged degraded.
	a, ok := st.active[1]
	if !ok {
		t.Fatal("active row not upserted under degraded feed")
	}
	if !a.Degraded {
		t.Error("degraded flag not set")
	}
}

func TestTickSuppressesCloseWithoutHistory(t *testing.T) {
	t.Parallel()

	s, st := tickFixture(0, types.ErrStale) // model has no usable price history
	s.tick(context.Background())

	if n := len(s.closeCh); n != 0 {
		t.Fatalf("missing history produced %d close intents, want 0", n)
	}
	a, ok := st.active[1]
	if !ok {
		t.Fatal("active row not upserted")
	}
	if !a.Degraded {
		t.Error("missing history should mark the row degraded")
	}
	// Stale history is degraded input, not an evaluation failure.
	if s.quarantined("tkt-1") {
		t.Error("stale history must not quarantine the trade")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evalErrors["tkt-1"] != 0 {
		t.Errorf("eval errors = %d, want 0", s.evalErrors["tkt-1"])
	}
}

func TestTickDisabledAutoStopUpdatesMetricsOnly(t *testing.T) {
	t.Parallel()

	s, st := tickFixture(38, nil)
	st.prefs.AutoStop = false

	s.tick(context.Background())

	if n := len(s.closeCh); n != 0 {
		t.Fatalf("auto-stop off produced %d close intents", n)
	}
	if _, ok := st.active[1]; !ok {
		t.Error("metrics row missing with auto-stop off")
	}
}

func TestOverlappingTicksAreDropped(t *testing.T) {
	t.Parallel()

	s, st := tickFixture(96, nil)
	st.block = make(chan struct{})
	s.cfg.TickInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Many intervals elapse while the first tick sits on the store read;
	// the later ticks must be dropped, not queued behind it.
	time.Sleep(100 * time.Millisecond)
	if got := st.reads.Load(); got != 1 {
		t.Errorf("store read %d times while a tick was in flight, want 1", got)
	}
	close(st.block)
}

func TestPruneTerminal(t *testing.T) {
	t.Parallel()

	s := testSupervisor()
	s.latched["tkt-gone"] = true
	s.latched["tkt-live"] = true
	s.evalErrors["tkt-gone"] = 3

	s.pruneTerminal([]*types.Trade{{TicketID: "tkt-live"}})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latched["tkt-gone"] {
		t.Error("terminal ticket latch not pruned")
	}
	if !s.latched["tkt-live"] {
		t.Error("live ticket latch dropped")
	}
	if _, ok := s.evalErrors["tkt-gone"]; ok {
		t.Error("terminal ticket error count not pruned")
	}
}

func TestIssueCloseLatchesPerTrade(t *testing.T) {
	t.Parallel()

	s := testSupervisor()
	trade := &types.Trade{ID: 7, TicketID: "tkt-7"}

	s.issueClose(trade, ReasonProbabilityFloor)
	s.issueClose(trade, ReasonTTCFloor) // breach persists next tick

	if n := len(s.closeCh); n != 1 {
		t.Fatalf("enqueued %d intents, want exactly 1", n)
	}

	intent := <-s.closeCh
	if intent.TicketID != "tkt-7" || intent.Reason != ReasonProbabilityFloor {
		t.Errorf("intent = %+v", intent)
	}
}

func TestIssueCloseSequencesIntents(t *testing.T) {
	t.Parallel()

	s := testSupervisor()
	s.issueClose(&types.Trade{ID: 1, TicketID: "tkt-1"}, ReasonTTCFloor)
	s.issueClose(&types.Trade{ID: 2, TicketID: "tkt-2"}, ReasonTTCFloor)

	first := <-s.closeCh
	second := <-s.closeCh
	if second.Seq <= first.Seq {
		t.Errorf("sequence not monotonic: %d then %d", first.Seq, second.Seq)
	}
}

func TestQuarantine(t *testing.T) {
	t.Parallel()

	s := testSupervisor()
	const ticket = "tkt-q"

	// Below the threshold nothing is quarantined.
	for i := 0; i < quarantineAfter-1; i++ {
		s.noteEvalError(ticket, io.ErrUnexpectedEOF)
		if s.quarantined(ticket) {
			t.Fatalf("quarantined after %d failures", i+1)
		}
	}

	s.noteEvalError(ticket, io.ErrUnexpectedEOF)
	// First check at the threshold lets one retry through immediately.
	if s.quarantined(ticket) {
		t.Fatal("retry attempt should pass at the quarantine boundary")
	}
	// Subsequent checks are blocked until the retry interval elapses.
	blocked := 0
	for i := 0; i < quarantineRetry-1; i++ {
		if s.quarantined(ticket) {
			blocked++
		}
	}
	if blocked != quarantineRetry-1 {
		t.Errorf("blocked %d of %d checks", blocked, quarantineRetry-1)
	}
	if s.quarantined(ticket) {
		t.Error("retry window should reopen after the interval")
	}

	// A successful evaluation clears the counter entirely.
	s.clearEvalError(ticket)
	if s.quarantined(ticket) {
		t.Error("cleared trade should not be quarantined")
	}
}

func TestHealthFlag(t *testing.T) {
	t.Parallel()

	s := testSupervisor()
	if !s.Healthy() {
		t.Fatal("fresh supervisor should be healthy")
	}

	for i := 0; i < s.cfg.ErrorTickLimit; i++ {
		s.tickFailed("trade list", io.ErrUnexpectedEOF)
	}
	if s.Healthy() {
		t.Error("supervisor should report unhealthy after consecutive tick failures")
	}
}
