package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"recio/internal/config"
	"recio/internal/exchange"
	"recio/pkg/types"
)

func TestSnapshotOverwrites(t *testing.T) {
	t.Parallel()

	s := NewSnapshot()
	s.Put(types.MarketState{Ticker: "KXBTC-1", YesBid: 40})
	s.Put(types.MarketState{Ticker: "KXBTC-1", YesBid: 55})

	state, ok := s.Get("KXBTC-1")
	if !ok {
		t.Fatal("market missing")
	}
	if state.YesBid != 55 {
		t.Errorf("yes_bid = %d, want latest value 55", state.YesBid)
	}
	if len(s.All()) != 1 {
		t.Errorf("snapshot holds %d markets, want 1", len(s.All()))
	}
}

func TestSnapshotHeartbeat(t *testing.T) {
	t.Parallel()

	s := NewSnapshot()
	now := time.Now()
	if age := s.HeartbeatAge(now); age < 24*time.Hour {
		t.Errorf("empty snapshot age = %v, want maximal", age)
	}

	s.Put(types.MarketState{Ticker: "KXBTC-1"})
	if age := s.HeartbeatAge(time.Now()); age > time.Second {
		t.Errorf("fresh snapshot age = %v", age)
	}
}

func TestToMarketState(t *testing.T) {
	t.Parallel()

	km := exchange.KalshiMarket{
		Ticker:      "KXBTCD-25AUG2417-T97250",
		EventTicker: "KXBTCD-25AUG2417",
		Status:      "active",
		YesBid:      94,
		YesAsk:      96,
		NoBid:       4,
		NoAsk:       6,
		Volume:      1200,
		FloorStrike: 97250,
		CapStrike:   97500,
		OpenTime:    "2025-08-24T20:00:00Z",
		CloseTime:   "2025-08-24T21:00:00Z",
	}

	state := toMarketState(km)
	if state.Strike.String() != "97250" {
		t.Errorf("strike = %s", state.Strike)
	}
	if state.TierSpacing.String() != "250" {
		t.Errorf("tier spacing = %s", state.TierSpacing)
	}
	if state.CloseTime.IsZero() {
		t.Error("close time did not parse")
	}
	if state.OpenTime.IsZero() {
		t.Error("open time did not parse")
	}

	mid := time.Date(2025, 8, 24, 20, 5, 0, 0, time.UTC)
	if age := state.WindowAgeSeconds(mid); age != 300 {
		t.Errorf("window age = %d, want 300", age)
	}
	if ttc := state.TTCSeconds(mid); ttc != 3300 {
		t.Errorf("ttc = %d, want 3300", ttc)
	}
}

func TestSymbolForTicker(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"KXBTCD-25AUG2417-T97250": "BTC",
		"KXETHD-25AUG2417-T3400":  "ETH",
		"KXNASDAQ100-X":           "",
	}
	for ticker, want := range cases {
		if got := SymbolForTicker(ticker); got != want {
			t.Errorf("SymbolForTicker(%s) = %q, want %q", ticker, got, want)
		}
	}
}

// fakeLister serves a fixed market list and counts reads.
type fakeLister struct {
	markets []exchange.KalshiMarket
	calls   atomic.Int32
}

func (f *fakeLister) Markets(ctx context.Context, seriesTicker string) ([]exchange.KalshiMarket, error) {
	f.calls.Add(1)
	return f.markets, nil
}

// fakeStream is a websocket stand-in whose Run fails immediately, the way a
// real feed does once its reconnect retries are exhausted.
type fakeStream struct {
	err error
	ch  chan exchange.TickerEvent
}

func (f *fakeStream) Run(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return nil
}

func (f *fakeStream) Subscribe(tickers []string) error     { return nil }
func (f *fakeStream) Tickers() <-chan exchange.TickerEvent { return f.ch }

func TestRunFallsBackToPollingWhenWebsocketExhausted(t *testing.T) {
	t.Parallel()

	snap := NewSnapshot()
	lister := &fakeLister{markets: []exchange.KalshiMarket{{
		Ticker: "KXBTCD-25AUG2417-T97250",
		Status: "active",
	}}}
	stream := &fakeStream{
		err: errors.New("websocket failed 5 consecutive times"),
		ch:  make(chan exchange.TickerEvent),
	}

	m := NewMarketFeed(lister, stream, config.MarketFeedConfig{
		UseWebsocket:   true,
		FallbackToHTTP: true,
		PollInterval:   10 * time.Millisecond,
		EventSeries:    []string{"KXBTCD"},
	}, snap, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	// One REST read seeds the websocket mode; everything past the first
	// few is the poll loop keeping the snapshot alive after the switch.
	if calls := lister.calls.Load(); calls < 3 {
		t.Errorf("made %d market reads, want the poll loop to keep reading", calls)
	}
	if _, ok := snap.Get("KXBTCD-25AUG2417-T97250"); !ok {
		t.Error("snapshot missing the polled market")
	}
	if age := snap.HeartbeatAge(time.Now()); age > time.Second {
		t.Errorf("heartbeat stale after fallback: %s", age)
	}
}

func TestRunWithoutFallbackReturnsWebsocketError(t *testing.T) {
	t.Parallel()

	snap := NewSnapshot()
	lister := &fakeLister{markets: []exchange.KalshiMarket{{Ticker: "KXBTCD-1", Status: "active"}}}
	wsErr := errors.New("websocket failed 5 consecutive times")
	m := NewMarketFeed(lister, &fakeStream{err: wsErr, ch: make(chan exchange.TickerEvent)},
		config.MarketFeedConfig{
			UseWebsocket:   true,
			FallbackToHTTP: false,
			PollInterval:   10 * time.Millisecond,
			EventSeries:    []string{"KXBTCD"},
		}, snap, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := m.Run(context.Background()); !errors.Is(err, wsErr) {
		t.Errorf("Run = %v, want the terminal websocket error", err)
	}
}

// tickSeries builds a second-spaced price series starting at base.
func tickSeries(t *testing.T, start time.Time, prices ...float64) []types.PriceTick {
	t.Helper()
	ticks := make([]types.PriceTick, len(prices))
	for i, p := range prices {
		ticks[i] = types.PriceTick{
			Timestamp: types.FormatTimestamp(start.Add(time.Duration(i) * time.Second)),
			Price:     decimal.NewFromFloat(p),
		}
	}
	return ticks
}

func TestHorizonMoves(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	ticks := tickSeries(t, start, 100, 101, 102, 99, 100)

	moves := HorizonMoves(ticks, 2*time.Second)
	// Windows: 100→102, 101→99, 102→100. The last two starts have no tick
	// a full horizon later.
	if len(moves) != 3 {
		t.Fatalf("got %d moves, want 3: %v", len(moves), moves)
	}
	if moves[0] != 0.02 {
		t.Errorf("first move = %v, want 0.02", moves[0])
	}
}

func TestHorizonMovesDegenerate(t *testing.T) {
	t.Parallel()

	if moves := HorizonMoves(nil, time.Minute); moves != nil {
		t.Errorf("nil ticks should yield nil, got %v", moves)
	}
	start := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	if moves := HorizonMoves(tickSeries(t, start, 100), time.Minute); moves != nil {
		t.Errorf("single tick should yield nil, got %v", moves)
	}
}

func TestWinProbability(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		moves       []float64
		bufferPct   float64
		adverseDown bool
		want        float64
	}{
		{
			name:        "no history fails conservative",
			moves:       nil,
			bufferPct:   0.01,
			adverseDown: true,
			want:        0,
		},
		{
			name:        "all moves survive",
			moves:       []float64{0.001, -0.002, 0.005},
			bufferPct:   0.01,
			adverseDown: true,
			want:        100,
		},
		{
			name:        "half breach downward",
			moves:       []float64{-0.02, 0.001, -0.03, 0.002},
			bufferPct:   0.01,
			adverseDown: true,
			want:        50,
		},
		{
			name:        "upward breaches only count when adverse is up",
			moves:       []float64{0.02, 0.001},
			bufferPct:   0.01,
			adverseDown: false,
			want:        50,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := WinProbability(tt.moves, tt.bufferPct, tt.adverseDown); got != tt.want {
				t.Errorf("WinProbability = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMomentumDirection(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)

	// 31 minutes of steadily rising prices, one tick per minute.
	rising := make([]types.PriceTick, 0, 32)
	for i := 0; i <= 31; i++ {
		rising = append(rising, types.PriceTick{
			Timestamp: types.FormatTimestamp(start.Add(time.Duration(i) * time.Minute)),
			Price:     decimal.NewFromFloat(100 + float64(i)),
		})
	}
	if m := Momentum(rising); m <= 0 {
		t.Errorf("rising series momentum = %v, want positive", m)
	}

	falling := make([]types.PriceTick, 0, 32)
	for i := 0; i <= 31; i++ {
		falling = append(falling, types.PriceTick{
			Timestamp: types.FormatTimestamp(start.Add(time.Duration(i) * time.Minute)),
			Price:     decimal.NewFromFloat(200 - float64(i)),
		})
	}
	if m := Momentum(falling); m >= 0 {
		t.Errorf("falling series momentum = %v, want negative", m)
	}

	if m := Momentum(nil); m != 0 {
		t.Errorf("empty series momentum = %v, want 0", m)
	}
}

func TestPriceAt(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	ticks := tickSeries(t, start, 100, 101, 102)

	if p := priceAt(ticks, start.Add(time.Second)); p != 101 {
		t.Errorf("priceAt(+1s) = %v, want 101", p)
	}
	// Between ticks resolves to the earlier one.
	if p := priceAt(ticks, start.Add(1500*time.Millisecond)); p != 101 {
		t.Errorf("priceAt(+1.5s) = %v, want 101", p)
	}
	// Before history begins.
	if p := priceAt(ticks, start.Add(-time.Minute)); p != 0 {
		t.Errorf("priceAt(before) = %v, want 0", p)
	}
}
