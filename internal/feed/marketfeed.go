package feed

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"recio/internal/config"
	"recio/internal/exchange"
	"recio/pkg/types"
)

// marketLister is the slice of the REST client the feed refreshes from.
type marketLister interface {
	Markets(ctx context.Context, seriesTicker string) ([]exchange.KalshiMarket, error)
}

// marketStream is the slice of the WebSocket feed the websocket mode drives.
type marketStream interface {
	Run(ctx context.Context) error
	Subscribe(tickers []string) error
	Tickers() <-chan exchange.TickerEvent
}

// MarketFeed keeps the Snapshot current. Preferred transport is the
// WebSocket ticker stream; when that exhausts its retries and fallback is
// enabled, the feed degrades to 1 Hz full-list polling and stays there until
// restart. Either transport writes through the same Snapshot, so consumers
// never know which mode is active.
type MarketFeed struct {
	client   marketLister
	ws       marketStream
	cfg      config.MarketFeedConfig
	snapshot *Snapshot
	logger   *slog.Logger
}

// NewMarketFeed wires a feed over an existing snapshot.
func NewMarketFeed(client marketLister, ws marketStream, cfg config.MarketFeedConfig, snapshot *Snapshot, logger *slog.Logger) *MarketFeed {
	return &MarketFeed{
		client:   client,
		ws:       ws,
		cfg:      cfg,
		snapshot: snapshot,
		logger:   logger.With("component", "market_feed"),
	}
}

// Run blocks until the context is cancelled. Mode selection:
//
//	websocket on,  fallback on  — WS until retry exhaustion, then poll forever
//	websocket on,  fallback off — WS forever (Run returns its terminal error)
//	websocket off               — poll only
func (m *MarketFeed) Run(ctx context.Context) error {
	if !m.cfg.UseWebsocket {
		m.logger.Info("market feed starting", "mode", "http_poll")
		return m.pollLoop(ctx)
	}

	m.logger.Info("market feed starting", "mode", "websocket")
	err := m.runWebsocket(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil && m.cfg.FallbackToHTTP {
		m.logger.Warn("websocket exhausted retries, falling back to http polling", "error", err)
		return m.pollLoop(ctx)
	}
	return err
}

// runWebsocket seeds the snapshot over REST (the WS stream only carries
// deltas), subscribes, and applies ticker events until the WS feed gives up.
func (m *MarketFeed) runWebsocket(ctx context.Context) error {
	if err := m.refresh(ctx); err != nil {
		m.logger.Error("initial market list failed", "error", err)
		return err
	}

	tickers := make([]string, 0)
	for _, state := range m.snapshot.All() {
		tickers = append(tickers, state.Ticker)
	}

	wsErr := make(chan error, 1)
	go func() { wsErr <- m.ws.Run(ctx) }()

	// Subscription is retried because Run connects asynchronously.
	go func() {
		for i := 0; i < 10; i++ {
			if err := m.ws.Subscribe(tickers); err == nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		m.logger.Error("could not subscribe after websocket connect")
	}()

	// Periodic REST refresh discovers newly listed markets; the WS stream
	// only updates markets we already subscribed to.
	refresh := time.NewTicker(time.Minute)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-wsErr:
			return err

		case evt := <-m.ws.Tickers():
			m.applyTicker(evt)

		case <-refresh.C:
			if err := m.refresh(ctx); err != nil {
				m.logger.Warn("market refresh failed", "error", err)
				continue
			}
			fresh := make([]string, 0)
			for _, state := range m.snapshot.All() {
				fresh = append(fresh, state.Ticker)
			}
			if err := m.ws.Subscribe(fresh); err != nil {
				m.logger.Warn("resubscribe failed", "error", err)
			}
		}
	}
}

// pollLoop fetches the full market list on a fixed cadence.
func (m *MarketFeed) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := m.refresh(ctx); err != nil {
			m.logger.Warn("market poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// refresh pulls every configured event series over REST and overwrites the
// snapshot.
func (m *MarketFeed) refresh(ctx context.Context) error {
	for _, series := range m.cfg.EventSeries {
		markets, err := m.client.Markets(ctx, series)
		if err != nil {
			return err
		}
		for _, km := range markets {
			m.snapshot.Put(toMarketState(km))
		}
	}
	return nil
}

// applyTicker merges one WS delta into the snapshot. Deltas carry prices but
// not strikes or close times, so unknown tickers are skipped until the next
// REST refresh fills in the static fields.
func (m *MarketFeed) applyTicker(evt exchange.TickerEvent) {
	state, ok := m.snapshot.Get(evt.MarketTicker)
	if !ok {
		return
	}
	state.YesBid = evt.YesBid
	state.YesAsk = evt.YesAsk
	state.NoBid = evt.NoBid
	state.NoAsk = evt.NoAsk
	if evt.Volume > 0 {
		state.Volume = evt.Volume
	}
	state.LastUpdated = time.Now()
	m.snapshot.Put(state)
}

// toMarketState converts the wire market to the internal view. Strike
// selection follows the exchange's strike_type: threshold markets carry a
// single floor_strike; between markets use the floor as the operative level.
func toMarketState(km exchange.KalshiMarket) types.MarketState {
	closeTime, _ := time.Parse(time.RFC3339, km.CloseTime)
	openTime, _ := time.Parse(time.RFC3339, km.OpenTime)

	state := types.MarketState{
		Ticker:      km.Ticker,
		EventTicker: km.EventTicker,
		Strike:      decimal.NewFromFloat(km.FloorStrike),
		YesBid:      km.YesBid,
		YesAsk:      km.YesAsk,
		NoBid:       km.NoBid,
		NoAsk:       km.NoAsk,
		Volume:      km.Volume,
		Status:      km.Status,
		OpenTime:    openTime,
		CloseTime:   closeTime,
		LastUpdated: time.Now(),
	}
	if km.CapStrike > km.FloorStrike {
		state.TierSpacing = decimal.NewFromFloat(km.CapStrike - km.FloorStrike)
	}
	return state
}

// SymbolForTicker maps an event ticker to its collateral symbol by series
// prefix. Unknown series return empty.
func SymbolForTicker(ticker string) string {
	switch {
	case strings.HasPrefix(ticker, "KXBTC"):
		return "BTC"
	case strings.HasPrefix(ticker, "KXETH"):
		return "ETH"
	}
	return ""
}
