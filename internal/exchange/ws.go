// ws.go implements the Kalshi market-data WebSocket feed.
//
// The feed authenticates with the same signed headers as REST, subscribes to
// the ticker_v2 channel with an integer session id (sid), and emits typed
// ticker events. It auto-reconnects with exponential backoff up to a
// configured retry cap; when the cap is reached the Run loop returns so the
// market feed can fall back to HTTP polling.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPingInterval  = 10 * time.Second
	wsReadTimeout   = 30 * time.Second // ~3 missed pings triggers reconnect
	wsWriteTimeout  = 10 * time.Second
	wsStableSession = time.Minute // streaming this long forgives earlier failures
	tickerBufSize   = 256
)

// TickerEvent is one ticker_v2 delta for a single market.
type TickerEvent struct {
	MarketTicker string `json:"market_ticker"`
	YesBid       int    `json:"yes_bid"`
	YesAsk       int    `json:"yes_ask"`
	NoBid        int    `json:"no_bid"`
	NoAsk        int    `json:"no_ask"`
	Price        int    `json:"price"`
	VolumeDelta  int64  `json:"volume_delta"`
	Volume       int64  `json:"volume"`
	Timestamp    int64  `json:"ts"`
}

// wsCommand is the client → server subscription protocol.
type wsCommand struct {
	ID     int       `json:"id"` // sid: increments per command
	Cmd    string    `json:"cmd"`
	Params *wsParams `json:"params,omitempty"`
}

type wsParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers,omitempty"`
}

// wsEnvelope is the server → client message wrapper.
type wsEnvelope struct {
	Type string          `json:"type"`
	SID  int             `json:"sid"`
	Msg  json.RawMessage `json:"msg"`
}

// WSFeed manages the ticker_v2 WebSocket connection: lifecycle, subscription
// tracking for re-subscribe on reconnect, and message routing.
type WSFeed struct {
	env    Env
	auth   *Auth
	logger *slog.Logger

	maxRetries int
	timeout    time.Duration

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // market tickers

	sid atomic.Int64 // session command id, increments per command

	tickerCh chan TickerEvent
}

// NewWSFeed creates a feed for the environment's WebSocket endpoint.
func NewWSFeed(env Env, auth *Auth, maxRetries int, timeout time.Duration, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		env:        env,
		auth:       auth,
		maxRetries: maxRetries,
		timeout:    timeout,
		subscribed: make(map[string]bool),
		tickerCh:   make(chan TickerEvent, tickerBufSize),
		logger:     logger.With("component", "ws_kalshi"),
	}
}

// Tickers returns the read-only channel of ticker events.
func (f *WSFeed) Tickers() <-chan TickerEvent { return f.tickerCh }

// retryState tracks consecutive failed sessions for the reconnect loop.
type retryState struct {
	failures int
	backoff  time.Duration
}

// note records one finished session. A session that streamed for at least
// wsStableSession was a healthy connection, so the failure count restarts
// from this disconnect; without the reset, a handful of disconnects spread
// over days would eventually exhaust the retry cap.
func (r *retryState) note(sessionLen time.Duration) {
	if r.backoff == 0 || sessionLen >= wsStableSession {
		r.failures = 0
		r.backoff = time.Second
	}
	r.failures++
}

// wait returns the current backoff and doubles it up to max.
func (r *retryState) wait(max time.Duration) time.Duration {
	d := r.backoff
	r.backoff *= 2
	if r.backoff > max {
		r.backoff = max
	}
	return d
}

// Run connects and maintains the connection. It returns nil only on context
// cancellation; it returns an error once maxRetries consecutive connection
// attempts have failed, signalling the caller to fall back.
func (f *WSFeed) Run(ctx context.Context) error {
	var rs retryState

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}

		rs.note(time.Since(start))
		if rs.failures >= f.maxRetries {
			return fmt.Errorf("websocket failed %d consecutive times: %w", rs.failures, err)
		}

		backoff := rs.wait(f.timeout)
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
			"failures", rs.failures,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

// Subscribe adds market tickers to the ticker_v2 subscription.
func (f *WSFeed) Subscribe(tickers []string) error {
	f.subscribedMu.Lock()
	for _, t := range tickers {
		f.subscribed[t] = true
	}
	f.subscribedMu.Unlock()

	return f.writeCommand("subscribe", tickers)
}

// Unsubscribe removes market tickers.
func (f *WSFeed) Unsubscribe(tickers []string) error {
	f.subscribedMu.Lock()
	for _, t := range tickers {
		delete(f.subscribed, t)
	}
	f.subscribedMu.Unlock()

	return f.writeCommand("unsubscribe", tickers)
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	headers, err := f.auth.Headers(http.MethodGet, "/trade-api/ws/v2")
	if err != nil {
		return fmt.Errorf("ws auth: %w", err)
	}
	header := http.Header{}
	for k, v := range headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{HandshakeTimeout: f.timeout}
	conn, _, err := dialer.DialContext(ctx, f.env.WSURL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Re-subscribe to everything tracked
	f.subscribedMu.RLock()
	tickers := make([]string, 0, len(f.subscribed))
	for t := range f.subscribed {
		tickers = append(tickers, t)
	}
	f.subscribedMu.RUnlock()

	if err := f.writeCommand("subscribe", tickers); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "channel", "ticker_v2", "markets", len(tickers))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var envelope wsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Type {
	case "ticker_v2", "ticker":
		var evt TickerEvent
		if err := json.Unmarshal(envelope.Msg, &evt); err != nil {
			f.logger.Error("unmarshal ticker event", "error", err)
			return
		}
		select {
		case f.tickerCh <- evt:
		default:
			// Snapshot semantics: only the latest matters, drop the oldest.
			select {
			case <-f.tickerCh:
			default:
			}
			f.tickerCh <- evt
		}

	case "subscribed", "unsubscribed", "ok":
		f.logger.Debug("ws ack", "type", envelope.Type, "sid", envelope.SID)

	case "error":
		f.logger.Error("ws error frame", "msg", string(envelope.Msg))

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.Type)
	}
}

func (f *WSFeed) writeCommand(cmd string, tickers []string) error {
	msg := wsCommand{
		ID:  int(f.sid.Add(1)),
		Cmd: cmd,
		Params: &wsParams{
			Channels:      []string{"ticker_v2"},
			MarketTickers: tickers,
		},
	}

	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(msg)
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.logger.Warn("ping failed", "error", err)
					f.connMu.Unlock()
					return
				}
			}
			f.connMu.Unlock()
		}
	}
}
