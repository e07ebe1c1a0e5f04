// Package types defines shared data structures used across all services.
//
// This package is the common vocabulary for the trading core — trades,
// active-trade mirrors, market snapshots, price ticks, preferences, trade
// intents, and service lifecycle states. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the leg of a binary event contract.
type Side string

const (
	YES Side = "YES"
	NO  Side = "NO"
)

// Opposite returns the other leg.
func (s Side) Opposite() Side {
	if s == YES {
		return NO
	}
	return YES
}

// TradeStatus is the lifecycle state of a trade. Transitions are strictly
// pending → {open, failed}, open → closing → closed; never skipped or
// reversed.
type TradeStatus string

const (
	StatusPending TradeStatus = "pending"
	StatusOpen    TradeStatus = "open"
	StatusClosing TradeStatus = "closing"
	StatusClosed  TradeStatus = "closed"
	StatusFailed  TradeStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TradeStatus) Terminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s TradeStatus) CanTransitionTo(next TradeStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusOpen || next == StatusFailed
	case StatusOpen:
		return next == StatusClosing
	case StatusClosing:
		return next == StatusClosed
	default:
		return false
	}
}

// EntryMethod records whether a human or the auto-entry engine opened a trade.
type EntryMethod string

const (
	EntryManual EntryMethod = "manual"
	EntryAuto   EntryMethod = "auto"
)

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// Trade is one row of users.trades_<user>. IDs are store-assigned and
// monotonic; TicketID is the exchange-side identifier and the idempotency
// key for every status transition.
type Trade struct {
	ID          int64           `json:"id"`
	TicketID    string          `json:"ticket_id"`
	Symbol      string          `json:"symbol"`   // underlying, e.g. "BTC"
	Contract    string          `json:"contract"` // event market ticker
	Side        Side            `json:"side"`
	Strike      decimal.Decimal `json:"strike"`
	BuyPrice    int             `json:"buy_price"` // entry price in cents
	Position    int             `json:"position"`  // number of contracts
	Fees        decimal.Decimal `json:"fees"`
	Prob        float64         `json:"prob"` // entry probability, 0–100
	Diff        float64         `json:"diff"` // entry differential
	Momentum    float64         `json:"momentum"`
	SymbolOpen  decimal.Decimal `json:"symbol_open"` // spot at window open
	Status      TradeStatus     `json:"status"`
	EntryMethod EntryMethod     `json:"entry_method"`
	CreatedAt   string          `json:"created_at"` // ISO-8601 Eastern
	OpenedAt    string          `json:"opened_at,omitempty"`
	ClosedAt    string          `json:"closed_at,omitempty"`
	CloseReason string          `json:"close_reason,omitempty"`
}

// ActiveTrade is the live mirror of a non-terminal trade joined with the
// metrics recomputed every monitoring tick. Exactly one row exists per
// non-terminal trade; the row is removed when the trade reaches a terminal
// status.
type ActiveTrade struct {
	TradeID            int64           `json:"trade_id"`
	TicketID           string          `json:"ticket_id"`
	Symbol             string          `json:"symbol"`
	Contract           string          `json:"contract"`
	Side               Side            `json:"side"`
	Strike             decimal.Decimal `json:"strike"`
	BuyPrice           int             `json:"buy_price"`
	Position           int             `json:"position"`
	Status             TradeStatus     `json:"status"`
	CurrentSymbolPrice decimal.Decimal `json:"current_symbol_price"`
	CurrentClosePrice  int             `json:"current_close_price"` // cents to exit now
	BufferFromStrike   decimal.Decimal `json:"buffer_from_strike"`
	TimeSinceEntry     int64           `json:"time_since_entry"` // seconds
	TTCSeconds         int64           `json:"ttc_seconds"`
	CurrentProbability float64         `json:"current_probability"` // 0–100
	CurrentPnL         decimal.Decimal `json:"current_pnl"`
	Degraded           bool            `json:"degraded"` // metrics best-effort, auto-stop suspended
	LastUpdated        string          `json:"last_updated"`
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// PriceTick is one row of live_data.<symbol>_price_log. The timestamp is
// the primary key (second precision, Eastern); inserts upsert on it.
type PriceTick struct {
	Timestamp string          `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
}

// MarketState is the last-known view of one event market, maintained by the
// market feed and overwritten on every update. Prices are in cents as the
// exchange quotes them.
type MarketState struct {
	Ticker      string          `json:"ticker"`
	EventTicker string          `json:"event_ticker"`
	Strike      decimal.Decimal `json:"strike"`
	YesBid      int             `json:"yes_bid"`
	YesAsk      int             `json:"yes_ask"`
	NoBid       int             `json:"no_bid"`
	NoAsk       int             `json:"no_ask"`
	Volume      int64           `json:"volume"`
	Status      string          `json:"status"` // exchange event status
	OpenTime    time.Time       `json:"open_time"`
	CloseTime   time.Time       `json:"close_time"`
	TierSpacing decimal.Decimal `json:"tier_spacing"`
	LastUpdated time.Time       `json:"last_updated"`
}

// WindowAgeSeconds returns seconds since the market's trading window opened,
// floored at zero.
func (m MarketState) WindowAgeSeconds(now time.Time) int64 {
	age := int64(now.Sub(m.OpenTime).Seconds())
	if age < 0 {
		return 0
	}
	return age
}

// TTCSeconds returns seconds until the market resolves, floored at zero.
func (m MarketState) TTCSeconds(now time.Time) int64 {
	ttc := int64(m.CloseTime.Sub(now).Seconds())
	if ttc < 0 {
		return 0
	}
	return ttc
}

// ClosePriceCents returns what one contract of the given side sells for
// right now, in cents.
func (m MarketState) ClosePriceCents(side Side) int {
	if side == YES {
		return m.YesBid
	}
	return m.NoBid
}

// AskCents returns the cost to buy one contract of the given side, in cents.
func (m MarketState) AskCents(side Side) int {
	if side == YES {
		return m.YesAsk
	}
	return m.NoAsk
}

// ————————————————————————————————————————————————————————————————————————
// Preferences
// ————————————————————————————————————————————————————————————————————————

// Preferences is the per-user tuning read by the active trade supervisor and
// the auto-entry engine. Mutated by the UI through the main app; every tick
// re-reads it so changes apply without restarts.
type Preferences struct {
	AutoEntry    bool `json:"auto_entry"`
	AutoStop     bool `json:"auto_stop"`
	PositionSize int  `json:"position_size"`
	Multiplier   int  `json:"multiplier"`

	// Entry predicates
	MinProbability  float64 `json:"min_probability"`  // 0–100
	MinDifferential float64 `json:"min_differential"` // percent
	MinTimeSec      int64   `json:"min_time"`         // window-open age lower bound
	MaxTimeSec      int64   `json:"max_time"`         // window-open age upper bound
	MinTTCSeconds   int64   `json:"min_ttc_seconds"`
	AllowReEntry    bool    `json:"allow_re_entry"`

	// Watchlist filters
	WatchlistMinVolume int64 `json:"watchlist_min_volume"`
	WatchlistMaxAsk    int   `json:"watchlist_max_ask"` // cents

	// Auto-stop predicates
	MinCurrentProbability  float64 `json:"min_current_probability"` // default 40
	MomentumSpikeEnabled   bool    `json:"momentum_spike_enabled"`
	MomentumSpikeThreshold float64 `json:"momentum_spike_threshold"`

	// Spike alert cooldown (entry suppression)
	SpikeAlertMomentumThreshold float64 `json:"spike_alert_momentum_threshold"`
	SpikeAlertCooldownThreshold float64 `json:"spike_alert_cooldown_threshold"`
	SpikeAlertCooldownMinutes   int     `json:"spike_alert_cooldown_minutes"`
}

// DefaultPreferences returns the conservative defaults applied when a user
// has no stored preference row.
func DefaultPreferences() Preferences {
	return Preferences{
		AutoEntry:             false,
		AutoStop:              true,
		PositionSize:          1,
		Multiplier:            1,
		MinProbability:        95,
		MinDifferential:       0.25,
		MinTimeSec:            120,
		MaxTimeSec:            900,
		MinTTCSeconds:         60,
		AllowReEntry:          false,
		WatchlistMinVolume:    100,
		WatchlistMaxAsk:       99,
		MinCurrentProbability: 40,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Intents
// ————————————————————————————————————————————————————————————————————————

// EntryIntent asks the trade manager to open a position. IntentID makes
// OpenTrade idempotent: a retried intent with the same id is a no-op.
type EntryIntent struct {
	IntentID   string          `json:"intent_id"`
	Symbol     string          `json:"symbol"`
	Contract   string          `json:"contract"`
	Side       Side            `json:"side"`
	Strike     decimal.Decimal `json:"strike"`
	BuyPrice   int             `json:"buy_price"` // limit price in cents
	Contracts  int             `json:"contracts"` // position_size × multiplier
	Prob       float64         `json:"prob"`
	Diff       float64         `json:"diff"`
	Momentum   float64         `json:"momentum"`
	SymbolOpen decimal.Decimal `json:"symbol_open"`
	Method     EntryMethod     `json:"method"`
	CreatedAt  time.Time       `json:"created_at"`
}

// CloseIntent asks the trade manager to close an open trade. Seq is a
// monotonic sequence assigned by the supervisor so duplicates are ordered
// and detectable.
type CloseIntent struct {
	Seq      uint64    `json:"seq"`
	TradeID  int64     `json:"trade_id"`
	TicketID string    `json:"ticket_id"`
	Reason   string    `json:"reason"`
	IssuedAt time.Time `json:"issued_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Account state (exchange-owned tables)
// ————————————————————————————————————————————————————————————————————————

// AccountPosition is one resting position reported by the exchange.
type AccountPosition struct {
	Ticker         string `json:"ticker"`
	Position       int    `json:"position"` // signed contracts; >0 YES, <0 NO
	MarketExposure int    `json:"market_exposure"`
	RealizedPnL    int    `json:"realized_pnl"` // cents
	TotalTraded    int    `json:"total_traded"`
	UpdatedAt      string `json:"updated_at"`
}

// AccountFill is one execution, keyed by the exchange trade id.
type AccountFill struct {
	TradeID     string `json:"trade_id"`
	OrderID     string `json:"order_id"`
	Ticker      string `json:"ticker"`
	Side        string `json:"side"`   // "yes" or "no"
	Action      string `json:"action"` // "buy" or "sell"
	Count       int    `json:"count"`
	Price       int    `json:"price"` // cents
	IsTaker     bool   `json:"is_taker"`
	CreatedTime string `json:"created_time"`
}

// AccountOrder is one order lifecycle row, keyed by the exchange order id.
type AccountOrder struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Ticker         string `json:"ticker"`
	Side           string `json:"side"`
	Action         string `json:"action"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	Price          int    `json:"price"`
	InitialCount   int    `json:"initial_count"`
	RemainingCount int    `json:"remaining_count"`
	CreatedTime    string `json:"created_time"`
}

// AccountSettlement records the resolution of a market the user held.
type AccountSettlement struct {
	Ticker       string `json:"ticker"`
	MarketResult string `json:"market_result"` // "yes" or "no"
	YesCount     int    `json:"yes_count"`
	NoCount      int    `json:"no_count"`
	Revenue      int    `json:"revenue"` // cents
	SettledTime  string `json:"settled_time"`
}

// AccountBalance is the current cash balance in cents.
type AccountBalance struct {
	Balance   int    `json:"balance"`
	UpdatedAt string `json:"updated_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Service lifecycle
// ————————————————————————————————————————————————————————————————————————

// ServiceStatus is the supervisor-side state of one managed process.
type ServiceStatus string

const (
	ServiceStarting   ServiceStatus = "STARTING"
	ServiceRunning    ServiceStatus = "RUNNING"
	ServiceStopped    ServiceStatus = "STOPPED"
	ServiceFatal      ServiceStatus = "FATAL"
	ServiceRestarting ServiceStatus = "RESTARTING"
)

// ServiceState is the supervisor's view of one service, exposed over the
// status RPC.
type ServiceState struct {
	Name           string        `json:"name"`
	PID            int           `json:"pid"`
	Status         ServiceStatus `json:"status"`
	RestartCount   int           `json:"restart_count"`
	LastExitReason string        `json:"last_exit_reason,omitempty"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	UptimeSeconds  int64         `json:"uptime_seconds"`
}

// DBChange is the best-effort cache-invalidation hint published after every
// commit to a watched table. Consumers must re-read the store for
// correctness; this only tells them when to bother.
type DBChange struct {
	Table string `json:"table"`
	User  string `json:"user"`
}
