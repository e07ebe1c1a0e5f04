package feed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"recio/internal/store"
	"recio/pkg/types"
)

// historyWindow is how far back the model samples. Matches the price log's
// retention so the query never wants rows that were pruned.
const historyWindow = 30 * 24 * time.Hour

// historyRefresh bounds how often the 30-day window is re-read from the log.
const historyRefresh = time.Minute

// momentumWeights scores recent percentage deltas, most recent weighted
// heaviest. Keys are lookback seconds.
var momentumWeights = []struct {
	lookback time.Duration
	weight   float64
}{
	{1 * time.Minute, 0.40},
	{2 * time.Minute, 0.25},
	{3 * time.Minute, 0.15},
	{4 * time.Minute, 0.10},
	{15 * time.Minute, 0.07},
	{30 * time.Minute, 0.03},
}

// Model estimates the probability that a contract expires in the money. The
// estimate is empirical: the 30-day price log supplies the distribution of
// moves over the remaining time horizon, and the probability is the fraction
// of historical windows in which the buffer to the strike would have held.
type Model struct {
	store  *store.Store
	logger *slog.Logger

	mu        sync.RWMutex
	ticks     map[string][]types.PriceTick
	refreshed map[string]time.Time
}

// NewModel creates a probability model over the price log.
func NewModel(st *store.Store, logger *slog.Logger) *Model {
	return &Model{
		store:     st,
		logger:    logger.With("component", "prob_model"),
		ticks:     make(map[string][]types.PriceTick),
		refreshed: make(map[string]time.Time),
	}
}

// Evaluate returns the win probability (0–100) and current momentum for a
// position. adverseAbove says which direction loses: YES above-strike
// positions lose when price falls below, so adverseAbove is false.
func (m *Model) Evaluate(ctx context.Context, symbol string, current, strike decimal.Decimal, side types.Side, ttc time.Duration) (prob, momentum float64, err error) {
	ticks, err := m.history(ctx, symbol)
	if err != nil {
		return 0, 0, err
	}

	cur, _ := current.Float64()
	str, _ := strike.Float64()
	if cur == 0 {
		return 0, 0, fmt.Errorf("no current price for %s: %w", symbol, types.ErrStale)
	}

	bufferPct := math.Abs(cur-str) / cur
	// YES wins while price stays above the strike, so the adverse move is
	// down; NO is the mirror.
	adverseDown := side == types.YES
	if cur < str {
		adverseDown = !adverseDown
	}

	moves := HorizonMoves(ticks, ttc)
	if len(moves) == 0 {
		// An empty window means the price log has not accumulated enough
		// history yet. A zero probability here is not a real estimate, and
		// acting on it would close every position on a fresh boot.
		return 0, 0, fmt.Errorf("no price history for %s over %s: %w", symbol, ttc, types.ErrStale)
	}
	prob = WinProbability(moves, bufferPct, adverseDown)
	momentum = Momentum(ticks)
	return prob, momentum, nil
}

// history returns the cached 30-day window, re-reading from the log at most
// once per refresh interval.
func (m *Model) history(ctx context.Context, symbol string) ([]types.PriceTick, error) {
	m.mu.RLock()
	last := m.refreshed[symbol]
	cached := m.ticks[symbol]
	m.mu.RUnlock()

	if time.Since(last) < historyRefresh && cached != nil {
		return cached, nil
	}

	since := types.FormatTimestamp(types.NowEastern().Add(-historyWindow))
	ticks, err := m.store.TicksSince(ctx, symbol, since)
	if err != nil {
		if cached != nil {
			// Stale history beats no history for a read-side model.
			m.logger.Warn("history refresh failed, using cached window", "symbol", symbol, "error", err)
			return cached, nil
		}
		return nil, err
	}

	m.mu.Lock()
	m.ticks[symbol] = ticks
	m.refreshed[symbol] = time.Now()
	m.mu.Unlock()
	return ticks, nil
}

// HorizonMoves computes the percentage move over each historical window of
// the given length. Ticks must be ordered oldest first, one per second at
// most; gaps are tolerated by matching the closest tick at or after the
// horizon.
func HorizonMoves(ticks []types.PriceTick, horizon time.Duration) []float64 {
	if len(ticks) < 2 || horizon <= 0 {
		return nil
	}

	times := make([]time.Time, len(ticks))
	prices := make([]float64, len(ticks))
	for i, t := range ticks {
		ts, err := types.ParseTimestamp(t.Timestamp)
		if err != nil {
			continue
		}
		times[i] = ts
		prices[i], _ = t.Price.Float64()
	}

	var moves []float64
	j := 0
	for i := range ticks {
		if prices[i] == 0 {
			continue
		}
		target := times[i].Add(horizon)
		if j < i {
			j = i
		}
		for j < len(ticks) && times[j].Before(target) {
			j++
		}
		if j >= len(ticks) {
			break
		}
		moves = append(moves, (prices[j]-prices[i])/prices[i])
	}
	return moves
}

// WinProbability is the fraction (0–100) of historical moves that would not
// have breached the buffer in the adverse direction. Callers must not feed it
// an empty window; Evaluate screens that out as stale input.
func WinProbability(moves []float64, bufferPct float64, adverseDown bool) float64 {
	if len(moves) == 0 {
		return 0
	}

	survived := 0
	for _, mv := range moves {
		if adverseDown {
			if mv > -bufferPct {
				survived++
			}
		} else {
			if mv < bufferPct {
				survived++
			}
		}
	}
	return 100 * float64(survived) / float64(len(moves))
}

// Momentum is the weighted sum of recent percentage deltas, in percent.
// Positive means upward pressure. Lookbacks with no tick contribute zero.
func Momentum(ticks []types.PriceTick) float64 {
	if len(ticks) == 0 {
		return 0
	}

	latest := ticks[len(ticks)-1]
	latestTime, err := types.ParseTimestamp(latest.Timestamp)
	if err != nil {
		return 0
	}
	latestPrice, _ := latest.Price.Float64()
	if latestPrice == 0 {
		return 0
	}

	var momentum float64
	for _, w := range momentumWeights {
		past := priceAt(ticks, latestTime.Add(-w.lookback))
		if past == 0 {
			continue
		}
		momentum += w.weight * 100 * (latestPrice - past) / past
	}
	return momentum
}

// priceAt returns the price of the latest tick at or before the target time,
// or 0 when the history does not reach back that far.
func priceAt(ticks []types.PriceTick, target time.Time) float64 {
	lo, hi := 0, len(ticks)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		ts, err := types.ParseTimestamp(ticks[mid].Timestamp)
		if err != nil {
			return 0
		}
		if ts.After(target) {
			hi = mid - 1
		} else {
			best = mid
			lo = mid + 1
		}
	}
	if best < 0 {
		return 0
	}
	price, _ := ticks[best].Price.Float64()
	return price
}
