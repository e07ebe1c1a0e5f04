// Package feed maintains live market data: the Kalshi event-market snapshot
// (WebSocket with HTTP-poll fallback) and the Coinbase spot-price watchdogs
// that feed the probability model.
package feed

import (
	"sync"
	"time"

	"recio/pkg/types"
)

// Snapshot is the in-memory last-known view of every watched market. Updates
// overwrite; there is no history here. Readers get copies, never references
// into the map.
type Snapshot struct {
	mu      sync.RWMutex
	markets map[string]types.MarketState
	beat    time.Time // last successful update from either transport
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{markets: make(map[string]types.MarketState)}
}

// Put overwrites the state for one market and advances the heartbeat.
func (s *Snapshot) Put(state types.MarketState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[state.Ticker] = state
	s.beat = time.Now()
}

// Get returns the state for one market ticker.
func (s *Snapshot) Get(ticker string) (types.MarketState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.markets[ticker]
	return state, ok
}

// All returns a copy of every market state.
func (s *Snapshot) All() []types.MarketState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.MarketState, 0, len(s.markets))
	for _, state := range s.markets {
		out = append(out, state)
	}
	return out
}

// Remove drops a market that is no longer listed.
func (s *Snapshot) Remove(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markets, ticker)
}

// HeartbeatAge reports time since the last successful update. Consumers
// treat the snapshot as degraded past their staleness bound.
func (s *Snapshot) HeartbeatAge(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.beat.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(s.beat)
}
