package ats

import (
	"context"
	"sync"
	"time"

	"recio/internal/store"
	"recio/pkg/types"
)

// Cache serves active-trade reads to the UI without hitting the database on
// every request. The supervisor rewrites the rows at 1 Hz, so a short TTL
// keeps reads coherent while the API polls faster than that.
type Cache struct {
	store *store.Store
	ttl   time.Duration

	mu      sync.Mutex
	cached  []*types.ActiveTrade
	fetched time.Time
}

// NewCache creates a read cache over the active_trades table.
func NewCache(st *store.Store, ttl time.Duration) *Cache {
	return &Cache{store: st, ttl: ttl}
}

// List returns the active trades, refreshing from the store when the cached
// copy is older than the TTL.
func (c *Cache) List(ctx context.Context) ([]*types.ActiveTrade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.fetched) < c.ttl {
		return c.cached, nil
	}

	active, err := c.store.ListActive(ctx)
	if err != nil {
		if c.cached != nil {
			// Serve stale over erroring: the UI tolerates a late row far
			// better than a missing one.
			return c.cached, nil
		}
		return nil, err
	}

	c.cached = active
	c.fetched = time.Now()
	return active, nil
}

// Invalidate drops the cached copy, forcing the next List to re-read.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}
