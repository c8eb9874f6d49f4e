// Package balance caches per-asset balance lookups so the per-cycle loops
// do not hammer the exchange for the same account state.
package balance

import (
	"context"
	"sync"
	"time"

	"maker-core/pkg/exchange"
)

// DefaultTTL bounds how stale a served balance may be. Reads are idempotent
// so the cache carries no locking beyond the map mutex.
const DefaultTTL = 2 * time.Second

type entry struct {
	balance   exchange.Balance
	fetchedAt time.Time
}

// Cache is a short-TTL balance cache keyed by (account, asset).
type Cache struct {
	source exchange.BalanceSource
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	items map[string]entry
}

// New creates a cache over source with the default TTL.
func New(source exchange.BalanceSource) *Cache {
	return NewWithTTL(source, DefaultTTL, time.Now)
}

// NewWithTTL creates a cache with an explicit TTL and clock, used by tests.
func NewWithTTL(source exchange.BalanceSource, ttl time.Duration, now func() time.Time) *Cache {
	return &Cache{
		source: source,
		ttl:    ttl,
		now:    now,
		items:  make(map[string]entry),
	}
}

// Get returns the balance for (account, asset), serving the cached value
// when it is fresh enough and fetching otherwise.
func (c *Cache) Get(ctx context.Context, account, asset string) (*exchange.Balance, error) {
	key := account + ":" + asset

	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		b := e.balance
		return &b, nil
	}

	fresh, err := c.source.GetBalance(ctx, account, asset)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.items[key] = entry{balance: *fresh, fetchedAt: c.now()}
	c.mu.Unlock()

	b := *fresh
	return &b, nil
}

// Invalidate drops every cached asset for an account, forcing the next Get
// to fetch. Called after order submission moves funds.
func (c *Cache) Invalidate(account string) {
	prefix := account + ":"
	c.mu.Lock()
	for k := range c.items {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
