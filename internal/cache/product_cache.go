// Package cache implements the Product Cache and Order Cache.
package cache

import (
	"sync"
	"time"

	"github.com/motafan/iapcore/internal/domain"
)

type productEntry struct {
	product domain.Product
	storedAt time.Time
}

// ProductCache is a TTL-indexed id -> Product map: a mutex-guarded map
// plus a background ticker, started from the constructor, that sweeps
// expired entries so the cache never grows unbounded even if callers
// never read a given id again.
type ProductCache struct {
	mu      sync.RWMutex
	entries map[string]productEntry
	ttl     time.Duration
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewProductCache creates a product cache with the given TTL and starts its
// background eviction sweep.
func NewProductCache(ttl time.Duration) *ProductCache {
	c := &ProductCache{
		entries: make(map[string]productEntry),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *ProductCache) sweepLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.CleanExpired()
		}
	}
}

// Close stops the background eviction sweep. Safe to call more than once.
func (c *ProductCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Put stores or refreshes a product entry.
func (c *ProductCache) Put(p domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p.ID] = productEntry{product: p, storedAt: c.now()}
}

func (c *ProductCache) expired(e productEntry) bool {
	return c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl
}

// GetCached returns the subset of ids present and unexpired in the cache.
// Expired entries are evicted lazily as they're encountered.
func (c *ProductCache) GetCached(ids []string) []domain.Product {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		if c.expired(e) {
			delete(c.entries, id)
			continue
		}
		out = append(out, e.product)
	}
	return out
}

// Uncached returns the subset of ids not present (or expired) in the cache.
func (c *ProductCache) Uncached(ids []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		e, ok := c.entries[id]
		if !ok || c.expired(e) {
			if ok {
				delete(c.entries, id)
			}
			out = append(out, id)
		}
	}
	return out
}

// CleanExpired eagerly evicts all expired entries.
func (c *ProductCache) CleanExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, id)
		}
	}
}
