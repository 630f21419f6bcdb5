package cache

import (
	"sync"
	"time"

	"github.com/motafan/iapcore/internal/domain"
	"github.com/motafan/iapcore/internal/errs"
)

// OrderCache is the in-memory order table: keyed by local order id, with a
// secondary product-id index, and read-side projections for
// expired/pending/active orders. Unlike ProductCache it runs no background
// goroutine of its own — its expiry sweep is driven externally by the
// Transaction Monitor so the two don't race on the same entries.
type OrderCache struct {
	mu        sync.RWMutex
	orders    map[string]*domain.Order
	byProduct map[string]map[string]struct{} // productID -> set of order IDs
	now       func() time.Time
}

// NewOrderCache creates an empty order cache.
func NewOrderCache() *OrderCache {
	return &OrderCache{
		orders:    make(map[string]*domain.Order),
		byProduct: make(map[string]map[string]struct{}),
		now:       time.Now,
	}
}

// Store inserts or replaces the cached order, keeping the product index in
// sync.
func (c *OrderCache) Store(o *domain.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(o)
}

func (c *OrderCache) storeLocked(o *domain.Order) {
	clone := o.Clone()
	if existing, ok := c.orders[clone.ID]; ok && existing.ProductID != clone.ProductID {
		c.removeFromIndexLocked(existing)
	}
	c.orders[clone.ID] = clone
	set, ok := c.byProduct[clone.ProductID]
	if !ok {
		set = make(map[string]struct{})
		c.byProduct[clone.ProductID] = set
	}
	set[clone.ID] = struct{}{}
}

func (c *OrderCache) removeFromIndexLocked(o *domain.Order) {
	if set, ok := c.byProduct[o.ProductID]; ok {
		delete(set, o.ID)
		if len(set) == 0 {
			delete(c.byProduct, o.ProductID)
		}
	}
}

// Get returns a copy of the cached order, if present.
func (c *OrderCache) Get(id string) (*domain.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// UpdateStatus applies a monotonic status transition to the cached order.
// Returns order_not_found if id isn't cached, or order_validation_failed if
// the transition violates the status DAG.
func (c *OrderCache) UpdateStatus(id string, status domain.OrderStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.orders[id]
	if !ok {
		return errs.New(errs.KindOrderNotFound, "order not cached: "+id)
	}
	if !o.Status.CanTransition(status) {
		return errs.New(errs.KindOrderValidationFailed, "invalid status transition "+string(o.Status)+" -> "+string(status))
	}
	o.Status = status
	return nil
}

// Remove drops an order from the cache and its product index.
func (c *OrderCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.orders[id]; ok {
		c.removeFromIndexLocked(o)
		delete(c.orders, id)
	}
}

// ByProduct returns all cached orders for a given product id.
func (c *OrderCache) ByProduct(productID string) []*domain.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.byProduct[productID]
	out := make([]*domain.Order, 0, len(set))
	for id := range set {
		out = append(out, c.orders[id].Clone())
	}
	return out
}

// Expired returns cached orders whose expiry has passed.
func (c *OrderCache) Expired(now time.Time) []*domain.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*domain.Order, 0)
	for _, o := range c.orders {
		if o.IsExpired(now) {
			out = append(out, o.Clone())
		}
	}
	return out
}

// Pending returns cached orders that are created/pending and not expired.
func (c *OrderCache) Pending(now time.Time) []*domain.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*domain.Order, 0)
	for _, o := range c.orders {
		if (o.Status == domain.OrderCreated || o.Status == domain.OrderPending) && !o.IsExpired(now) {
			out = append(out, o.Clone())
		}
	}
	return out
}

// Active returns orders that are neither terminal nor expired.
func (c *OrderCache) Active(now time.Time) []*domain.Order {
	return c.Pending(now)
}

// All returns every cached order, for introspection/tests.
func (c *OrderCache) All() []*domain.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*domain.Order, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, o.Clone())
	}
	return out
}
