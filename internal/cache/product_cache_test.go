package cache

import (
	"testing"
	"time"

	"github.com/motafan/iapcore/internal/domain"
	"github.com/stretchr/testify/assert"
)

func newTestProductCache(ttl time.Duration) (*ProductCache, *time.Time) {
	now := time.Now()
	c := &ProductCache{
		entries: make(map[string]productEntry),
		ttl:     ttl,
		now:     func() time.Time { return now },
		stop:    make(chan struct{}),
	}
	return c, &now
}

func TestProductCachePutAndGet(t *testing.T) {
	c, _ := newTestProductCache(time.Minute)
	p := domain.Product{ID: "coins", DisplayName: "Coins"}
	c.Put(p)

	got := c.GetCached([]string{"coins", "missing"})
	assert.Len(t, got, 1)
	assert.Equal(t, "coins", got[0].ID)
}

func TestProductCacheUncached(t *testing.T) {
	c, _ := newTestProductCache(time.Minute)
	c.Put(domain.Product{ID: "coins"})

	missing := c.Uncached([]string{"coins", "gems"})
	assert.Equal(t, []string{"gems"}, missing)
}

func TestProductCacheExpiry(t *testing.T) {
	c, now := newTestProductCache(time.Minute)
	c.Put(domain.Product{ID: "coins"})

	*now = now.Add(2 * time.Minute)

	assert.Empty(t, c.GetCached([]string{"coins"}))
	assert.Equal(t, []string{"coins"}, c.Uncached([]string{"coins"}))
}

func TestProductCacheCleanExpired(t *testing.T) {
	c, now := newTestProductCache(time.Minute)
	c.Put(domain.Product{ID: "coins"})
	c.Put(domain.Product{ID: "gems"})

	*now = now.Add(2 * time.Minute)
	c.CleanExpired()

	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	assert.Equal(t, 0, n)
}

func TestProductCacheZeroTTLNeverExpires(t *testing.T) {
	c, now := newTestProductCache(0)
	c.Put(domain.Product{ID: "coins"})
	*now = now.Add(24 * time.Hour)
	assert.Len(t, c.GetCached([]string{"coins"}), 1)
}

func TestProductCacheCloseIsIdempotent(t *testing.T) {
	c := NewProductCache(time.Minute)
	assert.NotPanics(t, func() {
		c.Close()
		c.Close()
	})
}
