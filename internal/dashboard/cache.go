package dashboard

import (
	"context"
	"sync"
	"time"
)

// Loader fetches a dashboard payload on a cache miss.
type Loader interface {
	Get(ctx context.Context, orgID string, kind Kind) (*Dashboard, error)
}

type entry struct {
	payload  *Dashboard
	fetchedAt time.Time
}

// Cache is a short-TTL read-through cache over a Loader, keyed by
// organization and kind. Dashboard aggregates are expensive relative
// to how often they change; a few seconds of staleness is acceptable.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	loader  Loader
	ttl     time.Duration
	now     func() time.Time // injectable clock for testing

	// OnHit and OnMiss, when set, observe cache lookups.
	OnHit  func()
	OnMiss func()
}

// NewCache wraps the loader with a TTL cache.
func NewCache(loader Loader, ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		loader:  loader,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached payload when fresh, loading through otherwise.
func (c *Cache) Get(ctx context.Context, orgID string, kind Kind) (*Dashboard, error) {
	key := orgID + "/" + string(kind)

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		if c.OnHit != nil {
			c.OnHit()
		}
		return e.payload, nil
	}
	c.mu.Unlock()

	if c.OnMiss != nil {
		c.OnMiss()
	}
	d, err := c.loader.Get(ctx, orgID, kind)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = entry{payload: d, fetchedAt: c.now()}
	c.mu.Unlock()
	return d, nil
}

// Invalidate drops the cached payload for one organization and kind.
// Called after financial-data edits so the next read is fresh.
func (c *Cache) Invalidate(orgID string, kind Kind) {
	c.mu.Lock()
	delete(c.entries, orgID+"/"+string(kind))
	c.mu.Unlock()
}
