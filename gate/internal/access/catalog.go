package access

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/amurg-ai/rolegate/gate/internal/store"
)

// Catalog is a read-through cache of server descriptors. Servers change only
// through the admin CLI, so a short TTL bounds staleness.
type Catalog struct {
	store store.Store
	cache *expirable.LRU[string, *store.Server]
}

// NewCatalog creates a Catalog holding up to size servers for ttl.
func NewCatalog(s store.Store, size int, ttl time.Duration) *Catalog {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Catalog{
		store: s,
		cache: expirable.NewLRU[string, *store.Server](size, nil, ttl),
	}
}

// Get returns the server or nil. Misses are not cached.
func (c *Catalog) Get(ctx context.Context, id string) (*store.Server, error) {
	if srv, ok := c.cache.Get(id); ok {
		return srv, nil
	}
	srv, err := c.store.GetServer(ctx, id)
	if err != nil || srv == nil {
		return nil, err
	}
	c.cache.Add(id, srv)
	return srv, nil
}

// List returns every server, bypassing the cache.
func (c *Catalog) List(ctx context.Context) ([]store.Server, error) {
	return c.store.ListServers(ctx)
}

// Invalidate drops a cached server.
func (c *Catalog) Invalidate(id string) {
	c.cache.Remove(id)
}
