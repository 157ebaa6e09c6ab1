package cache

import (
	"sync"
	"sync/atomic"

	"github.com/qrankd/qrankd/server/internal/rank"
)

// Cache holds the currently published mapping. The zero value is not usable;
// call New.
type Cache struct {
	current atomic.Pointer[rank.Mapping]

	mu        sync.Mutex
	onPublish []func(*rank.Mapping)
}

// New returns an empty Cache. Ready reports false until the first Publish.
func New() *Cache {
	return &Cache{}
}

// Get returns the published rank for id.
func (c *Cache) Get(id string) (uint64, bool) {
	return c.current.Load().Get(id)
}

// Lookup returns the ranks of every id present in the published mapping.
// Unknown ids are omitted. All ids are resolved against the same snapshot.
func (c *Cache) Lookup(ids []string) map[string]uint64 {
	m := c.current.Load()
	out := make(map[string]uint64, len(ids))
	for _, id := range ids {
		if r, ok := m.Get(id); ok {
			out[id] = r
		}
	}
	return out
}

// Publish makes m the mapping seen by all subsequent lookups. A nil m is
// ignored so a failed load can never blank out the last good mapping.
func (c *Cache) Publish(m *rank.Mapping) {
	if m == nil {
		return
	}
	c.current.Store(m)

	c.mu.Lock()
	hooks := c.onPublish
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(m)
	}
}

// Current returns the published mapping, or nil before the first Publish.
// The returned mapping must not be modified.
func (c *Cache) Current() *rank.Mapping {
	return c.current.Load()
}

// Ready reports whether a mapping has been published.
func (c *Cache) Ready() bool {
	return c.current.Load() != nil
}

// OnPublish registers fn to be called after every Publish. Hooks run on the
// publishing goroutine and must not block.
func (c *Cache) OnPublish(fn func(*rank.Mapping)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPublish = append(c.onPublish, fn)
}
