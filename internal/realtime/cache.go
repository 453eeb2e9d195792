package realtime

import "sync"

// Cache is a read-through view of an authoritative snapshot with local
// optimistic overrides on top. An override stays visible until a snapshot
// agrees with it or it is rolled back, so the view may diverge from the
// authority in between.
type Cache[K comparable, V any] struct {
	mu            sync.RWMutex
	authoritative map[K]V
	pending       map[K]V
	equal         func(a, b V) bool
}

// NewCache builds an empty cache. equal decides when an authoritative value
// confirms a pending override.
func NewCache[K comparable, V any](equal func(a, b V) bool) *Cache[K, V] {
	return &Cache[K, V]{
		authoritative: make(map[K]V),
		pending:       make(map[K]V),
		equal:         equal,
	}
}

// Reconcile replaces the authoritative snapshot and clears every override the
// snapshot confirms.
func (c *Cache[K, V]) Reconcile(snapshot map[K]V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authoritative = make(map[K]V, len(snapshot))
	for k, v := range snapshot {
		c.authoritative[k] = v
	}
	for k, want := range c.pending {
		if got, ok := c.authoritative[k]; ok && c.equal(got, want) {
			delete(c.pending, k)
		}
	}
}

func (c *Cache[K, V]) SetOptimistic(k K, v V) {
	c.mu.Lock()
	c.pending[k] = v
	c.mu.Unlock()
}

// Rollback drops the override for k, exposing the authoritative value again.
func (c *Cache[K, V]) Rollback(k K) {
	c.mu.Lock()
	delete(c.pending, k)
	c.mu.Unlock()
}

func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.pending[k]; ok {
		return v, true
	}
	v, ok := c.authoritative[k]
	return v, ok
}

func (c *Cache[K, V]) Authoritative(k K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.authoritative[k]
	return v, ok
}

func (c *Cache[K, V]) Pending(k K) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.pending[k]
	return ok
}

// View returns the authoritative snapshot with overrides applied.
func (c *Cache[K, V]) View() map[K]V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[K]V, len(c.authoritative)+len(c.pending))
	for k, v := range c.authoritative {
		out[k] = v
	}
	for k, v := range c.pending {
		out[k] = v
	}
	return out
}
