package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// Cache is a bounded, thread-safe in-memory cache whose entries expire a fixed
// duration after they were written. It backs probe results and provider
// listings, both of which are cheap to recompute but slow to fetch.
type Cache[K comparable, V any] struct {
	store    *otter.Cache[K, V] // otter store with size bound and write-based expiry
	duration time.Duration      // lifetime of each entry
}

// New creates a cache holding at most size entries, each valid for duration.
//
// Parameters:
//   - size: maximum number of entries before eviction
//   - duration: how long entries are considered valid after they are set
func New[K comparable, V any](size int, duration time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		store: otter.Must(&otter.Options[K, V]{
			MaximumSize:      size,
			ExpiryCalculator: otter.ExpiryWriting[K, V](duration),
		}),
		duration: duration,
	}
}

// Get returns the cached value and true, or the zero value and false when the
// key is missing or expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.store.GetIfPresent(key)
}

// Set stores value under key, restarting its expiry clock.
func (c *Cache[K, V]) Set(key K, value V) {
	c.store.Set(key, value)
}

// Delete drops a single key.
func (c *Cache[K, V]) Delete(key K) {
	c.store.Invalidate(key)
}

// Clear drops every entry.
func (c *Cache[K, V]) Clear() {
	c.store.InvalidateAll()
}

// Len returns the approximate number of live entries.
func (c *Cache[K, V]) Len() int {
	return c.store.EstimatedSize()
}

// Duration returns the configured entry lifetime.
func (c *Cache[K, V]) Duration() time.Duration {
	return c.duration
}
