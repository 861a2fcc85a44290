// Package cache provides small TTL caches backed by ristretto.
package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dgraph-io/ristretto/v2/z"
)

// TTL is a bounded cache whose entries expire after a fixed duration.
// Every entry costs 1, so maxItems bounds the entry count.
type TTL[K z.Key, V any] struct {
	c        *ristretto.Cache[K, V]
	ttl      time.Duration
	onLookup func(hit bool)
}

// NewTTL creates a cache holding up to maxItems entries for ttl each.
func NewTTL[K z.Key, V any](maxItems int64, ttl time.Duration) (*TTL[K, V], error) {
	c, err := ristretto.NewCache(&ristretto.Config[K, V]{
		NumCounters:        max(10*maxItems, 100),
		MaxCost:            maxItems,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &TTL[K, V]{c: c, ttl: ttl}, nil
}

// OnLookup registers a hook told about every Get.
func (t *TTL[K, V]) OnLookup(fn func(hit bool)) {
	t.onLookup = fn
}

// Get returns the cached value for key.
func (t *TTL[K, V]) Get(key K) (V, bool) {
	v, ok := t.c.Get(key)
	if t.onLookup != nil {
		t.onLookup(ok)
	}
	return v, ok
}

// Set stores value under key and waits until it is visible to Get.
func (t *TTL[K, V]) Set(key K, value V) {
	t.c.SetWithTTL(key, value, 1, t.ttl)
	t.c.Wait()
}

// Del removes key.
func (t *TTL[K, V]) Del(key K) {
	t.c.Del(key)
}

// TTL returns the entry lifetime.
func (t *TTL[K, V]) TTL() time.Duration {
	return t.ttl
}

// Close releases the cache.
func (t *TTL[K, V]) Close() {
	t.c.Close()
}
