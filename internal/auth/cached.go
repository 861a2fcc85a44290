package auth

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// CacheObserver is told about each cached key lookup.
type CacheObserver func(hit bool)

// CachedKeyStore is a read-through cache in front of another SignalKeyStore.
// Entries absent from the inner store are not cached.
type CachedKeyStore struct {
	inner    SignalKeyStore
	cache    *ristretto.Cache[string, []byte]
	observer CacheObserver
}

// NewCachedKeyStore wraps inner with a cache bounded to maxBytes of payload.
func NewCachedKeyStore(inner SignalKeyStore, maxBytes int64, observer CacheObserver) (*CachedKeyStore, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(10*(maxBytes/64), 1000),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create key cache: %w", err)
	}
	return &CachedKeyStore{inner: inner, cache: cache, observer: observer}, nil
}

func (c *CachedKeyStore) Get(ctx context.Context, category string, ids []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(ids))
	var misses []string
	for _, id := range ids {
		if payload, ok := c.cache.Get(KeyName(category, id)); ok {
			result[id] = payload
			c.observe(true)
			continue
		}
		c.observe(false)
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return result, nil
	}

	fetched, err := c.inner.Get(ctx, category, misses)
	if err != nil {
		return nil, err
	}
	for id, payload := range fetched {
		result[id] = payload
		if payload != nil {
			c.cache.Set(KeyName(category, id), payload, int64(len(payload)))
		}
	}
	c.cache.Wait()
	return result, nil
}

func (c *CachedKeyStore) Set(ctx context.Context, data KeyData) error {
	// Evict first so a failed write never leaves a stale entry behind.
	for category, entries := range data {
		for id := range entries {
			c.cache.Del(KeyName(category, id))
		}
	}
	if err := c.inner.Set(ctx, data); err != nil {
		return err
	}
	for category, entries := range data {
		for id, payload := range entries {
			if len(payload) > 0 {
				c.cache.Set(KeyName(category, id), payload, int64(len(payload)))
			}
		}
	}
	c.cache.Wait()
	return nil
}

// Close releases the cache.
func (c *CachedKeyStore) Close() {
	c.cache.Close()
}

func (c *CachedKeyStore) observe(hit bool) {
	if c.observer != nil {
		c.observer(hit)
	}
}
