// Package cache is a small TTL cache used to keep remote instance reads
// (workflows, events, version lookups) from hammering the upstream APIs.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache wraps an expiring LRU. Values for one logical resource share a key
// prefix so a write can invalidate every derived read at once.
type Cache[V any] struct {
	lru *expirable.LRU[string, V]
}

func New[V any](size int, ttl time.Duration) *Cache[V] {
	return &Cache[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

// Key builds a cache key from a resource and its parameters.
func Key(resource string, params ...string) string {
	if len(params) == 0 {
		return resource
	}
	return resource + ":" + strings.Join(params, ":")
}

// GetOrFetch returns the cached value for key, calling fetch on a miss and
// storing the result. Fetch errors are returned and never cached.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (V, error)) (V, error) {
	if value, ok := c.lru.Get(key); ok {
		return value, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		var zero V
		return zero, err
	}

	c.lru.Add(key, value)
	return value, nil
}

// Invalidate drops the exact key.
func (c *Cache[V]) Invalidate(key string) {
	c.lru.Remove(key)
}

// InvalidatePrefix drops every key under a resource prefix, e.g. all cached
// reads for one instance after it is updated.
func (c *Cache[V]) InvalidatePrefix(prefix string) {
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}
