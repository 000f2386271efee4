// Package caching provides a generic LRU cache. No other package in
// this module imports it; diskio's rcache/pcache and the allocator's
// lookahead window keep their own state. Grounded directly on the
// teacher's lib/containers.LRUCache, which wraps
// github.com/hashicorp/golang-lru's ARC cache.
package caching

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// LRUCache is a least-recently-used(ish) cache. A zero LRUCache is
// usable and has a cache size of 128 items; use NewLRUCache to set a
// different size.
type LRUCache[K comparable, V any] struct {
	size     int
	initOnce sync.Once
	inner    *lru.ARCCache
}

func NewLRUCache[K comparable, V any](size int) *LRUCache[K, V] {
	c := &LRUCache[K, V]{size: size}
	c.init()
	return c
}

func (c *LRUCache[K, V]) init() {
	c.initOnce.Do(func() {
		size := c.size
		if size <= 0 {
			size = 128
		}
		c.inner, _ = lru.NewARC(size)
	})
}

func (c *LRUCache[K, V]) Add(key K, value V) {
	c.init()
	c.inner.Add(key, value)
}

func (c *LRUCache[K, V]) Contains(key K) bool {
	c.init()
	return c.inner.Contains(key)
}

func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.init()
	raw, ok := c.inner.Get(key)
	if ok {
		value = raw.(V)
	}
	return value, ok
}

func (c *LRUCache[K, V]) Keys() []K {
	c.init()
	untyped := c.inner.Keys()
	typed := make([]K, len(untyped))
	for i := range untyped {
		typed[i] = untyped[i].(K)
	}
	return typed
}

func (c *LRUCache[K, V]) Len() int {
	c.init()
	return c.inner.Len()
}

func (c *LRUCache[K, V]) Purge() {
	c.init()
	c.inner.Purge()
}

func (c *LRUCache[K, V]) Remove(key K) {
	c.init()
	c.inner.Remove(key)
}
