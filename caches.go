package dbusmsg

import (
	"errors"
	"sync"
)

var errNotFound = errors.New("cache entry not found")

// cache is a concurrency-safe memo of per-key results, including
// failed results.
type cache[K comparable, V any] struct {
	m sync.Map
}

type cacheEntry[V any] struct {
	val V
	err error
}

// Get returns the cached value for k. If k has no entry, Get returns
// errNotFound.
func (c *cache[K, V]) Get(k K) (V, error) {
	ent, ok := c.m.Load(k)
	if !ok {
		var zero V
		return zero, errNotFound
	}
	e := ent.(cacheEntry[V])
	return e.val, e.err
}

// Set caches v as the value for k.
func (c *cache[K, V]) Set(k K, v V) {
	c.m.Store(k, cacheEntry[V]{val: v})
}

// SetErr caches err as the result for k.
func (c *cache[K, V]) SetErr(k K, err error) {
	c.m.Store(k, cacheEntry[V]{err: err})
}
