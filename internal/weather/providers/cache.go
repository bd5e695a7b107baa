package providers

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultCacheSize = 256

// ResponseCache holds raw upstream bodies keyed by the full request URL, so
// an entry can only ever answer the exact feature set and time range it was
// fetched for. Safe for concurrent use. A nil *ResponseCache is a no-op.
type ResponseCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewResponseCache returns a cache whose entries expire after ttl. A
// non-positive ttl disables caching and returns nil.
func NewResponseCache(size int, ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		return nil
	}
	if size <= 0 {
		size = defaultCacheSize
	}
	return &ResponseCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Get returns the cached body for key.
func (c *ResponseCache) Get(key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(key)
}

// Add stores body under key.
func (c *ResponseCache) Add(key string, body []byte) {
	if c == nil {
		return
	}
	c.lru.Add(key, body)
}

// Remove evicts key.
func (c *ResponseCache) Remove(key string) {
	if c == nil {
		return
	}
	c.lru.Remove(key)
}

// Len returns the number of live entries.
func (c *ResponseCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
