// Package memcache is an in-process content cache.
package memcache

import (
	"sync"
)

type Cache struct {
	mu      sync.RWMutex
	entries map[string][]byte
	// maxBytes caps the stored value total, 0 means unlimited.
	maxBytes int
	size     int
}

func New(maxBytes int) *Cache {
	return &Cache{entries: make(map[string][]byte), maxBytes: maxBytes}
}

func (c *Cache) Read(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value, ok := c.entries[key]
	return value, ok
}

// Write stores a copy of value. It refuses values that would push the cache
// over its limit.
func (c *Cache) Write(key string, value []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := c.size - len(c.entries[key]) + len(value)
	if c.maxBytes > 0 && size > c.maxBytes {
		return false
	}

	c.entries[key] = append([]byte(nil), value...)
	c.size = size
	return true
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.size -= len(c.entries[key])
	delete(c.entries, key)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
