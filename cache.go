package muxrelay

import "sync"

// CacheEntry records the last fresh response seen for a filename.
type CacheEntry struct {
	// LastModified is the HTTP-date the origin reported, used verbatim
	// as the If-Modified-Since value on later requests.
	LastModified string
	// Content is the cached response body.
	Content []byte
}

// Cache maps a relative filename to the content and last-modified
// timestamp of the most recent 200 response observed for it. Entries
// live for the lifetime of the process; there is no eviction, TTL or
// size bound.
//
// The cache is shared mutable state across every proxy goroutine, so
// all access goes through the mutex. Stores are last-writer-wins per
// filename.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]CacheEntry)}
}

// Lookup returns the entry for filename, if one exists.
func (c *Cache) Lookup(filename string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[filename]
	return e, ok
}

// Store records a fresh response for filename, unconditionally
// overwriting any prior entry.
func (c *Cache) Store(filename, lastModified string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[filename] = CacheEntry{LastModified: lastModified, Content: content}
}

// Len reports the number of cached filenames.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
