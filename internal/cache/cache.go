package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CacheEntry represents a cached item.
type CacheEntry struct {
	Data      []byte
	Metadata  map[string]string
	ExpiresAt time.Time
	storedAt  time.Time
}

// IsExpired checks if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache is an interface for caching small values such as job statuses.
type Cache interface {
	// Get retrieves a cached value.
	Get(ctx context.Context, namespace, key string) (*CacheEntry, bool)

	// Set stores a value. A zero ttl uses the cache default.
	Set(ctx context.Context, namespace, key string, data []byte, metadata map[string]string, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, namespace, key string) error

	// Clear removes all values.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// memoryCache is an in-memory implementation of Cache.
type memoryCache struct {
	mu       sync.Mutex
	entries  map[string]*CacheEntry
	size     int64
	maxSize  int64
	maxItems int
	stats    CacheStats
	ttl      time.Duration
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache(maxSize int64, maxItems int, defaultTTL time.Duration) Cache {
	return &memoryCache{
		entries:  make(map[string]*CacheEntry),
		maxSize:  maxSize,
		maxItems: maxItems,
		ttl:      defaultTTL,
	}
}

func cacheKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// Get retrieves a cached value.
func (c *memoryCache) Get(ctx context.Context, namespace, key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := cacheKey(namespace, key)
	entry, ok := c.entries[keyStr]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	if entry.IsExpired() {
		c.removeLocked(keyStr)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return entry, true
}

// Set stores a value.
func (c *memoryCache) Set(ctx context.Context, namespace, key string, data []byte, metadata map[string]string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}

	entrySize := int64(len(data))
	if entrySize > c.maxSize {
		return fmt.Errorf("entry of %d bytes exceeds cache size %d", entrySize, c.maxSize)
	}

	now := time.Now()
	entry := &CacheEntry{
		Data:      data,
		Metadata:  metadata,
		ExpiresAt: now.Add(ttl),
		storedAt:  now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := cacheKey(namespace, key)
	c.removeLocked(keyStr)
	c.evictExpiredLocked()
	c.evictForSpaceLocked(entrySize)

	c.entries[keyStr] = entry
	c.size += entrySize
	return nil
}

// Delete removes a value.
func (c *memoryCache) Delete(ctx context.Context, namespace, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(cacheKey(namespace, key))
	return nil
}

// Clear removes all values.
func (c *memoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*CacheEntry)
	c.size = 0
	c.stats = CacheStats{}
	return nil
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.size
	stats.Items = len(c.entries)
	return stats
}

// removeLocked deletes an entry (must be called with lock held).
func (c *memoryCache) removeLocked(keyStr string) {
	if entry, ok := c.entries[keyStr]; ok {
		c.size -= int64(len(entry.Data))
		delete(c.entries, keyStr)
	}
}

// evictExpiredLocked removes expired entries (must be called with lock held).
func (c *memoryCache) evictExpiredLocked() {
	for key, entry := range c.entries {
		if entry.IsExpired() {
			c.removeLocked(key)
			c.stats.Evictions++
		}
	}
}

// evictForSpaceLocked evicts the oldest entries until one more entry of
// neededSpace bytes fits (must be called with lock held).
func (c *memoryCache) evictForSpaceLocked(neededSpace int64) {
	if c.size+neededSpace <= c.maxSize && len(c.entries) < c.maxItems {
		return
	}

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].storedAt.Before(c.entries[keys[j]].storedAt)
	})

	for _, k := range keys {
		if c.size+neededSpace <= c.maxSize && len(c.entries) < c.maxItems {
			return
		}
		c.removeLocked(k)
		c.stats.Evictions++
	}
}
