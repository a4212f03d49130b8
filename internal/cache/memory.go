package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultQuerySweep = time.Minute

// MemoryCache is the in-process query cache used when redis is disabled.
// A background sweep reaps expired entries; reads treat an expired entry
// as a miss regardless of sweep timing.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	stop     chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt int64 // unix nanoseconds
}

// NewMemoryCache creates a memory cache with the default sweep cadence.
func NewMemoryCache() *MemoryCache {
	return NewMemoryCacheWithSweep(defaultQuerySweep)
}

// NewMemoryCacheWithSweep creates a memory cache whose expired entries are
// reaped every interval.
func NewMemoryCacheWithSweep(interval time.Duration) *MemoryCache {
	if interval <= 0 {
		interval = defaultQuerySweep
	}
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	go c.sweep(interval)
	return c
}

// Get returns the value for key, or ErrCacheMiss when absent or expired.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().UnixNano() >= e.expiresAt {
		return nil, ErrCacheMiss
	}
	return e.value, nil
}

// Set stores value under key for ttl.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl).UnixNano()}
	c.mu.Unlock()
	return nil
}

// Delete removes one key.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// DeletePrefix removes every key beginning with prefix. Used to drop a
// node's (or one study's) cached query results in one call.
func (c *MemoryCache) DeletePrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now().UnixNano()
			c.mu.Lock()
			for key, e := range c.entries {
				if now >= e.expiresAt {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}
