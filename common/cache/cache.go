package cache

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/lyzr/lineage/common/logger"
)

// Cache interface for key-value storage
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryCache is an in-process TTL cache
type MemoryCache struct {
	data  map[string]*cacheEntry
	mu    sync.RWMutex
	log   *logger.Logger
	clock clock.Clock

	stop     chan struct{}
	stopOnce sync.Once
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates a new in-memory cache on the wall clock
func NewMemoryCache(log *logger.Logger) *MemoryCache {
	return NewMemoryCacheWithClock(log, clock.WallClock, time.Minute)
}

// NewMemoryCacheWithClock creates a cache whose expiry and sweep use clk
func NewMemoryCacheWithClock(log *logger.Logger, clk clock.Clock, sweepEvery time.Duration) *MemoryCache {
	c := &MemoryCache{
		data:  make(map[string]*cacheEntry),
		log:   log,
		clock: clk,
		stop:  make(chan struct{}),
	}

	go c.cleanup(sweepEvery)

	return c
}

// Get retrieves a value from cache
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.data[key]
	if !exists {
		return nil, false, nil
	}

	if !c.clock.Now().Before(entry.expiresAt) {
		return nil, false, nil
	}

	return entry.value, true, nil
}

// Set stores a value in cache with TTL
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.data == nil {
		return nil
	}
	c.data[key] = &cacheEntry{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	}

	return nil
}

// Delete removes a value from cache
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil
}

// Close stops the sweeper and drops all entries
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = nil
	c.log.Info("memory cache closed")
	return nil
}

// cleanup removes expired entries periodically
func (c *MemoryCache) cleanup(every time.Duration) {
	for {
		select {
		case <-c.stop:
			return
		case <-c.clock.After(every):
		}

		c.mu.Lock()
		now := c.clock.Now()
		for key, entry := range c.data {
			if !now.Before(entry.expiresAt) {
				delete(c.data, key)
			}
		}
		c.mu.Unlock()
	}
}

// Stats returns cache statistics
func (c *MemoryCache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"entries": len(c.data),
		"type":    "memory",
	}
}
