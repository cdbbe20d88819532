package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/datapath/datapath/pkg/types"
)

// MemoryConfig represents L1 cache configuration.
type MemoryConfig struct {
	// MaxBytes bounds the total estimated size of cached values.
	MaxBytes int64 `yaml:"max_bytes"`

	// MaxItems bounds the entry count. Zero means no item bound.
	MaxItems int `yaml:"max_items"`

	// DefaultTTL applies to entries stored without an explicit TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// SweepInterval is the background expiry sweep period.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func (c *MemoryConfig) applyDefaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 64 * 1024 * 1024 // 64MB
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// memEntry is a single L1 cache entry.
type memEntry struct {
	key            string
	value          []byte
	size           int64
	createdAt      time.Time
	lastAccessedAt time.Time
	ttl            time.Duration
	accessCount    int64
	element        *list.Element
}

func (e *memEntry) expired(now time.Time) bool {
	if e.ttl <= 0 {
		return false
	}
	return now.Sub(e.createdAt) > e.ttl
}

// MemoryCache is a thread-safe LRU with byte and item budgets and per-entry
// TTL. The total estimated size never exceeds MaxBytes.
type MemoryCache struct {
	mu          sync.Mutex
	config      MemoryConfig
	currentSize int64
	items       map[string]*memEntry
	evictList   *list.List

	stats  types.CacheStats
	stopCh chan struct{}
	closed bool
}

// NewMemoryCache creates the L1 cache and starts its expiry sweep.
func NewMemoryCache(config MemoryConfig) *MemoryCache {
	config.applyDefaults()

	c := &MemoryCache{
		config:    config,
		items:     make(map[string]*memEntry),
		evictList: list.New(),
		stats: types.CacheStats{
			Capacity: config.MaxBytes,
		},
		stopCh: make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the cached value and refreshes its recency. Expired entries
// are removed and reported as a miss.
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	now := time.Now()
	if entry.expired(now) {
		c.removeEntry(entry, &c.stats.Expired)
		c.stats.Misses++
		return nil, false
	}

	entry.lastAccessedAt = now
	entry.accessCount++
	c.evictList.MoveToFront(entry.element)
	c.stats.Hits++

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true
}

// Set stores a value, evicting least-recently-used entries until the cache
// is back under its byte and item budgets. A zero ttl uses the default.
func (c *MemoryCache) Set(key string, value []byte, ttl time.Duration) {
	if len(value) == 0 {
		return
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.items[key]; ok {
		c.currentSize -= entry.size
		entry.value = append([]byte(nil), value...)
		entry.size = int64(len(value))
		entry.createdAt = now
		entry.lastAccessedAt = now
		entry.ttl = ttl
		c.currentSize += entry.size
		c.evictList.MoveToFront(entry.element)
		c.evictIfNeeded()
		return
	}

	entry := &memEntry{
		key:            key,
		value:          append([]byte(nil), value...),
		size:           int64(len(value)),
		createdAt:      now,
		lastAccessedAt: now,
		ttl:            ttl,
	}
	entry.element = c.evictList.PushFront(entry)
	c.items[key] = entry
	c.currentSize += entry.size

	c.evictIfNeeded()
}

// Delete removes an entry.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items[key]; ok {
		c.removeEntry(entry, nil)
	}
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Items = len(c.items)
	stats.Size = c.currentSize
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if c.config.MaxBytes > 0 {
		stats.Utilization = float64(c.currentSize) / float64(c.config.MaxBytes)
	}
	return stats
}

// Clear drops every entry.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*memEntry)
	c.evictList.Init()
	c.currentSize = 0
}

// Close stops the background sweep.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stopCh)
	return nil
}

// removeEntry unlinks an entry. Callers hold c.mu. counter, when non-nil,
// receives the removal (eviction vs expiry bookkeeping).
func (c *MemoryCache) removeEntry(entry *memEntry, counter *uint64) {
	c.evictList.Remove(entry.element)
	delete(c.items, entry.key)
	c.currentSize -= entry.size
	if counter != nil {
		*counter++
	}
}

func (c *MemoryCache) evictIfNeeded() {
	for c.currentSize > c.config.MaxBytes && c.evictList.Len() > 0 {
		c.evictOldest()
	}
	if c.config.MaxItems > 0 {
		for len(c.items) > c.config.MaxItems && c.evictList.Len() > 0 {
			c.evictOldest()
		}
	}
}

func (c *MemoryCache) evictOldest() {
	element := c.evictList.Back()
	if element == nil {
		return
	}
	c.removeEntry(element.Value.(*memEntry), &c.stats.Evictions)
}

func (c *MemoryCache) sweep() {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *MemoryCache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []*memEntry
	for _, entry := range c.items {
		if entry.expired(now) {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		c.removeEntry(entry, &c.stats.Expired)
	}
}
