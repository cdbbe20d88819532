package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datapath/datapath/pkg/types"
)

// Config represents multi-level cache configuration.
type Config struct {
	// Enabled toggles caching entirely. When false, Get always misses and
	// Set is a no-op.
	Enabled bool `yaml:"enabled"`

	// DefaultTTL applies to entries stored without an explicit TTL, in
	// both tiers.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	L1 MemoryConfig `yaml:"l1"`

	// L2Enabled toggles the disk tier. L1 works alone when false.
	L2Enabled bool       `yaml:"l2_enabled"`
	L2        DiskConfig `yaml:"l2"`
}

func (c *Config) applyDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.L1.DefaultTTL <= 0 {
		c.L1.DefaultTTL = c.DefaultTTL
	}
	if c.L2.DefaultTTL <= 0 {
		c.L2.DefaultTTL = c.DefaultTTL
	}
}

// MultiLevelCache fronts a disk cache with an in-memory LRU. Reads check L1
// first, then L2; an L2 hit is promoted into L1. Writes populate both tiers.
type MultiLevelCache struct {
	config Config
	logger *zap.Logger

	l1 *MemoryCache
	l2 *DiskCache

	mu         sync.Mutex
	l1Hits     uint64
	l2Hits     uint64
	misses     uint64
	promotions uint64
}

// NewMultiLevel creates the tiered cache. The disk tier is optional; when
// disabled the cache degrades to a plain in-memory LRU.
func NewMultiLevel(config Config, logger *zap.Logger) (*MultiLevelCache, error) {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &MultiLevelCache{
		config: config,
		logger: logger,
	}
	if !config.Enabled {
		return c, nil
	}

	c.l1 = NewMemoryCache(config.L1)
	if config.L2Enabled {
		l2, err := NewDiskCache(config.L2, logger.Named("l2"))
		if err != nil {
			c.l1.Close()
			return nil, err
		}
		c.l2 = l2
	}

	return c, nil
}

// Get looks a key up tier by tier. An L2 hit is written back into L1 so the
// next read is served from memory.
func (c *MultiLevelCache) Get(key string) ([]byte, bool) {
	if !c.config.Enabled {
		return nil, false
	}

	if value, ok := c.l1.Get(key); ok {
		c.count(&c.l1Hits)
		return value, true
	}

	if c.l2 != nil {
		if value, ok := c.l2.Get(key); ok {
			c.l1.Set(key, value, 0)
			c.mu.Lock()
			c.l2Hits++
			c.promotions++
			c.mu.Unlock()
			return value, true
		}
	}

	c.count(&c.misses)
	return nil, false
}

// Set stores a value in every enabled tier. A zero ttl uses the default.
func (c *MultiLevelCache) Set(key string, value []byte, ttl time.Duration) {
	if !c.config.Enabled || len(value) == 0 {
		return
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	c.l1.Set(key, value, ttl)
	if c.l2 != nil {
		c.l2.Set(key, value, ttl)
	}
}

// Delete removes a key from every tier.
func (c *MultiLevelCache) Delete(key string) {
	if !c.config.Enabled {
		return
	}
	c.l1.Delete(key)
	if c.l2 != nil {
		c.l2.Delete(key)
	}
}

// Stats returns combined statistics for both tiers.
func (c *MultiLevelCache) Stats() types.MultiLevelCacheStats {
	stats := types.MultiLevelCacheStats{}
	if !c.config.Enabled {
		return stats
	}

	c.mu.Lock()
	stats.L1Hits = c.l1Hits
	stats.L2Hits = c.l2Hits
	stats.Misses = c.misses
	stats.Promotions = c.promotions
	c.mu.Unlock()

	if total := stats.L1Hits + stats.L2Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.L1Hits+stats.L2Hits) / float64(total)
	}

	stats.L1 = c.l1.Stats()
	stats.Evictions = stats.L1.Evictions
	if c.l2 != nil {
		stats.L2 = c.l2.Stats()
		stats.Evictions += stats.L2.Evictions
	}
	return stats
}

// Close shuts both tiers down.
func (c *MultiLevelCache) Close() error {
	if !c.config.Enabled {
		return nil
	}
	err := c.l1.Close()
	if c.l2 != nil {
		if l2err := c.l2.Close(); err == nil {
			err = l2err
		}
	}
	return err
}

func (c *MultiLevelCache) count(counter *uint64) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
}
