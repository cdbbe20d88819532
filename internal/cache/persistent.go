package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datapath/datapath/pkg/errors"
	"github.com/datapath/datapath/pkg/types"
)

// DiskConfig represents L2 cache configuration.
type DiskConfig struct {
	// Directory holds the cache files and index.
	Directory string `yaml:"directory"`

	// MaxBytes bounds the total size of cached files on disk.
	MaxBytes int64 `yaml:"max_bytes"`

	// DefaultTTL applies to entries stored without an explicit TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// SweepInterval is the background expiry and eviction sweep period.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// EvictTarget is the fraction of MaxBytes the eviction sweep trims
	// down to once the budget is exceeded.
	EvictTarget float64 `yaml:"evict_target"`
}

func (c *DiskConfig) applyDefaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 1024 * 1024 * 1024 // 1GB
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.EvictTarget <= 0 || c.EvictTarget > 1 {
		c.EvictTarget = 0.8
	}
}

// diskRecord is the index entry for one cached file.
type diskRecord struct {
	Key            string    `json:"key"`
	File           string    `json:"file"`
	Size           int64     `json:"size"`
	Checksum       string    `json:"checksum"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	TTL            int64     `json:"ttl_ns"`
}

func (r *diskRecord) expired(now time.Time) bool {
	if r.TTL <= 0 {
		return false
	}
	return now.Sub(r.CreatedAt) > time.Duration(r.TTL)
}

// DiskCache is a persistent cache storing one file per entry under a
// directory, with a JSON index that survives restarts. File I/O happens
// outside the index lock so slow disks never stall readers of other keys.
type DiskCache struct {
	config DiskConfig
	logger *zap.Logger

	mu          sync.RWMutex
	index       map[string]*diskRecord
	currentSize int64
	stats       types.CacheStats

	stopCh  chan struct{}
	stopped chan struct{}
	closed  bool
}

const indexFileName = "index.json"

// NewDiskCache opens (or creates) the cache directory, loads the index of a
// previous run if present, and starts the background sweep.
func NewDiskCache(config DiskConfig, logger *zap.Logger) (*DiskCache, error) {
	config.applyDefaults()
	if config.Directory == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "disk cache directory not set").
			WithComponent("cache")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(config.Directory, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCache, "failed to create cache directory", err).
			WithComponent("cache").WithDetail("directory", config.Directory)
	}

	c := &DiskCache{
		config:  config,
		logger:  logger,
		index:   make(map[string]*diskRecord),
		stats:   types.CacheStats{Capacity: config.MaxBytes},
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}

	if err := c.loadIndex(); err != nil {
		// A corrupt index means starting cold, not failing startup.
		c.logger.Warn("disk cache index unreadable, starting empty", zap.Error(err))
		c.index = make(map[string]*diskRecord)
		c.currentSize = 0
	}

	go c.sweep()

	return c, nil
}

// Get reads a cached value from disk. Any read or checksum failure drops the
// entry and reports a miss.
func (c *DiskCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	record, ok := c.index[key]
	if !ok {
		c.mu.RUnlock()
		c.countMiss()
		return nil, false
	}
	if record.expired(time.Now()) {
		c.mu.RUnlock()
		c.remove(key, &c.stats.Expired)
		c.countMiss()
		return nil, false
	}
	path := filepath.Join(c.config.Directory, record.File)
	checksum := record.Checksum
	c.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn("disk cache read failed, dropping entry",
			zap.String("key", key), zap.Error(err))
		c.remove(key, &c.stats.Evictions)
		c.countMiss()
		return nil, false
	}
	if sum := hashChecksum(data); sum != checksum {
		c.logger.Warn("disk cache checksum mismatch, dropping entry",
			zap.String("key", key))
		c.remove(key, &c.stats.Evictions)
		c.countMiss()
		return nil, false
	}

	c.mu.Lock()
	if record, ok := c.index[key]; ok {
		record.LastAccessedAt = time.Now()
	}
	c.stats.Hits++
	c.mu.Unlock()

	return data, true
}

// Set writes a value to disk and records it in the index. A zero ttl uses
// the default. Write failures are logged and dropped; the caller always has
// the authoritative value in hand.
func (c *DiskCache) Set(key string, value []byte, ttl time.Duration) {
	if len(value) == 0 {
		return
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	if int64(len(value)) > c.config.MaxBytes {
		return
	}

	file := fileNameFor(key)
	path := filepath.Join(c.config.Directory, file)

	// Write-then-rename so readers never see a partial file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		c.logger.Warn("disk cache write failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		c.logger.Warn("disk cache rename failed", zap.String("key", key), zap.Error(err))
		_ = os.Remove(tmp)
		return
	}

	now := time.Now()
	record := &diskRecord{
		Key:            key,
		File:           file,
		Size:           int64(len(value)),
		Checksum:       hashChecksum(value),
		CreatedAt:      now,
		LastAccessedAt: now,
		TTL:            int64(ttl),
	}

	c.mu.Lock()
	if old, ok := c.index[key]; ok {
		c.currentSize -= old.Size
	}
	c.index[key] = record
	c.currentSize += record.Size
	over := c.currentSize > c.config.MaxBytes
	c.mu.Unlock()

	if over {
		c.evictToTarget()
	}
}

// Delete removes an entry and its file.
func (c *DiskCache) Delete(key string) {
	c.remove(key, nil)
}

// Stats returns cache statistics.
func (c *DiskCache) Stats() types.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.Items = len(c.index)
	stats.Size = c.currentSize
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if c.config.MaxBytes > 0 {
		stats.Utilization = float64(c.currentSize) / float64(c.config.MaxBytes)
	}
	return stats
}

// Close stops the sweep and persists the index for the next run.
func (c *DiskCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.stopped

	return c.saveIndex()
}

func (c *DiskCache) countMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}

// remove deletes an entry from the index and its file from disk. counter,
// when non-nil, receives the removal.
func (c *DiskCache) remove(key string, counter *uint64) {
	c.mu.Lock()
	record, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.index, key)
	c.currentSize -= record.Size
	if counter != nil {
		*counter++
	}
	path := filepath.Join(c.config.Directory, record.File)
	c.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("disk cache file removal failed",
			zap.String("key", key), zap.Error(err))
	}
}

// evictToTarget trims the cache down to EvictTarget of the byte budget,
// dropping least-recently-accessed entries first.
func (c *DiskCache) evictToTarget() {
	target := int64(float64(c.config.MaxBytes) * c.config.EvictTarget)

	c.mu.Lock()
	if c.currentSize <= target {
		c.mu.Unlock()
		return
	}
	// Snapshot key + access time under the lock; Get bumps LastAccessedAt
	// on the shared records, so the pointers must not be read unlocked.
	type victim struct {
		key  string
		last time.Time
	}
	victims := make([]victim, 0, len(c.index))
	for _, r := range c.index {
		victims = append(victims, victim{key: r.Key, last: r.LastAccessedAt})
	}
	c.mu.Unlock()

	sort.Slice(victims, func(i, j int) bool {
		return victims[i].last.Before(victims[j].last)
	})

	for _, v := range victims {
		c.mu.RLock()
		done := c.currentSize <= target
		c.mu.RUnlock()
		if done {
			return
		}
		c.remove(v.key, &c.stats.Evictions)
	}
}

func (c *DiskCache) sweep() {
	defer close(c.stopped)

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepExpired()
			c.evictToTarget()
			if err := c.saveIndex(); err != nil {
				c.logger.Warn("disk cache index save failed", zap.Error(err))
			}
		}
	}
}

func (c *DiskCache) sweepExpired() {
	now := time.Now()

	c.mu.RLock()
	var expired []string
	for key, record := range c.index {
		if record.expired(now) {
			expired = append(expired, key)
		}
	}
	c.mu.RUnlock()

	for _, key := range expired {
		c.remove(key, &c.stats.Expired)
	}
}

func (c *DiskCache) loadIndex() error {
	path := filepath.Join(c.config.Directory, indexFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var records []*diskRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}

	now := time.Now()
	for _, r := range records {
		if r.expired(now) {
			_ = os.Remove(filepath.Join(c.config.Directory, r.File))
			continue
		}
		if _, err := os.Stat(filepath.Join(c.config.Directory, r.File)); err != nil {
			continue
		}
		c.index[r.Key] = r
		c.currentSize += r.Size
	}
	return nil
}

func (c *DiskCache) saveIndex() error {
	// Copy the records while holding the lock; marshaling the live pointers
	// would race with Get's access-time updates.
	c.mu.RLock()
	records := make([]diskRecord, 0, len(c.index))
	for _, r := range c.index {
		records = append(records, *r)
	}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(c.config.Directory, indexFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// fileNameFor derives a stable, filesystem-safe file name from a cache key.
func fileNameFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16]) + ".dat"
}

func hashChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:8])
}
