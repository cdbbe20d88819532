package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestDiskCache(t *testing.T, cfg DiskConfig) *DiskCache {
	t.Helper()
	if cfg.Directory == "" {
		cfg.Directory = t.TempDir()
	}
	c, err := NewDiskCache(cfg, nil)
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDiskCacheSetGet(t *testing.T) {
	c := newTestDiskCache(t, DiskConfig{MaxBytes: 1 << 20})

	c.Set("k", []byte("persisted"), time.Minute)
	got, ok := c.Get("k")
	if !ok || !bytes.Equal(got, []byte("persisted")) {
		t.Fatalf("Get = %q, %v; want persisted, true", got, ok)
	}

	if _, ok := c.Get("absent"); ok {
		t.Error("Get on absent key reported a hit")
	}
}

func TestDiskCacheTTLExpiry(t *testing.T) {
	c := newTestDiskCache(t, DiskConfig{MaxBytes: 1 << 20, SweepInterval: time.Hour})

	c.Set("k", []byte("value"), 20*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatal("entry served after TTL")
	}
	if stats := c.Stats(); stats.Expired != 1 {
		t.Errorf("expired = %d, want 1", stats.Expired)
	}
}

func TestDiskCacheSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	first, err := NewDiskCache(DiskConfig{Directory: dir, MaxBytes: 1 << 20}, nil)
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	first.Set("k", []byte("durable"), time.Hour)
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := NewDiskCache(DiskConfig{Directory: dir, MaxBytes: 1 << 20}, nil)
	if err != nil {
		t.Fatalf("NewDiskCache after restart: %v", err)
	}
	defer second.Close()

	got, ok := second.Get("k")
	if !ok || !bytes.Equal(got, []byte("durable")) {
		t.Fatalf("entry lost across restart: %q, %v", got, ok)
	}
}

func TestDiskCacheCorruptFileDropsEntry(t *testing.T) {
	dir := t.TempDir()
	c := newTestDiskCache(t, DiskConfig{Directory: dir, MaxBytes: 1 << 20})

	c.Set("k", []byte("value"), time.Hour)
	path := filepath.Join(dir, fileNameFor("k"))
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, ok := c.Get("k"); ok {
		t.Fatal("corrupt entry served")
	}
	// Entry dropped entirely; a subsequent read is a plain miss.
	if _, ok := c.Get("k"); ok {
		t.Fatal("corrupt entry resurrected")
	}
}

func TestDiskCacheEvictsToTarget(t *testing.T) {
	c := newTestDiskCache(t, DiskConfig{
		MaxBytes:      1000,
		EvictTarget:   0.8,
		SweepInterval: time.Hour,
	})

	for i := 0; i < 12; i++ {
		c.Set(fmt.Sprintf("k%d", i), make([]byte, 100), time.Hour)
		time.Sleep(time.Millisecond) // distinct access times for LRU ordering
	}

	stats := c.Stats()
	if stats.Size > 800 {
		t.Errorf("size %d exceeds the eviction target of 800", stats.Size)
	}
	if stats.Evictions == 0 {
		t.Error("no evictions recorded despite overflow")
	}

	// The most recently written entries survive.
	if _, ok := c.Get("k11"); !ok {
		t.Error("newest entry evicted")
	}
	if _, ok := c.Get("k0"); ok {
		t.Error("oldest entry survived eviction")
	}
}

func TestDiskCacheConcurrentAccessDuringSweep(t *testing.T) {
	// Readers bump access times while the sweep sorts for eviction and
	// snapshots the index; run with -race to verify the snapshots hold.
	c := newTestDiskCache(t, DiskConfig{
		MaxBytes:      2000,
		EvictTarget:   0.8,
		SweepInterval: 5 * time.Millisecond,
	})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("k%d", (g*50+i)%10)
				c.Set(key, make([]byte, 150), time.Hour)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	if stats := c.Stats(); stats.Size > 2000 {
		t.Errorf("size %d exceeds the byte budget", stats.Size)
	}
}

func TestDiskCacheRejectsOversizedValue(t *testing.T) {
	c := newTestDiskCache(t, DiskConfig{MaxBytes: 100})

	c.Set("huge", make([]byte, 200), time.Hour)
	if _, ok := c.Get("huge"); ok {
		t.Error("value larger than the cache budget was stored")
	}
}

func TestDiskCacheDelete(t *testing.T) {
	dir := t.TempDir()
	c := newTestDiskCache(t, DiskConfig{Directory: dir, MaxBytes: 1 << 20})

	c.Set("k", []byte("value"), time.Hour)
	c.Delete("k")

	if _, ok := c.Get("k"); ok {
		t.Error("deleted entry still served")
	}
	if _, err := os.Stat(filepath.Join(dir, fileNameFor("k"))); !os.IsNotExist(err) {
		t.Error("backing file not removed on delete")
	}
}

func TestDiskCacheRequiresDirectory(t *testing.T) {
	if _, err := NewDiskCache(DiskConfig{}, nil); err == nil {
		t.Fatal("expected an error for a missing directory")
	}
}
