package dataloader

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func item(v float32, n int) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = v
	}
	return data
}

func TestCacheManagerBasicOperations(t *testing.T) {
	cm := NewCacheManager(5, 4)

	if data, ok := cm.Get("missing"); ok || data != nil {
		t.Error("Get should return false and nil for a missing key")
	}

	if err := cm.Put("a", item(1, 4)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	data, ok := cm.Get("a")
	if !ok || data[0] != 1 {
		t.Errorf("Expected cached value, got %v (%v)", data, ok)
	}

	stats := cm.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.HitRate != 50 {
		t.Errorf("Expected hit rate 50, got %v", stats.HitRate)
	}
}

func TestCacheManagerRejectsWrongSize(t *testing.T) {
	cm := NewCacheManager(5, 4)
	if err := cm.Put("a", item(1, 3)); err == nil {
		t.Error("Expected error for wrong item size")
	}
	if cm.Len() != 0 {
		t.Errorf("Expected empty cache, got %d", cm.Len())
	}
}

func TestCacheManagerLRUEviction(t *testing.T) {
	cm := NewCacheManager(3, 0)
	for i := 0; i < 3; i++ {
		cm.Put(fmt.Sprintf("k%d", i), item(float32(i), 2))
	}

	// Touch k0 so k1 becomes the least recently used.
	cm.Get("k0")
	cm.Put("k3", item(3, 2))

	if cm.Len() != 3 {
		t.Errorf("Expected 3 items, got %d", cm.Len())
	}
	if _, ok := cm.Get("k1"); ok {
		t.Error("k1 should have been evicted")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, ok := cm.Get(k); !ok {
			t.Errorf("%s should still be cached", k)
		}
	}
}

func TestCacheManagerPutExisting(t *testing.T) {
	cm := NewCacheManager(2, 0)
	cm.Put("a", item(1, 1))
	cm.Put("b", item(2, 1))
	cm.Put("a", item(5, 1))
	cm.Put("c", item(3, 1))

	if data, ok := cm.Get("a"); !ok || data[0] != 5 {
		t.Errorf("Expected updated a, got %v (%v)", data, ok)
	}
	if _, ok := cm.Get("b"); ok {
		t.Error("b should have been evicted")
	}
}

func TestCacheManagerZeroCapacity(t *testing.T) {
	cm := NewCacheManager(0, 0)
	cm.Put("a", item(1, 1))
	if cm.Len() != 0 {
		t.Errorf("Expected nothing cached, got %d", cm.Len())
	}
}

func TestCacheManagerClearKeepsStats(t *testing.T) {
	cm := NewCacheManager(4, 0)
	cm.Put("a", item(1, 1))
	cm.Get("a")
	cm.Get("b")
	cm.Clear()

	if cm.Len() != 0 {
		t.Errorf("Expected empty cache after Clear, got %d", cm.Len())
	}
	stats := cm.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Stats should survive Clear: %+v", stats)
	}

	cm.ResetStats()
	if stats := cm.Stats(); stats.Hits != 0 || stats.Misses != 0 || stats.HitRate != 0 {
		t.Errorf("Expected zeroed stats, got %+v", stats)
	}
}

func TestCacheManagerConcurrency(t *testing.T) {
	cm := NewCacheManager(50, 0)
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*7+i)%80)
				if _, ok := cm.Get(key); !ok {
					cm.Put(key, item(float32(i), 2))
				}
			}
		}(g)
	}
	wg.Wait()

	if cm.Len() > 50 {
		t.Errorf("Cache exceeded capacity: %d", cm.Len())
	}
	stats := cm.Stats()
	if stats.Hits+stats.Misses != 8*200 {
		t.Errorf("Expected %d lookups, got %d", 8*200, stats.Hits+stats.Misses)
	}
}

func TestCacheStatsString(t *testing.T) {
	s := CacheStats{Size: 2, MaxSize: 10, Hits: 3, Misses: 1, HitRate: 75}.String()
	if !strings.Contains(s, "2/10 images") || !strings.Contains(s, "75.0%") {
		t.Errorf("Unexpected stats string: %s", s)
	}
}
