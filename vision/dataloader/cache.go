package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager is an LRU cache of decoded, resized images keyed by path.
// Cached slices are shared between readers and must not be modified.
type CacheManager struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List
	maxItems int
	itemSize int // float32 elements per image; 0 accepts any size

	hits   int64
	misses int64
}

type cacheEntry struct {
	key  string
	data []float32
}

// NewCacheManager creates a cache holding at most maxItems images of
// itemSize elements each.
func NewCacheManager(maxItems int, itemSize int) *CacheManager {
	return &CacheManager{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		maxItems: maxItems,
		itemSize: itemSize,
	}
}

// Get retrieves an image from the cache
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	elem, ok := cm.entries[key]
	if !ok {
		cm.misses++
		return nil, false
	}
	cm.lru.MoveToFront(elem)
	cm.hits++
	return elem.Value.(*cacheEntry).data, true
}

// Put stores an image, evicting the least recently used entries when full.
// Images of the wrong size are rejected.
func (cm *CacheManager) Put(key string, data []float32) error {
	if cm.itemSize > 0 && len(data) != cm.itemSize {
		return fmt.Errorf("cache item %s has %d elements, expected %d", key, len(data), cm.itemSize)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.maxItems <= 0 {
		return nil
	}

	if elem, ok := cm.entries[key]; ok {
		elem.Value.(*cacheEntry).data = data
		cm.lru.MoveToFront(elem)
		return nil
	}

	cm.entries[key] = cm.lru.PushFront(&cacheEntry{key: key, data: data})
	for cm.lru.Len() > cm.maxItems {
		cm.removeElement(cm.lru.Back())
	}
	return nil
}

func (cm *CacheManager) removeElement(elem *list.Element) {
	cm.lru.Remove(elem)
	delete(cm.entries, elem.Value.(*cacheEntry).key)
}

// Len returns the number of cached images.
func (cm *CacheManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lru.Len()
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.lru.Len(),
		MaxSize: cm.maxItems,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear drops all entries. Statistics are cumulative and survive a Clear.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.entries = make(map[string]*list.Element)
	cm.lru.Init()
}

// ResetStats resets the statistics
func (cm *CacheManager) ResetStats() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hits = 0
	cm.misses = 0
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d images, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
