package dataloader

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheManager is an LRU cache of decoded examples keyed by their position
// in the backing store. It is safe for concurrent use and is typically
// shared by every loader that reads the same file.
type CacheManager struct {
	cache   *lru.Cache[int, []float64]
	maxSize int

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCacheManager creates a cache holding at most maxSize examples. A
// non-positive size keeps a single entry.
func NewCacheManager(maxSize int) *CacheManager {
	if maxSize < 1 {
		maxSize = 1
	}
	cache, err := lru.New[int, []float64](maxSize)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &CacheManager{cache: cache, maxSize: maxSize}
}

// Get returns the cached example. Callers must not modify it.
func (cm *CacheManager) Get(key int) ([]float64, bool) {
	if data, ok := cm.cache.Get(key); ok {
		cm.hits.Add(1)
		return data, true
	}
	cm.misses.Add(1)
	return nil, false
}

// Put stores data under key, evicting the least recently used entries.
func (cm *CacheManager) Put(key int, data []float64) {
	cm.cache.Add(key, data)
}

func (cm *CacheManager) Stats() CacheStats {
	stats := CacheStats{
		Size:    cm.cache.Len(),
		MaxSize: cm.maxSize,
		Hits:    cm.hits.Load(),
		Misses:  cm.misses.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	return stats
}

type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
