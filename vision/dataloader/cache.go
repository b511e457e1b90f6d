package dataloader

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/vision/preprocessing"
)

// CacheManager keeps recently decoded slices in an LRU. It is safe for
// concurrent use and satisfies dataset.ImageCache.
type CacheManager struct {
	cache   *lru.Cache
	maxSize int

	// Statistics
	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding at most maxSize images
func NewCacheManager(maxSize int) (*CacheManager, error) {
	cache, err := lru.New(maxSize)
	if err != nil {
		return nil, errors.Wrapf(err, "create image cache of size %d", maxSize)
	}
	return &CacheManager{cache: cache, maxSize: maxSize}, nil
}

// Get retrieves an image from the cache
func (cm *CacheManager) Get(key string) (*preprocessing.Image, bool) {
	v, ok := cm.cache.Get(key)
	if !ok {
		atomic.AddInt64(&cm.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&cm.hits, 1)
	return v.(*preprocessing.Image), true
}

// Put adds an image, evicting the least recently used one when full
func (cm *CacheManager) Put(key string, img *preprocessing.Image) {
	cm.cache.Add(key, img)
}

// Clear empties the cache. Statistics are cumulative and survive.
func (cm *CacheManager) Clear() {
	cm.cache.Purge()
}

// ResetStats resets the statistics
func (cm *CacheManager) ResetStats() {
	atomic.StoreInt64(&cm.hits, 0)
	atomic.StoreInt64(&cm.misses, 0)
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	hits, misses := atomic.LoadInt64(&cm.hits), atomic.LoadInt64(&cm.misses)
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return CacheStats{
		Size:    cm.cache.Len(),
		MaxSize: cm.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
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
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
