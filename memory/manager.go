package memory

import (
	"fmt"
	"sort"
	"sync"
)

// BufferPool holds reusable float32 buffers of one capacity
type BufferPool struct {
	buffers    chan []float32 // Available buffers
	maxSize    int            // Pool size limit
	bufferSize int            // Capacity of every buffer in this pool
	allocated  int            // Buffers handed out and not yet returned
	mutex      sync.Mutex     // Protects allocated counter
}

// NewBufferPool creates a new buffer pool
func NewBufferPool(bufferSize int, maxSize int) *BufferPool {
	return &BufferPool{
		buffers:    make(chan []float32, maxSize),
		maxSize:    maxSize,
		bufferSize: bufferSize,
	}
}

// Get retrieves a buffer from the pool or allocates a new one
func (bp *BufferPool) Get() []float32 {
	bp.mutex.Lock()
	bp.allocated++
	bp.mutex.Unlock()

	select {
	case buffer := <-bp.buffers:
		return buffer
	default:
		return make([]float32, bp.bufferSize)
	}
}

// Return puts a buffer back into the pool. Buffers beyond the pool limit
// are left to the garbage collector.
func (bp *BufferPool) Return(buffer []float32) {
	if cap(buffer) != bp.bufferSize {
		return
	}
	bp.mutex.Lock()
	bp.allocated--
	bp.mutex.Unlock()

	select {
	case bp.buffers <- buffer[:bp.bufferSize]:
	default:
	}
}

// Stats returns pool statistics
func (bp *BufferPool) Stats() (available int, allocated int, maxSize int) {
	bp.mutex.Lock()
	defer bp.mutex.Unlock()
	return len(bp.buffers), bp.allocated, bp.maxSize
}

// Manager hands out scratch buffers from pools of tiered capacities
type Manager struct {
	pools      map[int]*BufferPool // Pools by capacity (elements)
	poolsMutex sync.RWMutex
	poolSizes  []int
}

// Default tiers in float32 elements: 4K up to 64M, ×4 per step
var defaultPoolSizes = []int{
	1 << 12, 1 << 14, 1 << 16, 1 << 18, 1 << 20, 1 << 22, 1 << 24, 1 << 26,
}

// NewManager creates a manager with the default tiers
func NewManager() *Manager {
	return &Manager{
		pools:     make(map[int]*BufferPool),
		poolSizes: defaultPoolSizes,
	}
}

// GetBuffer returns a zeroed buffer of length n
func (mm *Manager) GetBuffer(n int) []float32 {
	size := mm.findPoolSize(n)
	if size < 0 {
		return make([]float32, n)
	}
	buf := mm.getOrCreatePool(size).Get()[:n]
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// ReturnBuffer hands buf back to its pool. The caller must not use it
// afterwards.
func (mm *Manager) ReturnBuffer(buf []float32) {
	mm.poolsMutex.RLock()
	pool, exists := mm.pools[cap(buf)]
	mm.poolsMutex.RUnlock()
	if exists {
		pool.Return(buf)
	}
}

// findPoolSize finds the smallest tier that holds n elements, or -1 when n
// exceeds every tier.
func (mm *Manager) findPoolSize(n int) int {
	i := sort.SearchInts(mm.poolSizes, n)
	if i == len(mm.poolSizes) {
		return -1
	}
	return mm.poolSizes[i]
}

func (mm *Manager) getOrCreatePool(size int) *BufferPool {
	mm.poolsMutex.RLock()
	pool, exists := mm.pools[size]
	mm.poolsMutex.RUnlock()
	if exists {
		return pool
	}

	mm.poolsMutex.Lock()
	defer mm.poolsMutex.Unlock()

	// Double-check after acquiring write lock
	if pool, exists := mm.pools[size]; exists {
		return pool
	}
	pool = NewBufferPool(size, calculateMaxPoolSize(size))
	mm.pools[size] = pool
	return pool
}

// calculateMaxPoolSize determines the maximum number of idle buffers kept
// for a tier. Smaller buffers get larger pools.
func calculateMaxPoolSize(bufferSize int) int {
	switch {
	case bufferSize <= 1<<14:
		return 64
	case bufferSize <= 1<<18:
		return 32
	case bufferSize <= 1<<22:
		return 16
	default:
		return 4
	}
}

// Stats returns per-tier statistics
func (mm *Manager) Stats() map[int]string {
	mm.poolsMutex.RLock()
	defer mm.poolsMutex.RUnlock()

	stats := make(map[int]string)
	for size, pool := range mm.pools {
		available, allocated, maxSize := pool.Stats()
		stats[size] = fmt.Sprintf("available=%d, allocated=%d, max=%d", available, allocated, maxSize)
	}
	return stats
}

var (
	globalManager     *Manager
	globalManagerOnce sync.Once
)

// Global returns the process-wide scratch buffer manager
func Global() *Manager {
	globalManagerOnce.Do(func() {
		globalManager = NewManager()
	})
	return globalManager
}
