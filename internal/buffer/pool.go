// Package buffer provides the pooled block memory of the engine: a
// size-bucketed byte pool that bounds allocator churn, and the
// reference-counted data handles the cache hands to its consumers.
package buffer

import (
	"sync"

	"github.com/blockpool/blockpool/pkg/types"
)

// BytePool provides object pooling for block-sized byte slices to reduce GC
// pressure. Buckets are the power-of-two block sizes the pool handles.
type BytePool struct {
	pools map[int]*sync.Pool
	sizes []int
	mu    sync.RWMutex
}

// NewBytePool creates a new byte pool with one bucket per valid block size.
func NewBytePool() *BytePool {
	var sizes []int
	for shift := types.MinBlockShift; shift <= types.MaxBlockShift; shift++ {
		sizes = append(sizes, 1<<shift)
	}

	pools := make(map[int]*sync.Pool)
	for _, size := range sizes {
		size := size
		pools[size] = &sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		}
	}

	return &BytePool{
		pools: pools,
		sizes: sizes,
	}
}

// Get retrieves a byte slice of exactly the specified length, backed by the
// smallest bucket that can accommodate it.
func (p *BytePool) Get(size int) []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, bucketSize := range p.sizes {
		if bucketSize >= size {
			if pool, exists := p.pools[bucketSize]; exists {
				buf := pool.Get().([]byte)
				return buf[:size]
			}
		}
	}

	// Oversized request; allocate directly.
	return make([]byte, size)
}

// Put returns a byte slice to the pool for reuse. Slices whose capacity does
// not match a bucket are left to the garbage collector.
func (p *BytePool) Put(buf []byte) {
	if buf == nil {
		return
	}

	capacity := cap(buf)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if pool, exists := p.pools[capacity]; exists {
		buf = buf[:capacity]
		// nolint:staticcheck // SA6002: sync.Pool.Put requires interface{}, slice allocation is expected
		pool.Put(buf)
	}
}

// BucketSize returns the bucket capacity that would back a request of the
// given size, or size itself when no bucket fits. Two requests with the same
// bucket size can recycle each other's memory directly.
func (p *BytePool) BucketSize(size int) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, bucketSize := range p.sizes {
		if bucketSize >= size {
			return bucketSize
		}
	}
	return size
}
