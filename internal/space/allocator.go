// Package space provides the per-device segment allocator the write
// pipeline draws from. Allocation failures are reported, never blocked on:
// a failed contiguous allocation is the trigger for gang-block splitting one
// layer up.
package space

import (
	"sort"
	"sync"

	"github.com/blockpool/blockpool/pkg/types"
)

// segment is a contiguous free range [start, start+size).
type segment struct {
	start int64
	size  int64
}

// Allocator hands out contiguous extents from one device, first-fit.
// All methods are safe for concurrent use.
type Allocator struct {
	mu        sync.Mutex
	free      []segment // sorted by start, coalesced
	capacity  int64
	allocated int64
}

// NewAllocator manages [0, capacity) of one device.
func NewAllocator(capacity int64) *Allocator {
	return &Allocator{
		free:     []segment{{start: 0, size: capacity}},
		capacity: capacity,
	}
}

// Alloc finds the first free extent of at least size bytes, rounded up to
// the minimum allocation granularity. ok is false when no single extent is
// large enough; the caller decides whether to gang.
func (a *Allocator) Alloc(size int64) (offset int64, ok bool) {
	size = Roundup(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.free {
		if a.free[i].size >= size {
			offset = a.free[i].start
			a.free[i].start += size
			a.free[i].size -= size
			if a.free[i].size == 0 {
				a.free = append(a.free[:i], a.free[i+1:]...)
			}
			a.allocated += size
			return offset, true
		}
	}
	return 0, false
}

// Free returns [offset, offset+size) to the free list, coalescing with
// neighbors. Size is rounded the same way Alloc rounds, so a free always
// mirrors its allocation exactly.
func (a *Allocator) Free(offset, size int64) {
	size = Roundup(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	i := sort.Search(len(a.free), func(i int) bool {
		return a.free[i].start >= offset
	})

	a.free = append(a.free, segment{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = segment{start: offset, size: size}
	a.allocated -= size

	// Coalesce with the right neighbor, then the left.
	if i+1 < len(a.free) && a.free[i].start+a.free[i].size == a.free[i+1].start {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].start+a.free[i-1].size == a.free[i].start {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// Claim marks [offset, offset+size) as allocated if the whole range is
// currently free. Used when rebuilding allocator state from surviving block
// pointers; ok is false when any part of the range is already taken.
func (a *Allocator) Claim(offset, size int64) (ok bool) {
	size = Roundup(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.free {
		s := a.free[i]
		if s.start <= offset && offset+size <= s.start+s.size {
			left := segment{start: s.start, size: offset - s.start}
			right := segment{start: offset + size, size: s.start + s.size - (offset + size)}
			repl := make([]segment, 0, 2)
			if left.size > 0 {
				repl = append(repl, left)
			}
			if right.size > 0 {
				repl = append(repl, right)
			}
			a.free = append(a.free[:i], append(repl, a.free[i+1:]...)...)
			a.allocated += size
			return true
		}
	}
	return false
}

// Allocated returns the bytes currently handed out.
func (a *Allocator) Allocated() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// Capacity returns the total bytes under management.
func (a *Allocator) Capacity() int64 {
	return a.capacity
}

// LargestFree returns the size of the largest contiguous free extent.
func (a *Allocator) LargestFree() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var largest int64
	for i := range a.free {
		if a.free[i].size > largest {
			largest = a.free[i].size
		}
	}
	return largest
}

// Roundup rounds size up to the minimum allocation granularity.
func Roundup(size int64) int64 {
	const gran = types.MinBlockSize
	return (size + gran - 1) &^ (gran - 1)
}
