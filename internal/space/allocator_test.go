package space

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_FirstFit(t *testing.T) {
	a := NewAllocator(1 << 20)

	off1, ok := a.Alloc(4096)
	require.True(t, ok)
	assert.Equal(t, int64(0), off1)

	off2, ok := a.Alloc(4096)
	require.True(t, ok)
	assert.Equal(t, int64(4096), off2)

	assert.Equal(t, int64(8192), a.Allocated())
	assert.Equal(t, int64(1<<20), a.Capacity())
}

func TestAllocator_RoundsToGranularity(t *testing.T) {
	a := NewAllocator(1 << 20)

	_, ok := a.Alloc(100)
	require.True(t, ok)
	assert.Equal(t, int64(512), a.Allocated())

	a.Free(0, 100)
	assert.Equal(t, int64(0), a.Allocated())
}

func TestAllocator_ExhaustsCapacity(t *testing.T) {
	a := NewAllocator(8192)

	_, ok := a.Alloc(8192)
	require.True(t, ok)

	_, ok = a.Alloc(512)
	assert.False(t, ok)
}

func TestAllocator_FreeCoalesces(t *testing.T) {
	a := NewAllocator(1 << 20)

	off1, _ := a.Alloc(4096)
	off2, _ := a.Alloc(4096)
	off3, _ := a.Alloc(4096)

	// Free the middle, then both neighbors. The three ranges must merge
	// back into one extent large enough for a single 12KB allocation.
	a.Free(off2, 4096)
	a.Free(off1, 4096)
	a.Free(off3, 4096)
	assert.Equal(t, int64(0), a.Allocated())
	assert.Equal(t, int64(1<<20), a.LargestFree())
}

func TestAllocator_FragmentationLimitsLargestFree(t *testing.T) {
	a := NewAllocator(16384)

	var offs []int64
	for {
		off, ok := a.Alloc(4096)
		if !ok {
			break
		}
		offs = append(offs, off)
	}
	require.Len(t, offs, 4)

	a.Free(offs[0], 4096)
	a.Free(offs[2], 4096)

	assert.Equal(t, int64(4096), a.LargestFree())
	_, ok := a.Alloc(8192)
	assert.False(t, ok, "no contiguous extent of 8KB after alternating frees")
}

func TestAllocator_Claim(t *testing.T) {
	a := NewAllocator(1 << 20)

	require.True(t, a.Claim(8192, 4096))
	assert.Equal(t, int64(4096), a.Allocated())

	// Overlapping claims conflict.
	assert.False(t, a.Claim(8192, 4096))
	assert.False(t, a.Claim(10240, 4096))

	// The split halves around the claim remain allocatable.
	off, ok := a.Alloc(8192)
	require.True(t, ok)
	assert.Equal(t, int64(0), off)

	a.Free(8192, 4096)
	assert.True(t, a.Claim(8192, 4096))
}

func TestRoundup(t *testing.T) {
	assert.Equal(t, int64(0), Roundup(0))
	assert.Equal(t, int64(512), Roundup(1))
	assert.Equal(t, int64(512), Roundup(512))
	assert.Equal(t, int64(1024), Roundup(513))
}
