package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/blockpool/pkg/types"
)

func TestBytePool_GetExactLength(t *testing.T) {
	p := NewBytePool()

	buf := p.Get(1000)
	assert.Len(t, buf, 1000)
	assert.Equal(t, 1024, cap(buf))

	p.Put(buf)
}

func TestBytePool_BucketSize(t *testing.T) {
	p := NewBytePool()

	assert.Equal(t, types.MinBlockSize, p.BucketSize(1))
	assert.Equal(t, types.MinBlockSize, p.BucketSize(types.MinBlockSize))
	assert.Equal(t, 2*types.MinBlockSize, p.BucketSize(types.MinBlockSize+1))
	assert.Equal(t, types.MaxBlockSize, p.BucketSize(types.MaxBlockSize))

	// Oversized requests bypass the buckets entirely.
	over := types.MaxBlockSize + 1
	assert.Equal(t, over, p.BucketSize(over))
	assert.Len(t, p.Get(over), over)
}

func TestBytePool_Recycles(t *testing.T) {
	p := NewBytePool()

	buf := p.Get(4096)
	for i := range buf {
		buf[i] = 0xAA
	}
	p.Put(buf)

	// A recycled slice keeps its old contents; callers must not assume
	// zeroed memory.
	again := p.Get(4096)
	assert.Equal(t, 4096, len(again))
	p.Put(again)
}

func TestData_ReleaseRunsHookOnce(t *testing.T) {
	var released int
	d := NewData(make([]byte, 64), func() { released++ })

	assert.Equal(t, 64, d.Len())
	assert.Equal(t, 1, d.Refs())

	d.Release()
	assert.Equal(t, 1, released)
}

func TestData_CloneSharesRegion(t *testing.T) {
	var released int
	backing := []byte("shared block contents")
	d := NewData(backing, func() { released++ })

	c := d.Clone()
	assert.Equal(t, 2, d.Refs())
	assert.Equal(t, backing, c.Bytes())

	d.Release()
	assert.Equal(t, 0, released, "region outlives the first handle")

	c.Release()
	assert.Equal(t, 1, released)
}

func TestData_DoubleReleasePanics(t *testing.T) {
	d := NewData(make([]byte, 8), nil)
	d.Release()
	assert.Panics(t, func() { d.Release() })
}

func TestData_BytesAfterReleasePanics(t *testing.T) {
	d := NewData(make([]byte, 8), nil)
	d.Release()
	assert.Panics(t, func() { d.Bytes() })
}

func TestData_Detach(t *testing.T) {
	var released int
	backing := make([]byte, 32)
	d := NewData(backing, func() { released++ })

	got := d.Detach()
	require.Equal(t, &backing[0], &got[0], "detach hands back the original region")
	assert.Equal(t, 0, released, "detach skips the release hook")
}

func TestData_DetachWithClonePanics(t *testing.T) {
	d := NewData(make([]byte, 8), nil)
	c := d.Clone()
	assert.Panics(t, func() { d.Detach() })
	_ = c
}
