package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDVA_String(t *testing.T) {
	d := DVA{Vdev: 2, Offset: 0x1000, Asize: 0x200}
	assert.Equal(t, "<2:1000:200>", d.String())

	d.Gang = true
	assert.Equal(t, "<2:1000:200g>", d.String())
}

func TestDVA_IsEmpty(t *testing.T) {
	assert.True(t, DVA{}.IsEmpty())
	assert.False(t, DVA{Asize: 512}.IsEmpty())
}

func TestBlockPointer_IsHole(t *testing.T) {
	var bp BlockPointer
	assert.True(t, bp.IsHole())
	assert.Equal(t, "<hole>", bp.String())

	bp.NDVAs = 1
	bp.DVAs[0] = DVA{Offset: 512, Asize: 512}
	assert.False(t, bp.IsHole())
}

func TestBlockPointer_IsGang(t *testing.T) {
	var bp BlockPointer
	assert.False(t, bp.IsGang(), "a hole is not a gang")

	bp.NDVAs = 1
	bp.DVAs[0] = DVA{Asize: 512}
	assert.False(t, bp.IsGang())

	bp.DVAs[0].Gang = true
	assert.True(t, bp.IsGang())
}

func TestBlockPointer_PhysicalSize(t *testing.T) {
	var bp BlockPointer
	assert.Equal(t, uint64(0), bp.PhysicalSize())

	bp.NDVAs = 2
	bp.DVAs[0] = DVA{Asize: 4096}
	bp.DVAs[1] = DVA{Vdev: 1, Asize: 4096}
	// The unused third slot never contributes.
	bp.DVAs[2] = DVA{Asize: 99999}
	assert.Equal(t, uint64(8192), bp.PhysicalSize())
}

func TestChecksum_Equal(t *testing.T) {
	a := Checksum{1, 2, 3, 4}
	b := Checksum{1, 2, 3, 4}
	c := Checksum{1, 2, 3, 5}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestPriority_String(t *testing.T) {
	names := map[Priority]string{
		PrioritySyncRead:   "sync_read",
		PrioritySyncWrite:  "sync_write",
		PriorityAsyncRead:  "async_read",
		PriorityAsyncWrite: "async_write",
		PriorityScrub:      "scrub",
		PriorityTrim:       "trim",
		PriorityNow:        "now",
	}
	for p, want := range names {
		assert.Equal(t, want, p.String())
	}
	assert.Equal(t, "unknown", Priority(99).String())
}

func TestPriority_QueueableOrdering(t *testing.T) {
	// Every queueable class sits below the tracked count; the cut-ahead
	// class sits above it so queue code can index arrays by class.
	for p := PrioritySyncRead; p < NumQueueablePriorities; p++ {
		assert.Less(t, int(p), int(NumQueueablePriorities))
	}
	assert.Greater(t, int(PriorityNow), int(NumQueueablePriorities))
}

func TestKindStrings(t *testing.T) {
	assert.Equal(t, "off", ChecksumOff.String())
	assert.Equal(t, "xxhash64", ChecksumXXHash64.String())
	assert.Equal(t, "sha256", ChecksumSHA256.String())
	assert.Equal(t, "off", CompressOff.String())
	assert.Equal(t, "s2", CompressS2.String())
	assert.Equal(t, "zstd", CompressZstd.String())
	assert.Equal(t, "empty", CompressEmpty.String())
	assert.Equal(t, "metadata", BlockTypeMetadata.String())
	assert.Equal(t, "data", BlockTypeData.String())
}
