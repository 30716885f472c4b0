package types

import (
	"fmt"
)

// SizeShift constants bound the block sizes the pool will handle. Blocks are
// powers of two between MinBlockSize and MaxBlockSize.
const (
	MinBlockShift = 9  // 512 bytes
	MaxBlockShift = 24 // 16 MB

	MinBlockSize = 1 << MinBlockShift
	MaxBlockSize = 1 << MaxBlockShift
)

// MaxDVAs is the maximum number of physical copies a single block pointer
// can reference.
const MaxDVAs = 3

// DVA is a device virtual address: one physical copy of a block.
type DVA struct {
	Vdev   uint32 `json:"vdev"`
	Offset uint64 `json:"offset"`
	Asize  uint64 `json:"asize"`
	Gang   bool   `json:"gang"`
}

// IsEmpty reports whether the DVA addresses no space.
func (d DVA) IsEmpty() bool {
	return d.Asize == 0
}

// String formats the DVA in vdev:offset:asize form.
func (d DVA) String() string {
	g := ""
	if d.Gang {
		g = "g"
	}
	return fmt.Sprintf("<%d:%x:%x%s>", d.Vdev, d.Offset, d.Asize, g)
}

// Checksum is a 256-bit checksum value.
type Checksum [4]uint64

// Equal reports whether two checksums are identical.
func (c Checksum) Equal(o Checksum) bool {
	return c == o
}

// ChecksumKind identifies the checksum algorithm recorded in a block pointer.
type ChecksumKind uint8

const (
	ChecksumOff ChecksumKind = iota
	ChecksumXXHash64
	ChecksumSHA256
)

// String returns the algorithm name.
func (k ChecksumKind) String() string {
	switch k {
	case ChecksumOff:
		return "off"
	case ChecksumXXHash64:
		return "xxhash64"
	case ChecksumSHA256:
		return "sha256"
	default:
		return "unknown"
	}
}

// CompressKind identifies the compression algorithm recorded in a block
// pointer.
type CompressKind uint8

const (
	CompressOff CompressKind = iota
	CompressS2
	CompressZstd
	// CompressEmpty marks an all-zero block stored with no payload at all.
	CompressEmpty
)

// String returns the algorithm name.
func (k CompressKind) String() string {
	switch k {
	case CompressOff:
		return "off"
	case CompressS2:
		return "s2"
	case CompressZstd:
		return "zstd"
	case CompressEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// BlockType tags block content as metadata or data; the cache accounts for
// and evicts the two classes separately.
type BlockType uint8

const (
	BlockTypeData BlockType = iota
	BlockTypeMetadata
)

// String returns the content class name.
func (t BlockType) String() string {
	if t == BlockTypeMetadata {
		return "metadata"
	}
	return "data"
}

// BlockPointer names a logical block: where its physical copies live, how it
// was transformed on the way to disk, and how to verify it on the way back.
type BlockPointer struct {
	DVAs  [MaxDVAs]DVA `json:"dvas"`
	NDVAs int          `json:"ndvas"`

	Birth uint64 `json:"birth"`
	Lsize uint64 `json:"lsize"`
	Psize uint64 `json:"psize"`

	Checksum ChecksumKind `json:"checksum"`
	Sum      Checksum     `json:"sum"`
	Compress CompressKind `json:"compress"`
	Type     BlockType    `json:"type"`
	Dedup    bool         `json:"dedup"`
}

// IsHole reports whether the pointer addresses no allocated space.
func (bp *BlockPointer) IsHole() bool {
	return bp.NDVAs == 0
}

// IsGang reports whether the first copy is a gang header rather than data.
func (bp *BlockPointer) IsGang() bool {
	return bp.NDVAs > 0 && bp.DVAs[0].Gang
}

// PhysicalSize returns the total allocated bytes across all copies.
func (bp *BlockPointer) PhysicalSize() uint64 {
	var n uint64
	for i := 0; i < bp.NDVAs; i++ {
		n += bp.DVAs[i].Asize
	}
	return n
}

// String formats the pointer for logs.
func (bp *BlockPointer) String() string {
	if bp.IsHole() {
		return "<hole>"
	}
	return fmt.Sprintf("%s L=%d P=%d birth=%d cksum=%s comp=%s",
		bp.DVAs[0], bp.Lsize, bp.Psize, bp.Birth, bp.Checksum, bp.Compress)
}

// Priority is the scheduling class of an I/O request. The per-device queue
// maintains one queued tree and min/max active limits per class; lower
// values are scanned first when choosing what to admit.
type Priority int

const (
	PrioritySyncRead Priority = iota
	PrioritySyncWrite
	PriorityAsyncRead
	PriorityAsyncWrite
	PriorityScrub
	PriorityTrim

	// NumQueueablePriorities is the number of classes the device queue
	// tracks; PriorityNow is deliberately above it.
	NumQueueablePriorities

	// PriorityNow marks a cut-ahead retry that bypasses queueing fairness.
	PriorityNow
)

// String returns the class name.
func (p Priority) String() string {
	switch p {
	case PrioritySyncRead:
		return "sync_read"
	case PrioritySyncWrite:
		return "sync_write"
	case PriorityAsyncRead:
		return "async_read"
	case PriorityAsyncWrite:
		return "async_write"
	case PriorityScrub:
		return "scrub"
	case PriorityTrim:
		return "trim"
	case PriorityNow:
		return "now"
	default:
		return "unknown"
	}
}
