package cache

import (
	"container/list"
	"encoding/binary"
	"time"

	"github.com/dgryski/go-farm"

	"github.com/blockpool/blockpool/internal/buffer"
	"github.com/blockpool/blockpool/pkg/types"
)

// state is a header's membership: which population owns it and whether it
// still holds data.
type state int

const (
	stateAnon state = iota
	stateMRU
	stateMRUGhost
	stateMFU
	stateMFUGhost
	stateL2Only
)

// String returns the state name.
func (s state) String() string {
	switch s {
	case stateAnon:
		return "anon"
	case stateMRU:
		return "mru"
	case stateMRUGhost:
		return "mru_ghost"
	case stateMFU:
		return "mfu"
	case stateMFUGhost:
		return "mfu_ghost"
	case stateL2Only:
		return "l2_only"
	default:
		return "unknown"
	}
}

// blockKey identifies a block across rebirths: the first copy's address
// plus the birth stamp.
type blockKey struct {
	vdev   uint32
	offset uint64
	birth  uint64
}

func keyOf(bp *types.BlockPointer) blockKey {
	return blockKey{
		vdev:   bp.DVAs[0].Vdev,
		offset: bp.DVAs[0].Offset,
		birth:  bp.Birth,
	}
}

// hash spreads keys across lock shards and sublists.
func (k blockKey) hash() uint64 {
	var b [20]byte
	binary.LittleEndian.PutUint32(b[0:], k.vdev)
	binary.LittleEndian.PutUint64(b[4:], k.offset)
	binary.LittleEndian.PutUint64(b[12:], k.birth)
	return farm.Hash64(b[:])
}

// l2Entry locates a block's copy on the second-tier device.
type l2Entry struct {
	offset int64
	psize  int64
	lsize  int64
	comp   types.CompressKind
	cksum  uint64
}

// header tracks one block through the cache. Data may be gone (ghost
// states) while the header lives on as adaptation feedback. A header is
// always manipulated under its key's lock shard.
type header struct {
	key   blockKey
	bp    types.BlockPointer
	state state
	size  int64
	btype types.BlockType

	buf *buffer.Data

	firstAccess time.Time
	lastAccess  time.Time
	prefetch    bool

	// evictCb, when registered, fires exactly once as the resident copy
	// leaves memory.
	evictCb func()

	l2 *l2Entry

	// multilist membership
	sublist int
	elem    *list.Element
}
