package zio

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/blockpool/blockpool/pkg/errors"
	"github.com/blockpool/blockpool/pkg/types"
)

// A gang block stores a logical block that could not be allocated
// contiguously: one header block holding up to gangSlots sub-block pointers,
// each naming a smaller piece (or, recursively, another gang). The header
// lives at the address the gang bit in the block pointer's first DVA marks.
//
// Reads, frees, and claims of a gang pointer assemble the full header tree
// before mutating anything, so a half-destroyed tree is never left behind.

const gangHeaderMagic = 0x47414e47_48445231 // "GANGHDR1"

// gangNode is one assembled (or being-built) gang header.
type gangNode struct {
	bps      []types.BlockPointer
	children []*gangNode
	parseErr error
}

func newGangNode(slots int) *gangNode {
	return &gangNode{
		bps:      make([]types.BlockPointer, slots),
		children: make([]*gangNode, slots),
	}
}

// encodedBPSize is the fixed on-disk footprint of one block pointer slot.
const encodedBPSize = 3*(4+8+8+1) + 1 + 8 + 8 + 8 + 1 + 32 + 1 + 1 + 1

func encodeBP(dst []byte, bp *types.BlockPointer) {
	off := 0
	for i := 0; i < types.MaxDVAs; i++ {
		binary.BigEndian.PutUint32(dst[off:], bp.DVAs[i].Vdev)
		binary.BigEndian.PutUint64(dst[off+4:], bp.DVAs[i].Offset)
		binary.BigEndian.PutUint64(dst[off+12:], bp.DVAs[i].Asize)
		if bp.DVAs[i].Gang {
			dst[off+20] = 1
		} else {
			dst[off+20] = 0
		}
		off += 21
	}
	dst[off] = byte(bp.NDVAs)
	binary.BigEndian.PutUint64(dst[off+1:], bp.Birth)
	binary.BigEndian.PutUint64(dst[off+9:], bp.Lsize)
	binary.BigEndian.PutUint64(dst[off+17:], bp.Psize)
	dst[off+25] = byte(bp.Checksum)
	for i := 0; i < 4; i++ {
		binary.BigEndian.PutUint64(dst[off+26+8*i:], bp.Sum[i])
	}
	dst[off+58] = byte(bp.Compress)
	dst[off+59] = byte(bp.Type)
	if bp.Dedup {
		dst[off+60] = 1
	} else {
		dst[off+60] = 0
	}
}

func decodeBP(src []byte) types.BlockPointer {
	var bp types.BlockPointer
	off := 0
	for i := 0; i < types.MaxDVAs; i++ {
		bp.DVAs[i].Vdev = binary.BigEndian.Uint32(src[off:])
		bp.DVAs[i].Offset = binary.BigEndian.Uint64(src[off+4:])
		bp.DVAs[i].Asize = binary.BigEndian.Uint64(src[off+12:])
		bp.DVAs[i].Gang = src[off+20] == 1
		off += 21
	}
	bp.NDVAs = int(src[off])
	bp.Birth = binary.BigEndian.Uint64(src[off+1:])
	bp.Lsize = binary.BigEndian.Uint64(src[off+9:])
	bp.Psize = binary.BigEndian.Uint64(src[off+17:])
	bp.Checksum = types.ChecksumKind(src[off+25])
	for i := 0; i < 4; i++ {
		bp.Sum[i] = binary.BigEndian.Uint64(src[off+26+8*i:])
	}
	bp.Compress = types.CompressKind(src[off+58])
	bp.Type = types.BlockType(src[off+59])
	bp.Dedup = src[off+60] == 1
	return bp
}

// serializeGangHeader lays the node's slot pointers into a pooled header
// block with a magic, slot count, and trailing embedded checksum.
func serializeGangHeader(eng *Engine, node *gangNode) []byte {
	buf := eng.bufPool.Get(types.MinBlockSize)[:types.MinBlockSize]
	for i := range buf {
		buf[i] = 0
	}
	binary.BigEndian.PutUint64(buf[0:], gangHeaderMagic)
	binary.BigEndian.PutUint32(buf[8:], uint32(len(node.bps)))
	off := 12
	for i := range node.bps {
		encodeBP(buf[off:], &node.bps[i])
		off += encodedBPSize
	}
	sum := xxhash.Sum64(buf[:off])
	binary.BigEndian.PutUint64(buf[off:], sum)
	return buf
}

// parseGangHeader validates and decodes a header block into node.
func parseGangHeader(buf []byte, node *gangNode) error {
	if len(buf) < 12 || binary.BigEndian.Uint64(buf[0:]) != gangHeaderMagic {
		return errors.NewError(errors.ErrCodeBadHeader, "gang header magic mismatch")
	}
	slots := int(binary.BigEndian.Uint32(buf[8:]))
	end := 12 + slots*encodedBPSize
	if slots < 1 || end+8 > len(buf) {
		return errors.Newf(errors.ErrCodeBadHeader, "gang header slot count %d invalid", slots)
	}
	if sum := xxhash.Sum64(buf[:end]); sum != binary.BigEndian.Uint64(buf[end:]) {
		return errors.NewError(errors.ErrCodeBadHeader, "gang header checksum mismatch")
	}
	node.bps = make([]types.BlockPointer, slots)
	node.children = make([]*gangNode, slots)
	for i := 0; i < slots; i++ {
		node.bps[i] = decodeBP(buf[12+i*encodedBPSize:])
	}
	return nil
}

// gangHeaderBP names the header block itself: raw, unchecksummed at the
// pointer level (the header carries its own embedded checksum), never
// treated as a gang in turn.
func gangHeaderBP(dva types.DVA) *types.BlockPointer {
	dva.Gang = false
	return &types.BlockPointer{
		DVAs:  [types.MaxDVAs]types.DVA{dva},
		NDVAs: 1,
		Lsize: types.MinBlockSize,
		Psize: types.MinBlockSize,
	}
}

// writeGangBlock converts a write whose allocation failed into a gang: a
// header child carrying the slot pointers, with the payload split across
// smaller writes that are children of the header. The original write keeps
// only its interlock stages and completes when the whole family does.
func (z *ZIO) writeGangBlock() pipeRv {
	eng := z.eng
	slots := eng.gangSlots

	hdrDVA, ok := eng.allocDVA(types.MinBlockSize, nil)
	if !ok {
		z.err = errors.Worse(z.err, errors.NewError(errors.ErrCodeNoSpace,
			"no space for gang header").WithOperation("write"))
		z.pipeline = pipelineInterlock
		return pipelineContinue
	}
	eng.stats.gangWrites.Add(1)

	hdrDVA.Gang = true
	bp := z.bp
	bp.NDVAs = 1
	bp.DVAs[0] = hdrDVA

	node := newGangNode(slots)
	z.gangTree = node

	hio := newZIO(eng, z, KindWrite, childGang, gangHeaderBP(hdrDVA), nil,
		types.MinBlockSize, z.priority, z.flags&(FlagScrub|FlagSpeculative),
		pipelineInterlock|stagesVdevIO)
	hio.gangHeader = node

	resid := z.size
	var off int64
	for g := 0; resid > 0 && g < slots; g++ {
		lsize := roundup(resid/int64(slots-g), types.MinBlockSize)
		if lsize < types.MinBlockSize {
			lsize = types.MinBlockSize
		}
		if lsize > resid {
			lsize = resid
		}
		cio := newZIO(eng, hio, KindWrite, childGang, &node.bps[g],
			z.data[off:off+lsize], lsize, z.priority,
			z.flags&(FlagScrub|FlagSpeculative),
			pipelineWrite&^StageIssueAsync)
		cio.prop = Props{
			Checksum: bp.Checksum,
			Compress: types.CompressOff,
			Type:     z.prop.Type,
			Copies:   z.copies(),
		}
		cio.Nowait()
		resid -= lsize
		off += lsize
	}
	hio.Nowait()

	z.pipeline = pipelineInterlock
	return pipelineContinue
}

// stageGangAssemble reads the whole header tree before anything is issued
// against the data it describes.
func (z *ZIO) stageGangAssemble() pipeRv {
	z.gangTree = &gangNode{}
	z.gangAssembleNode(z.gangTree, z.bp.DVAs[0])
	z.eng.stats.gangReads.Add(1)
	return pipelineContinue
}

func (z *ZIO) gangAssembleNode(node *gangNode, dva types.DVA) {
	eng := z.eng
	buf := eng.bufPool.Get(types.MinBlockSize)[:types.MinBlockSize]
	cio := newZIO(eng, z, KindRead, childGang, gangHeaderBP(dva), buf,
		types.MinBlockSize, z.priority, z.flags&(FlagScrub|FlagSpeculative),
		pipelineRead)
	cio.doneCb = func(_ *ZIO, err error) {
		defer eng.bufPool.Put(buf)
		if err != nil {
			return
		}
		if perr := parseGangHeader(buf, node); perr != nil {
			node.parseErr = perr
			return
		}
		for g := range node.bps {
			gbp := &node.bps[g]
			if !gbp.IsHole() && gbp.DVAs[0].Gang {
				node.children[g] = &gangNode{}
				z.gangAssembleNode(node.children[g], gbp.DVAs[0])
			}
		}
	}
	cio.Nowait()
}

// stageGangIssue waits out assembly (or, for writes, the gang family) and
// then walks the tree performing the operation on every member, leaves
// first. The parent pipeline collapses to its interlock afterwards.
func (z *ZIO) stageGangIssue() pipeRv {
	if z.waitForChildren(maskGang, waitDone) {
		return pipelineStop
	}

	if err := errors.Worse(z.childErr[childGang], gangTreeErr(z.gangTree)); err != nil {
		z.err = errors.Worse(z.err, err)
		z.pipeline = pipelineInterlock
		return pipelineContinue
	}

	z.gangIssueNode(z.gangTree, z.data)

	switch z.kind {
	case KindFree:
		z.eng.freeDVA(z.bp.DVAs[0])
	case KindClaim:
		if err := z.eng.claimDVA(z.bp.DVAs[0]); err != nil {
			z.err = errors.Worse(z.err, err)
		}
	}
	z.pipeline = pipelineInterlock
	return pipelineContinue
}

func gangTreeErr(node *gangNode) error {
	if node == nil {
		return nil
	}
	err := node.parseErr
	for _, c := range node.children {
		err = errors.Worse(err, gangTreeErr(c))
	}
	return err
}

func (z *ZIO) gangIssueNode(node *gangNode, data []byte) {
	eng := z.eng
	var off int64
	for g := range node.bps {
		gbp := &node.bps[g]
		if gbp.IsHole() {
			// A zero run stored as a hole: reproduce it in place.
			if z.kind == KindRead {
				region := data[off : off+int64(gbp.Lsize)]
				for i := range region {
					region[i] = 0
				}
			}
			off += int64(gbp.Lsize)
			continue
		}
		psize := int64(gbp.Psize)
		if gbp.DVAs[0].Gang {
			switch z.kind {
			case KindRead:
				z.gangIssueNode(node.children[g], data[off:off+psize])
			case KindFree:
				z.gangIssueNode(node.children[g], nil)
				eng.freeDVA(gbp.DVAs[0])
			case KindClaim:
				z.gangIssueNode(node.children[g], nil)
				if err := eng.claimDVA(gbp.DVAs[0]); err != nil {
					z.err = errors.Worse(z.err, err)
				}
			}
		} else {
			switch z.kind {
			case KindRead:
				cio := newZIO(eng, z, KindRead, childGang, gbp,
					data[off:off+psize], psize, z.priority,
					z.flags&(FlagScrub|FlagSpeculative), pipelineRead)
				cio.Nowait()
			case KindFree:
				for i := 0; i < gbp.NDVAs; i++ {
					eng.freeDVA(gbp.DVAs[i])
				}
			case KindClaim:
				for i := 0; i < gbp.NDVAs; i++ {
					if err := eng.claimDVA(gbp.DVAs[i]); err != nil {
						z.err = errors.Worse(z.err, err)
					}
				}
			}
		}
		off += psize
	}
}
