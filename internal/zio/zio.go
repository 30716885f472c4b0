package zio

import (
	"context"
	"sync"

	"github.com/blockpool/blockpool/internal/vdev"
	"github.com/blockpool/blockpool/pkg/errors"
	"github.com/blockpool/blockpool/pkg/types"
)

// Kind is a pipeline unit's operation.
type Kind int

const (
	KindNull Kind = iota
	KindRead
	KindWrite
	KindFree
	KindClaim
	KindIoctl
)

// String returns the operation name.
func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindFree:
		return "free"
	case KindClaim:
		return "claim"
	case KindIoctl:
		return "ioctl"
	default:
		return "null"
	}
}

// childType classifies a unit relative to its parent. The done stage of a
// parent waits on each class independently, and gang interlocks wait only on
// the gang class.
type childType int

const (
	childVdev childType = iota
	childGang
	childDDT
	childLogical

	childTypeCount
)

// childMask selects one or more child classes at a wait point.
type childMask uint8

const (
	maskVdev    childMask = 1 << childVdev
	maskGang    childMask = 1 << childGang
	maskDDT     childMask = 1 << childDDT
	maskLogical childMask = 1 << childLogical
	maskAll     childMask = maskVdev | maskGang | maskDDT | maskLogical
)

// waitType is the phase of a child a parent can wait for.
type waitType int

const (
	waitReady waitType = iota
	waitDone

	waitTypeCount
)

// Flags adjust pipeline behavior for one unit.
type Flags uint32

const (
	// FlagCanFail surfaces errors directly to the caller: no suspension,
	// even under a no-space condition or a wait failmode.
	FlagCanFail Flags = 1 << iota
	// FlagSpeculative marks prefetch traffic.
	FlagSpeculative
	// FlagScrub tags integrity-scan traffic for the device queue.
	FlagScrub
	// FlagSelfHeal tags a repair write of a corrupted redundant copy.
	FlagSelfHeal
	// FlagDontRetry disables the cut-ahead device retry.
	FlagDontRetry
	// FlagDontPropagate keeps this unit's error out of its parent.
	FlagDontPropagate
	// FlagGodfather marks a root that collects orphaned descendants and is
	// itself never suspended.
	FlagGodfather

	flagRetried
)

// Props direct a logical write.
type Props struct {
	Checksum types.ChecksumKind
	Compress types.CompressKind
	Type     types.BlockType
	Copies   int
	Dedup    bool
	// DedupVerify reads the existing copy on a dedup hit and compares
	// content before taking a reference.
	DedupVerify bool
	// Previous enables content-match write elision against the block this
	// write would overwrite.
	Previous *types.BlockPointer
}

// stallPoint records which children a parked unit is waiting for.
type stallPoint struct {
	mask childMask
	wt   waitType
}

// transform is one data transformation applied on the way down and undone
// (or merely unwound) on the way up.
type transform struct {
	orig     []byte
	origSize int64
	pooled   bool // z.data at pop time is a pooled buffer to return
	// undo rebuilds orig from the transformed data; nil when the transform
	// only narrowed the payload (write-side compression).
	undo func(z *ZIO, orig []byte) error
}

// ZIO is one pipeline unit. It is created against a parent (or as a root),
// descends through its stage pipeline on engine workers, and completes
// bottom-up through parent notification. All exported methods are safe for
// concurrent use; stage functions run one at a time per unit.
type ZIO struct {
	eng  *Engine
	kind Kind
	ct   childType

	flags    Flags
	priority types.Priority
	prop     Props

	bp     *types.BlockPointer
	bpOrig types.BlockPointer

	data  []byte
	lsize int64
	size  int64

	mu          sync.Mutex
	parents     []*ZIO
	children    []*ZIO
	childCounts [childTypeCount][waitTypeCount]int
	childErr    [childTypeCount]error
	stall       *stallPoint

	stage        Stage
	pipeline     Stage
	origPipeline Stage

	err       error
	deviceErr error

	transforms []transform

	// leaf routing
	targets   []ioTarget
	copyIdx   int
	badCopies []int
	retries   int

	// gang state
	gangTree   *gangNode
	gangHeader *gangNode // set on the header-write unit

	// dedup state
	ddtKey        types.Checksum
	ddtVerifyBuf  []byte
	ddtVerifyDone bool
	ddtPending    bool

	wroteBPInit bool
	dirtyAdded  int64

	readyCb func(*ZIO)
	doneCb  func(*ZIO, error)

	waitCh   chan struct{}
	finished bool
}

// ioTarget is one physical placement of the unit's payload: a leaf device
// queue plus the offset within it.
type ioTarget struct {
	queue  *vdev.Queue
	offset int64
}

// newZIO builds a unit and links it under pio (which may be nil for roots).
func newZIO(eng *Engine, pio *ZIO, kind Kind, ct childType, bp *types.BlockPointer,
	data []byte, size int64, prio types.Priority, flags Flags, pipeline Stage) *ZIO {

	z := &ZIO{
		eng:          eng,
		kind:         kind,
		ct:           ct,
		flags:        flags,
		priority:     prio,
		bp:           bp,
		data:         data,
		lsize:        size,
		size:         size,
		stage:        StageOpen,
		pipeline:     pipeline,
		origPipeline: pipeline,
	}
	if bp != nil {
		z.bpOrig = *bp
	}
	if pio != nil {
		pio.addChild(z)
		if z.priority == types.PriorityNow && pio.priority != types.PriorityNow {
			z.priority = pio.priority
		}
	}
	eng.zioCreated(z)
	return z
}

// addChild links cio under z and bumps the wait counters.
func (z *ZIO) addChild(cio *ZIO) {
	z.mu.Lock()
	z.children = append(z.children, cio)
	z.childCounts[cio.ct][waitReady]++
	z.childCounts[cio.ct][waitDone]++
	z.mu.Unlock()

	cio.mu.Lock()
	cio.parents = append(cio.parents, z)
	cio.mu.Unlock()
}

// waitForChildren parks the unit if any child in mask has not reached the
// given phase. The current stage is rewound so redispatch re-enters it.
func (z *ZIO) waitForChildren(mask childMask, wt waitType) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	for ct := childType(0); ct < childTypeCount; ct++ {
		if mask&(1<<ct) != 0 && z.childCounts[ct][wt] != 0 {
			z.stall = &stallPoint{mask: mask, wt: wt}
			z.stage >>= 1
			return true
		}
	}
	return false
}

// notifyParents reports that z reached the given phase. A parent parked on a
// matching wait point whose counters have all drained is redispatched.
func (z *ZIO) notifyParents(wt waitType) {
	z.mu.Lock()
	parents := make([]*ZIO, len(z.parents))
	copy(parents, z.parents)
	z.mu.Unlock()

	for _, pio := range parents {
		z.notifyParent(pio, wt)
	}
}

func (z *ZIO) notifyParent(pio *ZIO, wt waitType) {
	pio.mu.Lock()
	if wt == waitDone && z.err != nil && z.flags&FlagDontPropagate == 0 {
		pio.childErr[z.ct] = errors.Worse(pio.childErr[z.ct], z.err)
	}
	pio.childCounts[z.ct][wt]--
	unstall := false
	if st := pio.stall; st != nil && st.wt == wt && st.mask&(1<<z.ct) != 0 {
		unstall = true
		for ct := childType(0); ct < childTypeCount; ct++ {
			if st.mask&(1<<ct) != 0 && pio.childCounts[ct][wt] != 0 {
				unstall = false
				break
			}
		}
		if unstall {
			pio.stall = nil
		}
	}
	pio.mu.Unlock()

	if unstall {
		pio.dispatch(true)
	}
}

// execute advances the unit through its pipeline until it parks or finishes.
func (z *ZIO) execute() {
	for {
		st := z.stage
		if st == StageDone {
			return
		}
		next := st << 1
		for next&z.pipeline == 0 {
			next <<= 1
		}
		z.stage = next
		fn := stageFuncs[bitPos(next)]
		if fn == nil {
			continue
		}
		if fn(z) == pipelineStop {
			return
		}
		if z.stage == StageDone {
			return
		}
	}
}

// dispatch hands the unit to an engine worker. Cut-ahead work (retries,
// unstalls, completions) goes to the interrupt queue's front lane.
func (z *ZIO) dispatch(cutAhead bool) {
	z.eng.dispatch(z, cutAhead)
}

// pushTransform swaps the working payload, remembering how to unwind.
func (z *ZIO) pushTransform(newData []byte, newSize int64, pooled bool, undo func(*ZIO, []byte) error) {
	z.transforms = append(z.transforms, transform{
		orig:     z.data,
		origSize: z.size,
		pooled:   pooled,
		undo:     undo,
	})
	z.data = newData
	z.size = newSize
}

// popTransforms unwinds the transform stack. With apply set, each undo
// function runs (read-side decompression); otherwise buffers are just
// restored and returned to the pool.
func (z *ZIO) popTransforms(apply bool) error {
	var firstErr error
	for len(z.transforms) > 0 {
		t := z.transforms[len(z.transforms)-1]
		z.transforms = z.transforms[:len(z.transforms)-1]
		if apply && t.undo != nil && firstErr == nil {
			firstErr = t.undo(z, t.orig)
		}
		if t.pooled && z.data != nil {
			z.eng.bufPool.Put(z.data)
		}
		z.data = t.orig
		z.size = t.origSize
	}
	return firstErr
}

// Wait blocks until the unit completes or ctx is canceled. On cancellation
// the pipeline keeps running in the background; the unit's eventual result
// is discarded.
func (z *ZIO) Wait(ctx context.Context) error {
	if z.waitCh == nil {
		panic("zio: Wait on a unit not created as waitable")
	}
	z.dispatch(false)
	select {
	case <-z.waitCh:
		return z.err
	case <-ctx.Done():
		return errors.NewError(errors.ErrCodeShutdown, "wait canceled").
			WithOperation(z.kind.String()).WithCause(ctx.Err())
	}
}

// Nowait launches the unit asynchronously. Its result reaches the caller
// only through the done callback and parent error propagation.
func (z *ZIO) Nowait() {
	z.dispatch(false)
}

// Error returns the final error after completion.
func (z *ZIO) Error() error {
	return z.err
}

// BP returns the unit's block pointer.
func (z *ZIO) BP() *types.BlockPointer {
	return z.bp
}

// resetForRetry rewinds a suspended unit to the top of its pipeline so it
// can be re-executed after the pool resumes.
func (z *ZIO) resetForRetry() {
	_ = z.popTransforms(false)
	z.stage = StageOpen
	z.pipeline = z.origPipeline
	z.err = nil
	z.deviceErr = nil
	for ct := range z.childErr {
		z.childErr[ct] = nil
	}
	z.stall = nil
	z.targets = nil
	z.copyIdx = 0
	z.badCopies = nil
	z.gangTree = nil
	z.wroteBPInit = false
	z.ddtVerifyDone = false
	z.ddtVerifyBuf = nil
	z.ddtPending = false
	if z.kind == KindWrite {
		*z.bp = z.bpOrig
	}
}
