package zio

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/blockpool/blockpool/internal/buffer"
	"github.com/blockpool/blockpool/internal/config"
	"github.com/blockpool/blockpool/internal/space"
	"github.com/blockpool/blockpool/internal/vdev"
	"github.com/blockpool/blockpool/pkg/errors"
	"github.com/blockpool/blockpool/pkg/types"
)

// engineStats are the pipeline's internal counters.
type engineStats struct {
	created          atomic.Uint64
	completed        atomic.Uint64
	errorCount       atomic.Uint64
	retries          atomic.Uint64
	reexecutes       atomic.Uint64
	nopWrites        atomic.Uint64
	gangWrites       atomic.Uint64
	gangReads        atomic.Uint64
	dedupHits        atomic.Uint64
	dedupMisses      atomic.Uint64
	dedupVerifyFails atomic.Uint64
	checksumErrors   atomic.Uint64
	selfHeals        atomic.Uint64
	bytesRead        atomic.Uint64
	bytesWritten     atomic.Uint64
}

// Engine owns the pipeline: the devices and their allocators, the worker
// queues stages run on, the dedup table, and the suspension state that
// implements the pool failmode. It also reports dirty-data levels to the
// device queues, which scale asynchronous-write concurrency from them.
type Engine struct {
	cfg *config.Configuration
	log *slog.Logger

	bufPool *buffer.BytePool

	mu      sync.RWMutex
	vdevs   map[uint32]*vdev.Vdev
	allocs  map[uint32]*space.Allocator
	vdevIDs []uint32
	rotor   uint64

	issueTQ     *taskq
	interruptTQ *taskq

	ddt            *DDT
	gangSlots      int
	dittoThreshold uint64
	maxRetries     int

	birth atomic.Uint64

	dirty       atomic.Int64
	dirtyMax    int64
	pendingSync atomic.Int32

	suspendMu   sync.Mutex
	suspended   bool
	suspendList []*ZIO

	outstanding sync.WaitGroup
	closed      atomic.Bool

	stats engineStats
}

// NewEngine builds a pipeline engine with no devices attached.
func NewEngine(cfg *config.Configuration, logger *slog.Logger, pool *buffer.BytePool) *Engine {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pool == nil {
		pool = buffer.NewBytePool()
	}
	pc := cfg.Pipeline
	e := &Engine{
		cfg:            cfg,
		log:            logger.With("component", "pipeline"),
		bufPool:        pool,
		vdevs:          make(map[uint32]*vdev.Vdev),
		allocs:         make(map[uint32]*space.Allocator),
		issueTQ:        newTaskq(pc.IssueWorkers),
		interruptTQ:    newTaskq(pc.InterruptWorkers),
		ddt:            newDDT(pc.DedupTableCacheEntries),
		gangSlots:      pc.GangHeaderSlots,
		dittoThreshold: pc.DedupDittoThreshold,
		maxRetries:     pc.MaxRetries,
		dirtyMax:       config.MustParseSize(pc.DirtyDataMax),
	}
	e.birth.Store(1)
	return e
}

// AddVdev attaches a top-level device and creates its allocator.
func (e *Engine) AddVdev(v *vdev.Vdev) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vdevs[v.ID] = v
	e.allocs[v.ID] = space.NewAllocator(v.Size())
	e.vdevIDs = append(e.vdevIDs, v.ID)
	sort.Slice(e.vdevIDs, func(i, j int) bool { return e.vdevIDs[i] < e.vdevIDs[j] })
}

// Vdev returns the attached device with the given id.
func (e *Engine) Vdev(id uint32) *vdev.Vdev {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vdevs[id]
}

// Allocator exposes the space map of one device.
func (e *Engine) Allocator(id uint32) *space.Allocator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.allocs[id]
}

// allocDVA finds space for one copy, rotating across devices and avoiding
// the devices already holding another copy when it can.
func (e *Engine) allocDVA(psize int64, used []types.DVA) (types.DVA, bool) {
	e.mu.RLock()
	ids := e.vdevIDs
	start := int(atomic.AddUint64(&e.rotor, 1))
	e.mu.RUnlock()
	if len(ids) == 0 {
		return types.DVA{}, false
	}

	usedVdev := func(id uint32) bool {
		for _, d := range used {
			if d.Vdev == id {
				return true
			}
		}
		return false
	}

	try := func(skipUsed bool) (types.DVA, bool) {
		for i := 0; i < len(ids); i++ {
			id := ids[(start+i)%len(ids)]
			if skipUsed && usedVdev(id) {
				continue
			}
			e.mu.RLock()
			alloc := e.allocs[id]
			e.mu.RUnlock()
			if off, ok := alloc.Alloc(psize); ok {
				return types.DVA{
					Vdev:   id,
					Offset: uint64(off),
					Asize:  uint64(space.Roundup(psize)),
				}, true
			}
		}
		return types.DVA{}, false
	}

	if dva, ok := try(true); ok {
		return dva, true
	}
	return try(false)
}

// freeDVA returns one copy's space and trims the underlying range. Header
// extents of split blocks are freed without trimming: a claim replayed after
// the free still has to walk the header tree, so their contents stay intact
// until the space is rewritten.
func (e *Engine) freeDVA(dva types.DVA) {
	if dva.IsEmpty() {
		return
	}
	e.mu.RLock()
	alloc := e.allocs[dva.Vdev]
	v := e.vdevs[dva.Vdev]
	e.mu.RUnlock()
	if alloc == nil {
		return
	}
	alloc.Free(int64(dva.Offset), int64(dva.Asize))
	if dva.Gang {
		return
	}

	for _, q := range leafQueues(v) {
		q.Enqueue(&vdev.IO{
			Type:     vdev.OpTrim,
			Priority: types.PriorityTrim,
			Offset:   int64(dva.Offset),
			Size:     int64(dva.Asize),
			Flags:    vdev.FlagDontAggregate,
			Done:     func(_ *vdev.IO, _ error) {},
		})
	}
}

// claimDVA re-marks one copy's space as allocated during recovery.
func (e *Engine) claimDVA(dva types.DVA) error {
	if dva.IsEmpty() {
		return nil
	}
	e.mu.RLock()
	alloc := e.allocs[dva.Vdev]
	e.mu.RUnlock()
	if alloc == nil {
		return errors.Newf(errors.ErrCodeDeviceGone, "claim on unknown device %d", dva.Vdev)
	}
	if !alloc.Claim(int64(dva.Offset), int64(dva.Asize)) {
		return errors.Newf(errors.ErrCodeUnexpected,
			"claim conflict at %s", dva.String())
	}
	return nil
}

// dvaUnallocate unwinds a failed write: the unit's own copies, then every
// allocation recorded in its gang tree, leaving the pointer a hole.
func (e *Engine) dvaUnallocate(z *ZIO) {
	if z.gangHeader != nil {
		// The header block's space is unwound by the gang leader.
		return
	}
	e.unwindGangTree(z.gangTree)
	z.gangTree = nil
	bp := z.bp
	for i := 0; i < bp.NDVAs; i++ {
		e.freeDVA(bp.DVAs[i])
	}
	*bp = types.BlockPointer{}
}

func (e *Engine) unwindGangTree(node *gangNode) {
	if node == nil {
		return
	}
	for g := range node.bps {
		gbp := &node.bps[g]
		for i := 0; i < gbp.NDVAs; i++ {
			e.freeDVA(gbp.DVAs[i])
		}
		*gbp = types.BlockPointer{}
	}
	for _, c := range node.children {
		e.unwindGangTree(c)
	}
}

// buildTargets flattens a pointer's copies into issue targets: one per leaf
// device, expanding mirrors. A mirror's children are rotated so that the
// first target, where reads start, spreads across the children; writes fan
// out to every target regardless of order.
func (e *Engine) buildTargets(bp *types.BlockPointer) []ioTarget {
	var targets []ioTarget
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := 0; i < bp.NDVAs; i++ {
		dva := bp.DVAs[i]
		v := e.vdevs[dva.Vdev]
		if v == nil {
			continue
		}
		leaves := leafVdevs(v)
		if len(leaves) > 1 {
			if first := v.ReadChild(); first != nil {
				for j, lv := range leaves {
					if lv == first {
						leaves = append(leaves[j:], leaves[:j]...)
						break
					}
				}
			}
		}
		for _, lv := range leaves {
			targets = append(targets, ioTarget{queue: lv.Queue, offset: int64(dva.Offset)})
		}
	}
	return targets
}

func leafVdevs(v *vdev.Vdev) []*vdev.Vdev {
	if v == nil {
		return nil
	}
	if v.IsLeaf() {
		return []*vdev.Vdev{v}
	}
	var vs []*vdev.Vdev
	for _, c := range v.Children {
		vs = append(vs, leafVdevs(c)...)
	}
	return vs
}

func leafQueues(v *vdev.Vdev) []*vdev.Queue {
	var qs []*vdev.Queue
	for _, lv := range leafVdevs(v) {
		qs = append(qs, lv.Queue)
	}
	return qs
}

func (e *Engine) allQueues() []*vdev.Queue {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var qs []*vdev.Queue
	for _, id := range e.vdevIDs {
		qs = append(qs, leafQueues(e.vdevs[id])...)
	}
	return qs
}

func (e *Engine) dispatch(z *ZIO, cutAhead bool) {
	if cutAhead {
		e.interruptTQ.Dispatch(z.execute, true)
		return
	}
	e.issueTQ.Dispatch(z.execute, false)
}

func (e *Engine) nextBirth() uint64 {
	return e.birth.Add(1)
}

func (e *Engine) zioCreated(z *ZIO) {
	e.stats.created.Add(1)
	e.outstanding.Add(1)
}

func (e *Engine) zioFinished(z *ZIO) {
	e.outstanding.Done()
}

// DirtyBytes implements vdev.DirtyProvider.
func (e *Engine) DirtyBytes() (int64, int64) {
	return e.dirty.Load(), e.dirtyMax
}

// PendingSync implements vdev.DirtyProvider.
func (e *Engine) PendingSync() bool {
	return e.pendingSync.Load() > 0
}

func (e *Engine) addDirty(n int64) {
	e.dirty.Add(n)
}

// shouldSuspend maps a terminal error onto the pool failmode: allocation
// exhaustion always suspends, device and I/O failures follow the
// configured mode, and integrity errors are always surfaced.
func (e *Engine) shouldSuspend(err error) bool {
	if errors.IsNoSpace(err) {
		return true
	}
	if errors.IsChecksum(err) {
		return false
	}
	switch e.cfg.Global.Failmode {
	case "panic":
		e.log.Error("fatal pool error", "error", err)
		panic(err)
	case "continue":
		return false
	default: // wait
		return errors.SeverityOf(err) >= errors.SeverityIO || errors.IsDeviceGone(err)
	}
}

// suspendZIO parks a failed unit until Resume re-executes it from the top
// of its pipeline. The first suspension flips the engine-wide flag.
func (e *Engine) suspendZIO(z *ZIO) {
	e.suspendMu.Lock()
	if !e.suspended {
		e.suspended = true
		e.log.Error("pipeline suspended", "error", z.err, "op", z.kind.String())
	}
	z.resetForRetry()
	e.suspendList = append(e.suspendList, z)
	e.suspendMu.Unlock()
}

// Suspended reports whether any unit is parked on a pool-wide condition.
func (e *Engine) Suspended() bool {
	e.suspendMu.Lock()
	defer e.suspendMu.Unlock()
	return e.suspended
}

// Resume re-executes every suspended unit, typically after space was freed
// or a device came back.
func (e *Engine) Resume() {
	e.suspendMu.Lock()
	list := e.suspendList
	e.suspendList = nil
	e.suspended = false
	e.suspendMu.Unlock()

	if len(list) == 0 {
		return
	}
	e.log.Info("pipeline resumed", "reissued", len(list))
	for _, z := range list {
		e.stats.reexecutes.Add(1)
		z.dispatch(true)
	}
}

// Stats snapshots the pipeline counters.
func (e *Engine) Stats() types.PipelineStats {
	return types.PipelineStats{
		Created:    e.stats.created.Load(),
		Completed:  e.stats.completed.Load(),
		Errors:     e.stats.errorCount.Load(),
		Retries:    e.stats.retries.Load(),
		Reexecutes: e.stats.reexecutes.Load(),
		NopWrites:  e.stats.nopWrites.Load(),
		GangWrites: e.stats.gangWrites.Load(),
		DedupHits:  e.stats.dedupHits.Load(),
		Suspended:  e.Suspended(),
	}
}

// Drain waits for every outstanding unit to finish.
func (e *Engine) Drain() {
	e.outstanding.Wait()
}

// Close drains in-flight work and stops the workers. Suspended units are
// abandoned.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.suspendMu.Lock()
	abandoned := e.suspendList
	e.suspendList = nil
	e.suspendMu.Unlock()
	for _, z := range abandoned {
		z.err = errors.NewError(errors.ErrCodeShutdown, "engine closed while suspended")
		if z.waitCh != nil {
			close(z.waitCh)
		}
		e.outstanding.Done()
	}
	e.outstanding.Wait()
	e.issueTQ.Close()
	e.interruptTQ.Close()
}
