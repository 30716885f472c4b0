package zio

import (
	"sync/atomic"

	"github.com/blockpool/blockpool/internal/vdev"
	"github.com/blockpool/blockpool/pkg/errors"
	"github.com/blockpool/blockpool/pkg/types"
)

// rewindTo moves execution back so the given stage runs (again) on the next
// dispatch. Legal only from a stage at or after the target.
func (z *ZIO) rewindTo(st Stage) {
	z.stage = st >> 1
}

// logicalData returns the unit's payload before any transform was applied.
func (z *ZIO) logicalData() []byte {
	if len(z.transforms) > 0 {
		return z.transforms[0].orig
	}
	return z.data
}

func (z *ZIO) copies() int {
	c := z.prop.Copies
	if c < 1 {
		c = 1
	}
	if c > types.MaxDVAs {
		c = types.MaxDVAs
	}
	return c
}

func (z *ZIO) stageReadBPInit() pipeRv {
	bp := z.bp
	if z.pipeline&StageDDTReadStart != 0 {
		// The dedup-read child performs the transforms.
		return pipelineContinue
	}
	if bp.Compress == types.CompressEmpty {
		for i := range z.data {
			z.data[i] = 0
		}
		z.pipeline = pipelineInterlock
		return pipelineContinue
	}
	if bp.Compress != types.CompressOff {
		comp := bp.Compress
		psize := int64(bp.Psize)
		buf := z.eng.bufPool.Get(int(psize))[:psize]
		z.pushTransform(buf, psize, true, func(z *ZIO, orig []byte) error {
			return decompressData(comp, z.data, orig)
		})
	}
	return pipelineContinue
}

func (z *ZIO) stageFreeBPInit() pipeRv {
	bp := z.bp
	if bp.IsHole() {
		z.pipeline = pipelineInterlock
	}
	return pipelineContinue
}

// stageIssueAsync hops the unit onto the issue workers so the caller's
// goroutine never carries allocation or device work.
func (z *ZIO) stageIssueAsync() pipeRv {
	z.dispatch(false)
	return pipelineStop
}

func (z *ZIO) stageWriteBPInit() pipeRv {
	if z.wroteBPInit {
		return pipelineContinue
	}
	z.wroteBPInit = true

	p := &z.prop
	bp := z.bp
	bp.Lsize = uint64(z.lsize)
	bp.Type = p.Type
	bp.Birth = z.eng.nextBirth()

	kind, buf, psize := compressData(p.Compress, z.data, z.eng.bufPool)
	if kind == types.CompressEmpty {
		// Nothing to store: the pointer alone reproduces the block.
		bp.Compress = types.CompressEmpty
		bp.Psize = 0
		bp.NDVAs = 0
		bp.Checksum = types.ChecksumOff
		bp.Dedup = false
		z.pipeline = pipelineInterlock
		return pipelineContinue
	}
	if kind != types.CompressOff {
		z.pushTransform(buf, psize, true, nil)
	}
	bp.Compress = kind
	bp.Psize = uint64(z.size)
	bp.Dedup = p.Dedup
	if p.Dedup {
		z.pipeline = pipelineDDTWrite
	}
	return pipelineContinue
}

func (z *ZIO) stageChecksumGenerate() pipeRv {
	p := &z.prop
	kind := p.Checksum
	if p.Dedup {
		// The dedup key must be collision resistant unless every hit is
		// verified by content comparison.
		if kind == types.ChecksumOff || (!p.DedupVerify && kind != types.ChecksumSHA256) {
			kind = types.ChecksumSHA256
		}
	}
	if kind == types.ChecksumOff {
		z.bp.Checksum = types.ChecksumOff
		return pipelineContinue
	}
	z.bp.Checksum = kind
	z.bp.Sum = computeChecksum(kind, z.data)
	if p.Dedup {
		z.ddtKey = z.bp.Sum
	}
	return pipelineContinue
}

// stageNopWrite elides the write entirely when the block being overwritten
// already holds identical content under an identical storage policy.
func (z *ZIO) stageNopWrite() pipeRv {
	prev := z.prop.Previous
	bp := z.bp
	if prev == nil || prev.IsHole() {
		return pipelineContinue
	}
	// Elision trusts the checksum alone, so only the strong algorithm
	// qualifies.
	if bp.Checksum != types.ChecksumSHA256 || prev.Checksum != bp.Checksum {
		return pipelineContinue
	}
	if prev.Compress != bp.Compress || prev.Lsize != bp.Lsize ||
		prev.Psize != bp.Psize || prev.Dedup != bp.Dedup ||
		prev.NDVAs < z.copies() || !prev.Sum.Equal(bp.Sum) {
		return pipelineContinue
	}
	*bp = *prev
	z.pipeline = pipelineInterlock
	z.eng.stats.nopWrites.Add(1)
	return pipelineContinue
}

// stageDDTReadStart launches a full child read against the deduplicated
// copy; the child owns decompression, verification, and copy retry.
func (z *ZIO) stageDDTReadStart() pipeRv {
	rbp := *z.bp
	rbp.Dedup = false
	cio := newZIO(z.eng, z, KindRead, childDDT, &rbp, z.data, z.lsize,
		z.priority, z.flags&(FlagScrub|FlagSpeculative|FlagDontRetry), readPipeline(&rbp, childDDT))
	cio.Nowait()
	return pipelineContinue
}

func (z *ZIO) stageDDTReadDone() pipeRv {
	if z.waitForChildren(maskDDT, waitDone) {
		return pipelineStop
	}
	return pipelineContinue
}

func (z *ZIO) stageDVAAllocate() pipeRv {
	bp := z.bp
	copies := z.copies()
	psize := z.size

	var dvas []types.DVA
	for c := 0; c < copies; c++ {
		dva, ok := z.eng.allocDVA(psize, dvas)
		if !ok {
			for _, d := range dvas {
				z.eng.freeDVA(d)
			}
			return z.writeGangBlock()
		}
		dvas = append(dvas, dva)
	}
	bp.NDVAs = len(dvas)
	for i, d := range dvas {
		bp.DVAs[i] = d
	}
	return pipelineContinue
}

func (z *ZIO) stageDVAFree() pipeRv {
	bp := z.bp
	for i := 0; i < bp.NDVAs; i++ {
		z.eng.freeDVA(bp.DVAs[i])
	}
	return pipelineContinue
}

func (z *ZIO) stageDVAClaim() pipeRv {
	bp := z.bp
	for i := 0; i < bp.NDVAs; i++ {
		if err := z.eng.claimDVA(bp.DVAs[i]); err != nil {
			z.err = errors.Worse(z.err, err)
		}
	}
	return pipelineContinue
}

// stageReady is the first interlock: gang and dedup children must have
// passed their own ready points before this unit announces readiness.
func (z *ZIO) stageReady() pipeRv {
	if z.waitForChildren(maskGang|maskDDT, waitReady) {
		return pipelineStop
	}
	if z.readyCb != nil {
		z.readyCb(z)
	}
	z.notifyParents(waitReady)
	return pipelineContinue
}

func (z *ZIO) stageVdevIOStart() pipeRv {
	if z.kind == KindIoctl {
		return z.issueFlush()
	}

	if z.gangHeader != nil && len(z.transforms) == 0 {
		// The header payload is assembled only now, once every gang child
		// has allocated and recorded its pointer.
		buf := serializeGangHeader(z.eng, z.gangHeader)
		z.pushTransform(buf, int64(len(buf)), true, nil)
	}

	if z.targets == nil {
		z.targets = z.eng.buildTargets(z.bp)
	}
	if len(z.targets) == 0 {
		z.deviceErr = errors.NewError(errors.ErrCodeDeviceGone,
			"no device for block").WithOperation(z.kind.String())
		return pipelineContinue
	}

	qflags := vdev.Flags(0)
	if z.flags&FlagScrub != 0 {
		qflags |= vdev.FlagScrub
	}
	if z.flags&FlagSelfHeal != 0 {
		qflags |= vdev.FlagRepair
	}

	switch z.kind {
	case KindRead:
		if z.copyIdx >= len(z.targets) {
			z.copyIdx = 0
		}
		t := z.targets[z.copyIdx]
		t.queue.Enqueue(&vdev.IO{
			Type:     vdev.OpRead,
			Priority: z.issuePriority(),
			Offset:   t.offset,
			Size:     z.size,
			Data:     z.data,
			Flags:    qflags,
			Done: func(_ *vdev.IO, err error) {
				z.deviceDone(err, nil)
			},
		})
		return pipelineStop

	case KindWrite:
		pending := new(atomic.Int32)
		pending.Store(int32(len(z.targets)))
		for _, t := range z.targets {
			t.queue.Enqueue(&vdev.IO{
				Type:     vdev.OpWrite,
				Priority: z.issuePriority(),
				Offset:   t.offset,
				Size:     z.size,
				Data:     z.data,
				Flags:    qflags,
				Done: func(_ *vdev.IO, err error) {
					z.deviceDone(err, pending)
				},
			})
		}
		return pipelineStop
	}
	return pipelineContinue
}

// deviceDone collects one physical completion and resumes the pipeline once
// every outstanding device operation for this stage has finished.
func (z *ZIO) deviceDone(err error, pending *atomic.Int32) {
	if err != nil {
		z.mu.Lock()
		z.deviceErr = errors.Worse(z.deviceErr, err)
		z.mu.Unlock()
	}
	if pending == nil || pending.Add(-1) == 0 {
		z.dispatch(true)
	}
}

// issuePriority maps retried units onto the cut-ahead class.
func (z *ZIO) issuePriority() types.Priority {
	if z.flags&flagRetried != 0 {
		return types.PriorityNow
	}
	return z.priority
}

// issueFlush fans a flush to every leaf device and resumes when the last
// one acknowledges.
func (z *ZIO) issueFlush() pipeRv {
	queues := z.eng.allQueues()
	if len(queues) == 0 {
		return pipelineContinue
	}
	pending := new(atomic.Int32)
	pending.Store(int32(len(queues)))
	for _, q := range queues {
		q.Enqueue(&vdev.IO{
			Type:     vdev.OpFlush,
			Priority: types.PrioritySyncWrite,
			Done: func(_ *vdev.IO, err error) {
				z.deviceDone(err, pending)
			},
		})
	}
	return pipelineStop
}

func (z *ZIO) stageVdevIODone() pipeRv {
	if z.deviceErr == nil {
		switch z.kind {
		case KindRead:
			z.eng.stats.bytesRead.Add(uint64(z.size))
		case KindWrite:
			z.eng.stats.bytesWritten.Add(uint64(z.size) * uint64(len(z.targets)))
		}
	}
	return pipelineContinue
}

// stageVdevIOAssess decides what a device error means: try another copy,
// retry in the cut-ahead lane, or surface.
func (z *ZIO) stageVdevIOAssess() pipeRv {
	err := z.deviceErr
	if err == nil {
		return pipelineContinue
	}
	z.deviceErr = nil

	if z.flags&FlagDontRetry == 0 {
		if z.kind == KindRead && z.copyIdx+1 < len(z.targets) {
			z.copyIdx++
			z.eng.stats.retries.Add(1)
			z.flags |= flagRetried
			z.rewindTo(StageVdevIOStart)
			z.dispatch(true)
			return pipelineStop
		}
		if z.retries < z.eng.maxRetries {
			z.retries++
			z.eng.stats.retries.Add(1)
			z.flags |= flagRetried
			z.rewindTo(StageVdevIOStart)
			z.dispatch(true)
			return pipelineStop
		}
	}
	z.err = errors.Worse(z.err, err)
	return pipelineContinue
}

func (z *ZIO) stageChecksumVerify() pipeRv {
	bp := z.bp
	if z.kind != KindRead || bp.Checksum == types.ChecksumOff || z.err != nil {
		return pipelineContinue
	}
	cs := computeChecksum(bp.Checksum, z.data)
	if cs.Equal(bp.Sum) {
		z.selfHeal()
		return pipelineContinue
	}

	z.eng.stats.checksumErrors.Add(1)
	if z.flags&FlagDontRetry == 0 && z.copyIdx+1 < len(z.targets) {
		z.badCopies = append(z.badCopies, z.copyIdx)
		z.copyIdx++
		z.flags |= flagRetried
		z.rewindTo(StageVdevIOStart)
		z.dispatch(true)
		return pipelineStop
	}
	z.err = errors.Worse(z.err, errors.Newf(errors.ErrCodeChecksum,
		"checksum mismatch: got %x, want %x", cs[0], bp.Sum[0]).
		WithOperation("read"))
	return pipelineContinue
}

// selfHeal rewrites every copy that failed verification with the content
// that finally verified. Best effort; failures are only logged.
func (z *ZIO) selfHeal() {
	if len(z.badCopies) == 0 {
		return
	}
	for _, idx := range z.badCopies {
		t := z.targets[idx]
		data := make([]byte, z.size)
		copy(data, z.data)
		off := t.offset
		t.queue.Enqueue(&vdev.IO{
			Type:     vdev.OpWrite,
			Priority: types.PriorityAsyncWrite,
			Offset:   off,
			Size:     int64(len(data)),
			Data:     data,
			Flags:    vdev.FlagRepair,
			Done: func(_ *vdev.IO, err error) {
				if err != nil {
					z.eng.log.Warn("self-heal rewrite failed",
						"offset", off, "error", err)
					return
				}
				z.eng.stats.selfHeals.Add(1)
			},
		})
	}
	z.badCopies = nil
}

func (z *ZIO) stageDoneFunc() pipeRv {
	if z.waitForChildren(maskAll, waitDone) {
		return pipelineStop
	}

	for ct := childType(0); ct < childTypeCount; ct++ {
		z.err = errors.Worse(z.err, z.childErr[ct])
	}

	// A gang read's members were verified individually; the whole-block
	// checksum still gets the final word.
	if z.kind == KindRead && z.gangTree != nil && z.err == nil &&
		z.bp.Checksum != types.ChecksumOff {
		if cs := computeChecksum(z.bp.Checksum, z.data); !cs.Equal(z.bp.Sum) {
			z.err = errors.NewError(errors.ErrCodeChecksum,
				"gang block checksum mismatch").WithOperation("read")
		}
	}

	if z.kind == KindWrite && z.err != nil {
		z.eng.dvaUnallocate(z)
	}

	if perr := z.popTransforms(z.kind == KindRead && z.err == nil); perr != nil {
		z.err = errors.Worse(z.err, perr)
	}

	if z.ddtPending {
		z.eng.ddt.resolvePending(z.ddtKey, z.bp, z.err)
		z.ddtPending = false
	}

	if z.err != nil && z.flags&(FlagCanFail|FlagGodfather) == 0 &&
		z.eng.shouldSuspend(z.err) {
		z.eng.suspendZIO(z)
		return pipelineStop
	}

	if z.dirtyAdded > 0 {
		z.eng.addDirty(-z.dirtyAdded)
		z.dirtyAdded = 0
	}

	z.eng.stats.completed.Add(1)
	if z.err != nil {
		z.eng.stats.errorCount.Add(1)
	}

	if z.doneCb != nil {
		z.doneCb(z, z.err)
	}
	z.finished = true
	z.notifyParents(waitDone)
	if z.waitCh != nil {
		close(z.waitCh)
	}
	z.eng.zioFinished(z)
	return pipelineStop
}
