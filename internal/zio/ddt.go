package zio

import (
	"bytes"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blockpool/blockpool/pkg/types"
)

// maxVerifyCacheBlock bounds what the content cache will hold; larger blocks
// always verify through a device read.
const maxVerifyCacheBlock = 128 << 10

// ddtEntry is one deduplicated content identity.
type ddtEntry struct {
	bp     types.BlockPointer
	refcnt uint64
	// pending marks the first write of this content as still in flight;
	// concurrent identical writes park on waiters until it resolves.
	pending bool
	waiters []*ZIO
}

// DDT is the dedup table: content checksum to stored-copy mapping with
// reference counts. A bounded LRU of recently written content lets
// verify-on-write skip the device read for hot blocks.
type DDT struct {
	mu      sync.Mutex
	entries map[types.Checksum]*ddtEntry

	verifyCache *lru.Cache[types.Checksum, []byte]
}

func newDDT(cacheEntries int) *DDT {
	if cacheEntries < 1 {
		cacheEntries = 1
	}
	vc, _ := lru.New[types.Checksum, []byte](cacheEntries)
	return &DDT{
		entries:     make(map[types.Checksum]*ddtEntry),
		verifyCache: vc,
	}
}

// Entries returns the number of live identities.
func (d *DDT) Entries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// resolvePending publishes (or abandons) the first write of an identity and
// wakes every writer that parked behind it.
func (d *DDT) resolvePending(key types.Checksum, bp *types.BlockPointer, err error) {
	d.mu.Lock()
	e := d.entries[key]
	var waiters []*ZIO
	if e != nil && e.pending {
		waiters = e.waiters
		e.waiters = nil
		if err != nil {
			delete(d.entries, key)
		} else {
			e.pending = false
			e.bp = *bp
			e.refcnt = 1
		}
	}
	d.mu.Unlock()

	for _, w := range waiters {
		w.dispatch(true)
	}
}

// cacheContent remembers small logical content for read-free verification.
func (d *DDT) cacheContent(key types.Checksum, data []byte) {
	if len(data) > maxVerifyCacheBlock {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	d.verifyCache.Add(key, cp)
}

// unref drops one reference. remaining is the count left; last is true when
// the identity was removed and the caller owns freeing the physical copy.
func (d *DDT) unref(key types.Checksum) (remaining uint64, last bool, known bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.entries[key]
	if e == nil || e.pending {
		return 0, false, false
	}
	e.refcnt--
	if e.refcnt == 0 {
		delete(d.entries, key)
		d.verifyCache.Remove(key)
		return 0, true, true
	}
	return e.refcnt, false, true
}

// stageDDTWrite resolves a deduplicated write: take a reference on a known
// identity (optionally after verifying content), park behind an in-flight
// first write, or become the first write itself.
func (z *ZIO) stageDDTWrite() pipeRv {
	eng := z.eng
	d := eng.ddt

	// Re-entry after a verification read.
	if z.ddtVerifyDone {
		return z.ddtFinishVerify()
	}

	d.mu.Lock()
	e := d.entries[z.ddtKey]
	if e == nil {
		d.entries[z.ddtKey] = &ddtEntry{pending: true}
		d.mu.Unlock()
		z.ddtPending = true
		eng.stats.dedupMisses.Add(1)
		d.cacheContent(z.ddtKey, z.logicalData())
		// First copy: fall through to a real allocation and store.
		z.pipeline |= StageDVAAllocate | stagesVdevIO
		return pipelineContinue
	}
	if e.pending {
		e.waiters = append(e.waiters, z)
		z.stage >>= 1
		d.mu.Unlock()
		return pipelineStop
	}

	if z.prop.DedupVerify {
		ebp := e.bp
		d.mu.Unlock()
		return z.ddtStartVerify(ebp)
	}

	z.ddtTakeRefLocked(d, e)
	d.mu.Unlock()
	return pipelineContinue
}

// ddtStartVerify compares this write's content against the stored identity,
// from the content cache when possible, otherwise via a child read.
func (z *ZIO) ddtStartVerify(ebp types.BlockPointer) pipeRv {
	d := z.eng.ddt
	if cached, ok := d.verifyCache.Get(z.ddtKey); ok {
		z.ddtVerifyBuf = cached
		z.ddtVerifyDone = true
		return z.ddtFinishVerify()
	}

	buf := make([]byte, ebp.Lsize)
	z.ddtVerifyBuf = buf
	z.ddtVerifyDone = true
	rbp := ebp
	rbp.Dedup = false
	cio := newZIO(z.eng, z, KindRead, childDDT, &rbp, buf, int64(len(buf)),
		z.priority, FlagDontPropagate, readPipeline(&rbp, childDDT))
	cio.Nowait()
	if z.waitForChildren(maskDDT, waitDone) {
		return pipelineStop
	}
	return z.ddtFinishVerify()
}

func (z *ZIO) ddtFinishVerify() pipeRv {
	eng := z.eng
	d := eng.ddt

	readErr := z.childErr[childDDT]
	z.childErr[childDDT] = nil
	match := readErr == nil && bytes.Equal(z.ddtVerifyBuf, z.logicalData())
	z.ddtVerifyBuf = nil
	z.ddtVerifyDone = false

	if !match {
		eng.stats.dedupVerifyFails.Add(1)
		if z.bp.Checksum != types.ChecksumSHA256 {
			// Weak-checksum collision: escalate and resolve again under
			// the strong algorithm.
			z.bp.Checksum = types.ChecksumSHA256
			z.bp.Sum = computeChecksum(types.ChecksumSHA256, z.data)
			z.ddtKey = z.bp.Sum
			z.stage >>= 1
			return pipelineContinue
		}
		// Strong-checksum collision (or unreadable stored copy): give up
		// on sharing and store a private copy.
		eng.log.Warn("dedup verify mismatch under strong checksum",
			"key", z.ddtKey[0])
		z.bp.Dedup = false
		z.pipeline |= StageDVAAllocate | stagesVdevIO
		return pipelineContinue
	}

	d.mu.Lock()
	e := d.entries[z.ddtKey]
	if e == nil || e.pending {
		// The identity moved under us while verifying; resolve again.
		d.mu.Unlock()
		z.stage >>= 1
		return pipelineContinue
	}
	z.ddtTakeRefLocked(d, e)
	d.mu.Unlock()
	return pipelineContinue
}

// ddtTakeRefLocked increments the identity and adopts its pointer, adding a
// ditto copy first when the reference count crosses the redundancy
// threshold. Caller holds d.mu.
func (z *ZIO) ddtTakeRefLocked(d *DDT, e *ddtEntry) {
	eng := z.eng
	e.refcnt++
	eng.stats.dedupHits.Add(1)

	if e.refcnt >= eng.dittoThreshold && e.bp.NDVAs < types.MaxDVAs &&
		uint64(z.size) == e.bp.Psize {
		var have []types.DVA
		for i := 0; i < e.bp.NDVAs; i++ {
			have = append(have, e.bp.DVAs[i])
		}
		if dva, ok := eng.allocDVA(z.size, have); ok {
			slot := e.bp.NDVAs
			e.bp.DVAs[slot] = dva
			e.bp.NDVAs++
			z.ddtWriteDitto(d, e, z.ddtKey, dva, slot)
		}
	}

	birth := z.bp.Birth
	*z.bp = e.bp
	z.bp.Birth = birth
	z.pipeline = pipelineInterlock
}

// ddtWriteDitto stores one extra physical copy of heavily referenced
// content. Failure quietly rolls the extra pointer back.
func (z *ZIO) ddtWriteDitto(d *DDT, e *ddtEntry, key types.Checksum, dva types.DVA, slot int) {
	eng := z.eng
	hbp := &types.BlockPointer{
		DVAs:  [types.MaxDVAs]types.DVA{dva},
		NDVAs: 1,
		Lsize: uint64(z.size),
		Psize: uint64(z.size),
	}
	cio := newZIO(eng, z, KindWrite, childDDT, hbp, z.data, z.size,
		types.PriorityAsyncWrite, FlagCanFail|FlagDontPropagate,
		pipelineInterlock|stagesVdevIO)
	cio.doneCb = func(_ *ZIO, err error) {
		if err == nil {
			return
		}
		d.mu.Lock()
		if cur := d.entries[key]; cur == e && e.bp.NDVAs == slot+1 {
			e.bp.DVAs[slot] = types.DVA{}
			e.bp.NDVAs = slot
		}
		d.mu.Unlock()
		eng.freeDVA(dva)
		eng.log.Warn("ditto copy write failed", "error", err)
	}
	cio.Nowait()
}

// stageDDTFree drops one reference; only the last reference proceeds to the
// physical free.
func (z *ZIO) stageDDTFree() pipeRv {
	_, last, known := z.eng.ddt.unref(z.bp.Sum)
	if known && !last {
		z.pipeline = pipelineInterlock
	}
	return pipelineContinue
}
