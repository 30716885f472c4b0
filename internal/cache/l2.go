package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/s2"

	"github.com/blockpool/blockpool/internal/buffer"
	"github.com/blockpool/blockpool/internal/config"
	"github.com/blockpool/blockpool/internal/vdev"
	"github.com/blockpool/blockpool/pkg/errors"
	"github.com/blockpool/blockpool/pkg/types"
)

// l2arc is the persistent second tier: a ring over one dedicated device,
// fed from the tails of the primary lists by a background cycle. The write
// hand only moves forward, wrapping at the end; whatever it overruns is
// evicted from the tier first. Tier contents are advisory: every read back
// is checksummed, and a bad read silently falls through to the pool.
type l2arc struct {
	s   *Service
	v   *vdev.Vdev
	cfg *config.SecondTierConfig

	writeMax int64
	devSize  int64

	mu   sync.Mutex
	hand int64
	ring []ringSeg

	warm atomic.Bool

	size        atomic.Int64
	hits        atomic.Uint64
	misses      atomic.Uint64
	writes      atomic.Uint64
	writeErrors atomic.Uint64
	cksumBad    atomic.Uint64
	evictions   atomic.Uint64
}

// ringSeg is one written extent of the ring, oldest first.
type ringSeg struct {
	start, end int64
	key        blockKey
}

func newL2ARC(s *Service, v *vdev.Vdev, cfg *config.SecondTierConfig) (*l2arc, error) {
	if cfg == nil {
		def := config.NewDefault().SecondTier
		cfg = &def
	}
	wm, err := config.ParseSize(cfg.WriteMax)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bad tier write max").WithCause(err)
	}
	l2 := &l2arc{
		s:        s,
		v:        v,
		cfg:      cfg,
		writeMax: wm,
		devSize:  v.Size(),
	}
	l2.warm.Store(true)
	return l2, nil
}

func (l *l2arc) feedLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	interval := l.cfg.FeedInterval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-l.s.stopCh:
			return
		case <-t.C:
			l.feedCycle()
		}
	}
}

// feedCycle writes up to one cycle's budget of soon-to-be-evicted primary
// blocks onto the ring, clearing the ground in front of the hand first.
func (l *l2arc) feedCycle() {
	target := l.writeMax
	if l.warm.Load() {
		target *= l.cfg.WriteBoost
	}
	if target > l.devSize {
		target = l.devSize
	}

	l.evictAhead(target * l.cfg.Headroom)

	var written int64
	feedOne := func(h *header) bool {
		if written >= target {
			return false
		}
		if n := l.feedHeader(h); n > 0 {
			written += n
		}
		return written < target
	}

	// Tail candidates: what the primary cache will shed next.
	l.s.mru.walkTails(0, nil, feedOne)
	if written < target {
		l.s.mfu.walkTails(0, nil, feedOne)
	}
}

// feedHeader copies one block onto the ring. Returns device bytes consumed.
func (l *l2arc) feedHeader(h *header) int64 {
	s := l.s
	sh := s.shardFor(h.key)
	sh.mu.Lock()
	if h.l2 != nil || h.buf == nil || h.elem == nil || h.prefetch {
		sh.mu.Unlock()
		return 0
	}
	data := make([]byte, h.buf.Len())
	copy(data, h.buf.Bytes())
	key := h.key
	sh.mu.Unlock()

	payload := data
	comp := types.CompressOff
	if isZeroes(data) {
		// Zero marker: the entry occupies no device space at all.
		ent := &l2Entry{lsize: int64(len(data)), comp: types.CompressEmpty}
		l.install(key, ent)
		return 0
	}
	if l.cfg.Compression {
		if c := s2.Encode(nil, data); len(c) < len(data) {
			payload = c
			comp = types.CompressS2
		}
	}

	aligned := (int64(len(payload)) + types.MinBlockSize - 1) &^ (types.MinBlockSize - 1)

	l.mu.Lock()
	if l.hand+aligned > l.devSize {
		// Forward hand only: wrap to the device start and reclaim
		// whatever the new lap overruns.
		l.hand = 0
	}
	off := l.hand
	l.evictRangeLocked(off, off+aligned)
	l.hand += aligned
	l.ring = append(l.ring, ringSeg{start: off, end: off + aligned, key: key})
	l.mu.Unlock()

	wbuf := make([]byte, aligned)
	copy(wbuf, payload)

	ent := &l2Entry{
		offset: off,
		psize:  int64(len(payload)),
		lsize:  int64(len(data)),
		comp:   comp,
		cksum:  xxhash.Sum64(payload),
	}
	l.v.Queue.Enqueue(&vdev.IO{
		Type:     vdev.OpWrite,
		Priority: types.PriorityAsyncWrite,
		Offset:   off,
		Size:     aligned,
		Data:     wbuf,
		Done: func(_ *vdev.IO, err error) {
			if err != nil {
				l.writeErrors.Add(1)
				l.dropSeg(off)
				return
			}
			l.writes.Add(1)
			l.size.Add(ent.psize)
			l.install(key, ent)
		},
	})
	return aligned
}

// install attaches a tier entry to the block's header, if it still exists.
func (l *l2arc) install(key blockKey, ent *l2Entry) {
	sh := l.s.shardFor(key)
	sh.mu.Lock()
	if h := sh.table[key]; h != nil {
		h.l2 = ent
	}
	sh.mu.Unlock()
}

// dropSeg forgets a ring segment whose write failed.
func (l *l2arc) dropSeg(start int64) {
	l.mu.Lock()
	for i := range l.ring {
		if l.ring[i].start == start {
			l.ring = append(l.ring[:i], l.ring[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
}

// evictAhead clears [hand, hand+window) so the next writes land on ground
// no live entry occupies.
func (l *l2arc) evictAhead(window int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hi := l.hand + window
	if hi > l.devSize {
		hi = l.devSize
	}
	l.evictRangeLocked(l.hand, hi)
}

// evictRangeLocked drops every ring segment overlapping [lo, hi). Caller
// holds l.mu.
func (l *l2arc) evictRangeLocked(lo, hi int64) {
	var keep []ringSeg
	for _, seg := range l.ring {
		if seg.start < hi && seg.end > lo {
			l.evictSeg(seg)
			continue
		}
		keep = append(keep, seg)
	}
	l.ring = keep
}

// evictSeg detaches one ring segment's header from the tier.
func (l *l2arc) evictSeg(seg ringSeg) {
	sh := l.s.shardFor(seg.key)
	sh.mu.Lock()
	if h := sh.table[seg.key]; h != nil && h.l2 != nil {
		l.size.Add(-h.l2.psize)
		h.l2 = nil
		if h.state == stateL2Only {
			delete(sh.table, seg.key)
		}
	}
	sh.mu.Unlock()
	l.evictions.Add(1)
}

// l2Fetch reads a block back from the tier, verifying it end to end. Any
// failure is reported to the caller, which falls back to the pool without
// surfacing the tier problem.
func (s *Service) l2Fetch(ctx context.Context, key blockKey, bp *types.BlockPointer, ent *l2Entry) (*buffer.Data, error) {
	s.l2mu.Lock()
	l := s.l2
	s.l2mu.Unlock()
	if l == nil || ent == nil {
		return nil, errors.NewError(errors.ErrCodeNotInitialized, "no second tier")
	}

	if ent.comp == types.CompressEmpty {
		l.hits.Add(1)
		buf := s.getRecycled(int(ent.lsize))
		for i := range buf {
			buf[i] = 0
		}
		if h := s.insert(key, bp, buf, stateMFU, bp.Type); h != nil {
			sh := s.shardFor(key)
			sh.mu.Lock()
			h.l2 = ent
			d := h.buf.Clone()
			sh.mu.Unlock()
			return d, nil
		}
		return buffer.NewData(buf, func() { s.pool.Put(buf) }), nil
	}

	aligned := (ent.psize + types.MinBlockSize - 1) &^ (types.MinBlockSize - 1)
	pbuf := s.pool.Get(int(aligned))[:aligned]
	defer s.pool.Put(pbuf)

	errCh := make(chan error, 1)
	l.v.Queue.Enqueue(&vdev.IO{
		Type:     vdev.OpRead,
		Priority: types.PrioritySyncRead,
		Offset:   ent.offset,
		Size:     aligned,
		Data:     pbuf,
		Done:     func(_ *vdev.IO, err error) { errCh <- err },
	})
	select {
	case err := <-errCh:
		if err != nil {
			l.misses.Add(1)
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	payload := pbuf[:ent.psize]
	if xxhash.Sum64(payload) != ent.cksum {
		l.cksumBad.Add(1)
		l.misses.Add(1)
		return nil, errors.NewError(errors.ErrCodeChecksum, "second tier checksum mismatch")
	}

	buf := s.getRecycled(int(ent.lsize))
	switch ent.comp {
	case types.CompressS2:
		out, err := s2.Decode(nil, payload)
		if err != nil || len(out) != len(buf) {
			s.pool.Put(buf)
			l.cksumBad.Add(1)
			l.misses.Add(1)
			return nil, errors.NewError(errors.ErrCodeDecompress, "second tier decode failed")
		}
		copy(buf, out)
	default:
		copy(buf, payload)
	}

	l.hits.Add(1)
	if h := s.insert(key, bp, buf, stateMFU, bp.Type); h != nil {
		sh := s.shardFor(key)
		sh.mu.Lock()
		h.l2 = ent
		d := h.buf.Clone()
		sh.mu.Unlock()
		return d, nil
	}
	return buffer.NewData(buf, func() { s.pool.Put(buf) }), nil
}

// l2NoteEviction ends the tier warmup boost on the first primary eviction.
func (s *Service) l2NoteEviction() {
	s.l2mu.Lock()
	l := s.l2
	s.l2mu.Unlock()
	if l != nil {
		l.warm.Store(false)
	}
}

func (l *l2arc) fillStats(st *types.CacheStats) {
	st.L2Size = l.size.Load()
	st.L2Hits = l.hits.Load()
	st.L2Misses = l.misses.Load()
	st.L2Writes = l.writes.Load()
	st.L2WriteErrors = l.writeErrors.Load()
	st.L2ChecksumBad = l.cksumBad.Load()
	st.L2Evictions = l.evictions.Load()
}

func isZeroes(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
