package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blockpool/blockpool/internal/buffer"
	"github.com/blockpool/blockpool/internal/config"
	"github.com/blockpool/blockpool/internal/vdev"
	"github.com/blockpool/blockpool/internal/zio"
	"github.com/blockpool/blockpool/pkg/errors"
	"github.com/blockpool/blockpool/pkg/types"
)

// shard is one slice of the header table, guarded by its own lock. All
// state transitions of a header happen under its shard lock.
type shard struct {
	mu    sync.Mutex
	table map[blockKey]*header
}

type serviceStats struct {
	hits          atomic.Uint64
	misses        atomic.Uint64
	mruHits       atomic.Uint64
	mfuHits       atomic.Uint64
	mruGhostHits  atomic.Uint64
	mfuGhostHits  atomic.Uint64
	evictions     atomic.Uint64
	evictSkips    atomic.Uint64
	mutexMisses   atomic.Uint64
	recycleMisses atomic.Uint64
	deletedGhosts atomic.Uint64
}

// Service is the adaptive block cache. Reads go through it; writes insert
// their completed blocks into it. It self-tunes a target size between the
// configured bounds and a recent/frequent split from ghost-list feedback.
type Service struct {
	cfg *config.CacheConfig
	log *slog.Logger
	eng *zio.Engine

	pool *buffer.BytePool

	shards []shard

	mru      *multilist
	mruGhost *multilist
	mfu      *multilist
	mfuGhost *multilist

	anonBytes atomic.Int64
	metaBytes atomic.Int64
	dataBytes atomic.Int64

	// c is the target size, p the recently-used share of it.
	c atomic.Int64
	p atomic.Int64

	cMin         int64
	cMax         int64
	growHeadroom int64

	growThrottleUntil atomic.Int64

	evictRotor atomic.Uint64

	l2mu sync.Mutex
	l2   *l2arc

	stats serviceStats

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates the cache in front of the given pipeline engine.
func New(cfg *config.Configuration, eng *zio.Engine, pool *buffer.BytePool, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pool == nil {
		pool = buffer.NewBytePool()
	}
	cc := cfg.Cache

	cMin, err := config.ParseSize(cc.MinSize)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bad cache min size").WithCause(err)
	}
	cMax, err := config.ParseSize(cc.MaxSize)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bad cache max size").WithCause(err)
	}
	headroom, err := config.ParseSize(cc.GrowHeadroom)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bad cache grow headroom").WithCause(err)
	}

	s := &Service{
		cfg:          &cc,
		log:          logger.With("component", "cache"),
		eng:          eng,
		pool:         pool,
		shards:       make([]shard, cc.HashLocks),
		mru:          newMultilist(cc.Sublists),
		mruGhost:     newMultilist(cc.Sublists),
		mfu:          newMultilist(cc.Sublists),
		mfuGhost:     newMultilist(cc.Sublists),
		cMin:         cMin,
		cMax:         cMax,
		growHeadroom: headroom,
		stopCh:       make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].table = make(map[blockKey]*header)
	}
	s.c.Store(cMin)
	s.p.Store(cMin / 2)
	return s, nil
}

// Start launches the background balancing loop and, when a second tier is
// attached, its feed loop.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.balanceLoop()
	s.l2mu.Lock()
	l2 := s.l2
	s.l2mu.Unlock()
	if l2 != nil {
		s.wg.Add(1)
		go l2.feedLoop(&s.wg)
	}
}

// Stop halts background activity and drops every cached buffer.
func (s *Service) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// AttachSecondTier dedicates a device to the persistent tier. Call before
// Start.
func (s *Service) AttachSecondTier(v *vdev.Vdev, cfg *config.SecondTierConfig) error {
	l2, err := newL2ARC(s, v, cfg)
	if err != nil {
		return err
	}
	s.l2mu.Lock()
	s.l2 = l2
	s.l2mu.Unlock()
	return nil
}

func (s *Service) shardFor(key blockKey) *shard {
	return &s.shards[key.hash()%uint64(len(s.shards))]
}

// Read returns the block named by bp, from memory, the second tier, or the
// backing pool, promoting and adapting as the access pattern dictates. The
// returned handle must be released by the caller.
func (s *Service) Read(ctx context.Context, bp *types.BlockPointer, prio types.Priority) (*buffer.Data, error) {
	if bp.Compress == types.CompressEmpty && bp.IsHole() {
		// Zero block: reproduce it without caching anything.
		b := make([]byte, bp.Lsize)
		return buffer.NewData(b, nil), nil
	}

	key := keyOf(bp)
	sh := s.shardFor(key)

	sh.mu.Lock()
	h := sh.table[key]
	if h != nil {
		switch h.state {
		case stateMRU, stateMFU, stateAnon:
			d := h.buf.Clone()
			s.accessLocked(h)
			sh.mu.Unlock()
			s.stats.hits.Add(1)
			return d, nil

		case stateMRUGhost, stateMFUGhost:
			s.ghostHitLocked(h)
			// A ghosted prefetch was never demand-read; its return is a
			// first touch, not evidence of frequency.
			into := stateMFU
			if h.prefetch {
				into = stateMRU
			}
			sh.mu.Unlock()
			s.stats.misses.Add(1)
			return s.fetch(ctx, key, bp, prio, into)

		case stateL2Only:
			ent := h.l2
			sh.mu.Unlock()
			if d, err := s.l2Fetch(ctx, key, bp, ent); err == nil {
				return d, nil
			}
			// Unreadable tier copy: silently take the long way.
			s.stats.misses.Add(1)
			return s.fetch(ctx, key, bp, prio, stateMRU)
		}
	}
	sh.mu.Unlock()

	s.stats.misses.Add(1)
	return s.fetch(ctx, key, bp, prio, stateMRU)
}

// Prefetch starts an asynchronous speculative read. The block lands on the
// recently-used list tagged prefetch: immune to eviction for the configured
// lifespan, but promoted only by a real access.
func (s *Service) Prefetch(bp *types.BlockPointer, prio types.Priority) {
	key := keyOf(bp)
	sh := s.shardFor(key)
	sh.mu.Lock()
	_, exists := sh.table[key]
	sh.mu.Unlock()
	if exists {
		return
	}

	buf := s.pool.Get(int(bp.Lsize))[:bp.Lsize]
	z, err := zio.NewRead(s.eng, nil, bp, buf, prio, zio.FlagSpeculative|zio.FlagCanFail,
		func(z *zio.ZIO, err error) {
			if err != nil {
				s.pool.Put(buf)
				return
			}
			h := s.insert(key, bp, buf, stateMRU, bp.Type)
			if h != nil {
				sh := s.shardFor(key)
				sh.mu.Lock()
				h.prefetch = true
				sh.mu.Unlock()
			}
		})
	if err != nil {
		s.pool.Put(buf)
		return
	}
	z.Nowait()
}

// fetch reads through to the pipeline and installs the result.
func (s *Service) fetch(ctx context.Context, key blockKey, bp *types.BlockPointer,
	prio types.Priority, into state) (*buffer.Data, error) {

	s.grow(int64(bp.Lsize))

	buf := s.getRecycled(int(bp.Lsize))
	if err := s.eng.Read(ctx, bp, buf, prio); err != nil {
		s.pool.Put(buf)
		return nil, err
	}
	h := s.insert(key, bp, buf, into, bp.Type)
	if h == nil {
		// Lost an insert race; the winner's copy serves.
		d := buffer.NewData(buf, func() { s.pool.Put(buf) })
		return d, nil
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	d := h.buf.Clone()
	sh.mu.Unlock()
	return d, nil
}

// Insert records a freshly written block. It enters as recently-used; the
// write path already holds the data, so no device read happens.
func (s *Service) Insert(bp *types.BlockPointer, data []byte, btype types.BlockType) {
	if bp.IsHole() && bp.Compress != types.CompressEmpty {
		return
	}
	if bp.Compress == types.CompressEmpty && bp.IsHole() {
		return
	}
	buf := s.getRecycled(len(data))
	copy(buf, data)
	s.insert(keyOf(bp), bp, buf, stateMRU, btype)
}

// insert installs a header holding buf. Returns nil (and pools buf) when a
// live entry already exists.
func (s *Service) insert(key blockKey, bp *types.BlockPointer, buf []byte, into state, btype types.BlockType) *header {
	sh := s.shardFor(key)
	now := time.Now()

	sh.mu.Lock()
	if old := sh.table[key]; old != nil {
		if old.buf != nil {
			sh.mu.Unlock()
			s.pool.Put(buf)
			return nil
		}
		// Ghost or tier-only header coming back to life.
		s.listFor(old.state).remove(old)
		delete(sh.table, key)
	}
	h := &header{
		key:         key,
		bp:          *bp,
		state:       into,
		size:        int64(len(buf)),
		btype:       btype,
		firstAccess: now,
		lastAccess:  now,
	}
	b := buf
	h.buf = buffer.NewData(b, func() { s.pool.Put(b) })
	sh.table[key] = h
	s.listFor(into).insert(h)
	s.accountBytes(h, 1)
	sh.mu.Unlock()

	if s.overflowing() {
		s.adjust()
	}
	return h
}

// Evict removes a block from every tier, typically because it was freed.
func (s *Service) Evict(bp *types.BlockPointer) {
	key := keyOf(bp)
	sh := s.shardFor(key)
	sh.mu.Lock()
	h := sh.table[key]
	if h == nil {
		sh.mu.Unlock()
		return
	}
	if l := s.listFor(h.state); l != nil {
		l.remove(h)
	}
	delete(sh.table, key)
	var cb func()
	if h.buf != nil {
		s.accountBytes(h, -1)
		h.buf.Release()
		h.buf = nil
		cb = h.evictCb
		h.evictCb = nil
	}
	sh.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// OnEvict registers fn to run exactly once when the block's resident copy
// leaves memory, whether aged out by policy or removed outright. Returns
// false when no resident copy exists to watch.
func (s *Service) OnEvict(bp *types.BlockPointer, fn func()) bool {
	key := keyOf(bp)
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	h := sh.table[key]
	if h == nil || h.buf == nil {
		return false
	}
	h.evictCb = fn
	return true
}

// accessLocked runs the hit state machine. Caller holds the shard lock.
func (s *Service) accessLocked(h *header) {
	now := time.Now()
	switch h.state {
	case stateMRU:
		s.stats.mruHits.Add(1)
		if h.prefetch {
			// First demand access of a speculative block: the clock
			// starts now, the block stays recently-used.
			h.prefetch = false
			h.lastAccess = now
			s.mru.moveToHead(h)
			return
		}
		if now.Sub(h.lastAccess) >= s.cfg.MinDwellTime {
			// A distinct burst: this block is frequently used.
			s.mru.remove(h)
			h.state = stateMFU
			s.mfu.insert(h)
		}
		h.lastAccess = now
	case stateMFU:
		s.stats.mfuHits.Add(1)
		h.lastAccess = now
		s.mfu.moveToHead(h)
	case stateAnon:
		h.lastAccess = now
	}
}

// ghostHitLocked rewards the ghost's side of the split. A hit on the
// recent ghosts means recency deserves more room; on the frequent ghosts,
// less. The reward is the block size scaled by the imbalance between the
// two ghost lists, capped.
func (s *Service) ghostHitLocked(h *header) {
	bytes := h.size
	mruG := s.mruGhost.bytes()
	mfuG := s.mfuGhost.bytes()
	capMult := s.cfg.GhostHitMultiplierCap
	c := s.c.Load()
	p := s.p.Load()

	if h.state == stateMRUGhost {
		s.stats.mruGhostHits.Add(1)
		mult := int64(1)
		if mruG > 0 && mfuG > mruG {
			mult = mfuG / mruG
		}
		if mult > capMult {
			mult = capMult
		}
		p += bytes * mult
		if p > c {
			p = c
		}
	} else {
		s.stats.mfuGhostHits.Add(1)
		mult := int64(1)
		if mfuG > 0 && mruG > mfuG {
			mult = mruG / mfuG
		}
		if mult > capMult {
			mult = capMult
		}
		p -= bytes * mult
		if p < 0 {
			p = 0
		}
	}
	s.p.Store(p)
}

// grow raises the target on a miss, unless pressure recently froze it.
// Growth is earned only when the resident set is pressing against the
// target: a miss with plenty of free room says nothing about the target
// being too small.
func (s *Service) grow(bytes int64) {
	if time.Now().UnixNano() < s.growThrottleUntil.Load() {
		return
	}
	if s.sizeTotal()+s.growHeadroom <= s.c.Load() {
		return
	}
	for {
		c := s.c.Load()
		if c >= s.cMax {
			return
		}
		nc := c + bytes
		if nc > s.cMax {
			nc = s.cMax
		}
		if s.c.CompareAndSwap(c, nc) {
			return
		}
	}
}

// MemoryPressure sheds a fraction of the target immediately and freezes
// growth for the configured retry period.
func (s *Service) MemoryPressure() {
	for {
		c := s.c.Load()
		nc := c - c>>s.cfg.ShrinkShift
		if nc < s.cMin {
			nc = s.cMin
		}
		if s.c.CompareAndSwap(c, nc) {
			break
		}
	}
	s.growThrottleUntil.Store(time.Now().Add(s.cfg.GrowRetry).UnixNano())
	s.adjust()
}

// AddAnon and ReleaseAnon account for write buffers that are dirty in
// memory but not yet addressable: they charge the target without living on
// any list.
func (s *Service) AddAnon(bytes int64) {
	s.anonBytes.Add(bytes)
	if s.overflowing() {
		s.adjust()
	}
}

// ReleaseAnon drops anonymous accounting once the write completed (and the
// block was inserted under its pointer) or failed.
func (s *Service) ReleaseAnon(bytes int64) {
	s.anonBytes.Add(-bytes)
}

func (s *Service) listFor(st state) *multilist {
	switch st {
	case stateMRU, stateAnon:
		return s.mru
	case stateMRUGhost:
		return s.mruGhost
	case stateMFU:
		return s.mfu
	case stateMFUGhost:
		return s.mfuGhost
	default:
		return nil
	}
}

func (s *Service) accountBytes(h *header, sign int64) {
	if h.btype == types.BlockTypeMetadata {
		s.metaBytes.Add(sign * h.size)
	} else {
		s.dataBytes.Add(sign * h.size)
	}
}

// sizeTotal is the resident data footprint measured against the target.
func (s *Service) sizeTotal() int64 {
	return s.mru.bytes() + s.mfu.bytes() + s.anonBytes.Load()
}

func (s *Service) overflowing() bool {
	return s.sizeTotal() > s.c.Load()
}

// getRecycled returns a data buffer, preferring one recycled from an
// eviction of the same size over a fresh pool allocation.
func (s *Service) getRecycled(size int) []byte {
	if s.overflowing() {
		if b := s.evictBytes(int64(size), size); b != nil {
			return b
		}
		s.stats.recycleMisses.Add(1)
	}
	return s.pool.Get(size)[:size]
}

// balanceLoop periodically trims the lists back to their targets.
func (s *Service) balanceLoop() {
	defer s.wg.Done()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.adjust()
		}
	}
}

// Stats snapshots the cache state.
func (s *Service) Stats() types.CacheStats {
	st := types.CacheStats{
		Hits:          s.stats.hits.Load(),
		Misses:        s.stats.misses.Load(),
		MRUHits:       s.stats.mruHits.Load(),
		MFUHits:       s.stats.mfuHits.Load(),
		MRUGhostHits:  s.stats.mruGhostHits.Load(),
		MFUGhostHits:  s.stats.mfuGhostHits.Load(),
		Size:          s.sizeTotal(),
		Target:        s.c.Load(),
		MRUTarget:     s.p.Load(),
		MinSize:       s.cMin,
		MaxSize:       s.cMax,
		AnonSize:      s.anonBytes.Load(),
		MRUSize:       s.mru.bytes(),
		MRUGhostSize:  s.mruGhost.bytes(),
		MFUSize:       s.mfu.bytes(),
		MFUGhostSize:  s.mfuGhost.bytes(),
		MetadataSize:  s.metaBytes.Load(),
		DataSize:      s.dataBytes.Load(),
		Evictions:     s.stats.evictions.Load(),
		EvictSkips:    s.stats.evictSkips.Load(),
		MutexMisses:   s.stats.mutexMisses.Load(),
		RecycleMisses: s.stats.recycleMisses.Load(),
		DeletedGhosts: s.stats.deletedGhosts.Load(),
	}
	s.l2mu.Lock()
	if s.l2 != nil {
		s.l2.fillStats(&st)
	}
	s.l2mu.Unlock()
	return st
}
