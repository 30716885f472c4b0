package cache

import (
	"time"
)

// adjust walks the lists back toward their targets: resident data first
// (recent side down to the split, then frequent), then the ghosts, which
// together with their resident list may not exceed the whole target.
func (s *Service) adjust() {
	c := s.c.Load()
	p := s.p.Load()

	over := s.sizeTotal() - c
	if over > 0 {
		mruOver := s.mru.bytes() - p
		if mruOver > 0 {
			n := mruOver
			if n > over {
				n = over
			}
			over -= s.evictList(s.mru, s.mruGhost, n, 0)
		}
		if over > 0 {
			s.evictList(s.mfu, s.mfuGhost, over, 0)
		}
	}

	if g := s.mru.bytes() + s.mruGhost.bytes() - c; g > 0 {
		s.evictGhost(s.mruGhost, g)
	}
	if g := s.mfu.bytes() + s.mfuGhost.bytes() - c; g > 0 {
		s.evictGhost(s.mfuGhost, g)
	}
}

// evictBytes frees at least want bytes for a new buffer, returning a
// recycled byte slice when an evicted buffer of exactly recycleSize came
// loose. Used on the allocation path so a cache at steady state mostly
// reuses its own memory.
func (s *Service) evictBytes(want int64, recycleSize int) []byte {
	p := s.p.Load()
	var recycled []byte
	if s.mru.bytes() > p {
		recycled = s.evictListRecycle(s.mru, s.mruGhost, want, recycleSize)
	} else {
		recycled = s.evictListRecycle(s.mfu, s.mfuGhost, want, recycleSize)
	}
	return recycled
}

func (s *Service) evictList(from, ghost *multilist, want int64, recycleSize int) int64 {
	evicted, _ := s.evictListInner(from, ghost, want, recycleSize)
	return evicted
}

func (s *Service) evictListRecycle(from, ghost *multilist, want int64, recycleSize int) []byte {
	_, recycled := s.evictListInner(from, ghost, want, recycleSize)
	return recycled
}

// evictListInner walks the tails of from, demoting headers to the ghost
// list until want bytes came loose. Buffers still referenced by readers are
// skipped, as are prefetched blocks inside their protected lifespan.
func (s *Service) evictListInner(from, ghost *multilist, want int64, recycleSize int) (int64, []byte) {
	var evicted int64
	var recycled []byte
	now := time.Now()
	start := int(s.evictRotor.Add(1))

	from.walkTails(start,
		func() { s.stats.mutexMisses.Add(1) },
		func(h *header) bool {
			sh := s.shardFor(h.key)
			if !sh.mu.TryLock() {
				s.stats.mutexMisses.Add(1)
				return true
			}
			// Revalidate under the lock: the walk saw h outside it.
			if h.elem == nil || sh.table[h.key] != h || h.buf == nil {
				sh.mu.Unlock()
				return true
			}
			if h.prefetch && now.Sub(h.firstAccess) < s.cfg.MinPrefetchLifespan {
				sh.mu.Unlock()
				s.stats.evictSkips.Add(1)
				return true
			}
			if h.buf.Refs() > 1 {
				// A reader still holds the region; its memory is not
				// reclaimable yet.
				sh.mu.Unlock()
				s.stats.evictSkips.Add(1)
				return true
			}

			from.remove(h)
			s.accountBytes(h, -1)
			if recycled == nil && recycleSize > 0 && h.buf.Len() == recycleSize {
				recycled = h.buf.Detach()[:recycleSize]
			} else {
				h.buf.Release()
			}
			h.buf = nil
			evicted += h.size
			s.stats.evictions.Add(1)
			cb := h.evictCb
			h.evictCb = nil

			switch h.state {
			case stateMRU, stateAnon:
				h.state = stateMRUGhost
			case stateMFU:
				h.state = stateMFUGhost
			}
			ghost.insert(h)
			sh.mu.Unlock()

			if cb != nil {
				cb()
			}
			s.l2NoteEviction()
			return evicted < want
		})
	return evicted, recycled
}

// evictGhost trims a ghost list by deleting headers outright; a header with
// a second-tier copy survives as tier-only.
func (s *Service) evictGhost(ghost *multilist, want int64) {
	var evicted int64
	start := int(s.evictRotor.Add(1))
	ghost.walkTails(start,
		func() { s.stats.mutexMisses.Add(1) },
		func(h *header) bool {
			sh := s.shardFor(h.key)
			if !sh.mu.TryLock() {
				s.stats.mutexMisses.Add(1)
				return true
			}
			if h.elem == nil || sh.table[h.key] != h {
				sh.mu.Unlock()
				return true
			}
			ghost.remove(h)
			if h.l2 != nil {
				h.state = stateL2Only
			} else {
				delete(sh.table, h.key)
			}
			evicted += h.size
			s.stats.deletedGhosts.Add(1)
			sh.mu.Unlock()
			return evicted < want
		})
}
