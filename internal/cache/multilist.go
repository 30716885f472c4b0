package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// multilist is an insertion-ordered list split into independently locked
// sublists, so concurrent insertion and eviction rarely contend. A header's
// sublist is fixed by its key hash; within a sublist the head is most
// recent and eviction walks from the tail.
type multilist struct {
	sublists []sublist
	size     atomic.Int64
}

type sublist struct {
	mu sync.Mutex
	ll *list.List
}

func newMultilist(n int) *multilist {
	if n < 1 {
		n = 1
	}
	m := &multilist{sublists: make([]sublist, n)}
	for i := range m.sublists {
		m.sublists[i].ll = list.New()
	}
	return m
}

func (m *multilist) sublistFor(h *header) int {
	return int(h.key.hash() % uint64(len(m.sublists)))
}

// insert places h at the head of its sublist.
func (m *multilist) insert(h *header) {
	idx := m.sublistFor(h)
	s := &m.sublists[idx]
	s.mu.Lock()
	h.sublist = idx
	h.elem = s.ll.PushFront(h)
	s.mu.Unlock()
	m.size.Add(h.size)
}

// remove takes h off its sublist. No-op if h is not on this list.
func (m *multilist) remove(h *header) {
	if h.elem == nil {
		return
	}
	s := &m.sublists[h.sublist]
	s.mu.Lock()
	s.ll.Remove(h.elem)
	s.mu.Unlock()
	h.elem = nil
	m.size.Add(-h.size)
}

// moveToHead refreshes h's recency within its sublist.
func (m *multilist) moveToHead(h *header) {
	if h.elem == nil {
		return
	}
	s := &m.sublists[h.sublist]
	s.mu.Lock()
	s.ll.MoveToFront(h.elem)
	s.mu.Unlock()
}

// bytes returns the tracked payload size of the list.
func (m *multilist) bytes() int64 {
	return m.size.Load()
}

// walkTails visits sublist tails oldest-first, round robin, under each
// sublist's lock. A sublist whose lock is contended is skipped and counted
// through onBusy rather than waited on. The visit callback returns false to
// stop the walk; it must not reenter the multilist.
func (m *multilist) walkTails(startIdx int, onBusy func(), visit func(h *header) bool) {
	n := len(m.sublists)
	for round := 0; ; round++ {
		progress := false
		for i := 0; i < n; i++ {
			s := &m.sublists[(startIdx+i)%n]
			if !s.mu.TryLock() {
				if onBusy != nil {
					onBusy()
				}
				continue
			}
			// Visit up to one tail entry per sublist per round so no
			// single sublist is drained while others idle.
			e := s.ll.Back()
			skip := round
			for e != nil && skip > 0 {
				e = e.Prev()
				skip--
			}
			if e == nil {
				s.mu.Unlock()
				continue
			}
			h := e.Value.(*header)
			s.mu.Unlock()
			progress = true
			if !visit(h) {
				return
			}
		}
		if !progress {
			return
		}
	}
}
