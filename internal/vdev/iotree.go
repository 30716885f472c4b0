package vdev

import (
	"sort"
)

// lessFunc orders entries within one class tree.
type lessFunc func(a, b *IO) bool

// byOffset orders entries by device offset, arrival sequence breaking ties.
func byOffset(a, b *IO) bool {
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	return a.seq < b.seq
}

// byTimestamp orders entries first-in-first-out by arrival.
func byTimestamp(a, b *IO) bool {
	if !a.timestamp.Equal(b.timestamp) {
		return a.timestamp.Before(b.timestamp)
	}
	return a.seq < b.seq
}

// ioTree is an ordered set of queue entries. A sorted slice keeps neighbor
// walks (the aggregation scans) trivially index-based; queue depths are
// bounded by the class concurrency limits, so insertion cost is not a
// concern.
type ioTree struct {
	items []*IO
	less  lessFunc
}

func newIOTree(less lessFunc) *ioTree {
	return &ioTree{less: less}
}

func (t *ioTree) len() int {
	return len(t.items)
}

func (t *ioTree) at(i int) *IO {
	return t.items[i]
}

func (t *ioTree) first() *IO {
	if len(t.items) == 0 {
		return nil
	}
	return t.items[0]
}

// add inserts io in sorted position.
func (t *ioTree) add(io *IO) {
	i := sort.Search(len(t.items), func(i int) bool {
		return t.less(io, t.items[i])
	})
	t.items = append(t.items, nil)
	copy(t.items[i+1:], t.items[i:])
	t.items[i] = io
}

// indexOf locates io, or returns -1.
func (t *ioTree) indexOf(io *IO) int {
	i := sort.Search(len(t.items), func(i int) bool {
		return !t.less(t.items[i], io)
	})
	for ; i < len(t.items); i++ {
		if t.items[i] == io {
			return i
		}
		if t.less(io, t.items[i]) {
			break
		}
	}
	return -1
}

// remove deletes io from the tree.
func (t *ioTree) remove(io *IO) {
	i := t.indexOf(io)
	if i < 0 {
		return
	}
	t.items = append(t.items[:i], t.items[i+1:]...)
}

// nearestAfter returns the first entry at or after off, or nil. Only
// meaningful for offset-ordered trees.
func (t *ioTree) nearestAfter(off int64) *IO {
	i := sort.Search(len(t.items), func(i int) bool {
		return t.items[i].Offset >= off
	})
	if i == len(t.items) {
		return nil
	}
	return t.items[i]
}
