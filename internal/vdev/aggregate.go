package vdev

import (
	"github.com/blockpool/blockpool/pkg/types"
)

// span is the range covered from the start of first to the end of last.
func span(first, last *IO) int64 {
	return last.Offset + last.Size - first.Offset
}

// gap is the hole between the end of a and the start of b.
func gap(a, b *IO) int64 {
	return b.Offset - (a.Offset + a.Size)
}

// aggregateLocked attempts to merge io with queued neighbors of the same
// class into one larger request. Returns the aggregate (with the
// constituents removed from the queued tree and recorded as its children),
// or nil when io should be issued alone.
//
// Only offset-sorted classes aggregate: the synchronous queues are ordered
// by arrival and their requests are rarely contiguous.
func (q *Queue) aggregateLocked(io *IO) *IO {
	if io.Flags&FlagDontAggregate != 0 {
		return nil
	}
	if io.Type != OpRead && io.Type != OpWrite {
		return nil
	}
	if io.Priority == types.PrioritySyncRead || io.Priority == types.PrioritySyncWrite {
		return nil
	}

	t := q.classes[io.Priority].queued
	idx := t.indexOf(io)
	if idx < 0 {
		return nil
	}

	var maxGap int64
	if io.Type == OpRead {
		maxGap = q.readGap
	}

	inherit := io.Flags & aggInherit
	first, last := idx, idx

	// The last non-optional entry in the range. Optional entries may pad an
	// aggregate but never justify one.
	mandatory := -1
	if io.Flags&FlagOptional == 0 {
		mandatory = idx
	}

	// Walk backward through sufficiently contiguous entries.
	for first > 0 {
		prev := t.at(first - 1)
		if prev.Flags&aggInherit != inherit ||
			span(prev, t.at(last)) > q.aggLimit ||
			gap(prev, t.at(first)) > maxGap {
			break
		}
		first--
		if mandatory == -1 && prev.Flags&FlagOptional == 0 {
			mandatory = first
		}
	}

	// Skip any initial optional entries; they add nothing at the front.
	for t.at(first).Flags&FlagOptional != 0 && first != last {
		first++
	}

	// Walk forward through sufficiently contiguous entries.
	for last < t.len()-1 {
		next := t.at(last + 1)
		if next.Flags&aggInherit != inherit ||
			span(t.at(first), next) > q.aggLimit ||
			gap(t.at(last), next) > maxGap {
			break
		}
		last++
		if next.Flags&FlagOptional == 0 {
			mandatory = last
		}
	}

	// Decide what to do with trailing optional entries. A write may stretch
	// across a short run of them when that reaches another mandatory
	// request, letting the device see one contiguous write.
	stretch := false
	if io.Type == OpWrite && mandatory >= 0 {
		n := last
		for n < t.len()-1 {
			next := t.at(n + 1)
			if gap(t.at(n), next) != 0 || gap(t.at(mandatory), next) > q.writeGap {
				break
			}
			n++
			if next.Flags&FlagOptional == 0 {
				stretch = true
				break
			}
		}
	}

	if stretch {
		// May be a no-op when the next entry is already mandatory.
		if last < t.len()-1 {
			t.at(last + 1).Flags &^= FlagOptional
		}
	} else {
		for last != mandatory && last != first {
			last--
		}
	}

	if first == last {
		return nil
	}

	size := span(t.at(first), t.at(last))
	agg := &IO{
		Type:     io.Type,
		Priority: io.Priority,
		Offset:   t.at(first).Offset,
		Size:     size,
		Data:     q.pool.Get(int(size)),
		Flags:    inherit | FlagDontAggregate,
		pool:     q.pool,
	}

	children := make([]*IO, 0, last-first+1)
	for i := first; i <= last; i++ {
		children = append(children, t.at(i))
	}
	for _, child := range children {
		off := child.Offset - agg.Offset
		if child.Flags&FlagNoData != 0 {
			for i := off; i < off+child.Size; i++ {
				agg.Data[i] = 0
			}
		} else if child.Type == OpWrite {
			copy(agg.Data[off:off+child.Size], child.Data)
		}
		child.Bypassed = true
		t.remove(child)
	}
	agg.aggChildren = children

	q.stats.Aggregated++
	q.stats.AggregatedBytes += uint64(size)
	return agg
}
