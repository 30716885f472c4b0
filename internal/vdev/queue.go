package vdev

import (
	"sync"
	"time"

	"github.com/blockpool/blockpool/internal/buffer"
	"github.com/blockpool/blockpool/internal/config"
	"github.com/blockpool/blockpool/pkg/types"
)

// OpType is the physical operation a queue entry performs.
type OpType int

const (
	OpRead OpType = iota
	OpWrite
	OpFlush
	OpTrim
)

// String returns the operation name.
func (t OpType) String() string {
	switch t {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpTrim:
		return "trim"
	default:
		return "unknown"
	}
}

// Flags modify how the queue treats an entry.
type Flags uint32

const (
	// FlagDontAggregate excludes the entry from request merging.
	FlagDontAggregate Flags = 1 << iota
	// FlagOptional marks a synthesized gap-filling write that may be
	// dropped if no aggregation benefits from it.
	FlagOptional
	// FlagNoData marks an entry with no payload of its own; its range is
	// zero-filled inside an aggregate.
	FlagNoData
	// FlagScrub and FlagRepair tag background integrity traffic. Entries
	// merge only with entries carrying identical inherit flags.
	FlagScrub
	FlagRepair
)

// aggInherit is the flag subset that must match for two entries to merge.
const aggInherit = FlagScrub | FlagRepair

// IO is one request against a single device: the unit the queue admits,
// orders, aggregates, and issues. It wraps a leaf-level pipeline unit; the
// pipeline resumes through Done.
type IO struct {
	Type     OpType
	Priority types.Priority
	Offset   int64
	Size     int64
	Data     []byte
	Flags    Flags

	// Done resumes the owning pipeline unit. Called exactly once, off the
	// queue lock. Bypassed reports the entry was satisfied (or discarded)
	// without reaching the device.
	Done func(io *IO, err error)

	// Bypassed is set when the entry never reached the device on its own:
	// either merged into an aggregate or short-circuited as optional.
	Bypassed bool

	timestamp time.Time
	seq       uint64

	// aggregation bookkeeping
	aggChildren []*IO
	pool        *buffer.BytePool
}

// queueClass is one priority class: its queued tree and active count.
type queueClass struct {
	queued *ioTree
	active int
}

// DirtyProvider reports the pool-wide unflushed-data level that scales the
// asynchronous-write class, and whether an interactive flush is pending.
type DirtyProvider interface {
	// DirtyBytes returns current unflushed bytes and the configured ceiling.
	DirtyBytes() (dirty, max int64)
	// PendingSync reports an interactive flush request; it forces the
	// asynchronous-write class to its absolute maximum.
	PendingSync() bool
}

// Queue is the per-device I/O scheduler. It owns the queued and active sets
// for one leaf device; it knows nothing of caching or pipeline stages.
//
// The queue lock is held only for pointer-level queue manipulation, never
// across a device issue.
type Queue struct {
	mu sync.Mutex

	dev      Device
	cfg      *config.QueueConfig
	dirty    DirtyProvider
	pool     *buffer.BytePool
	aggLimit int64
	readGap  int64
	writeGap int64

	classes     [types.NumQueueablePriorities]queueClass
	activeCount int
	lastOffset  int64
	seq         uint64

	stats types.QueueStats
}

// NewQueue creates a scheduler for one device.
func NewQueue(dev Device, cfg *config.QueueConfig, dirty DirtyProvider, pool *buffer.BytePool) *Queue {
	if cfg == nil {
		def := config.NewDefault().Queue
		cfg = &def
	}
	if pool == nil {
		pool = buffer.NewBytePool()
	}
	q := &Queue{
		dev:      dev,
		cfg:      cfg,
		dirty:    dirty,
		pool:     pool,
		aggLimit: config.MustParseSize(cfg.AggregationLimit),
		readGap:  config.MustParseSize(cfg.ReadGapLimit),
		writeGap: config.MustParseSize(cfg.WriteGapLimit),
	}
	for p := range q.classes {
		if types.Priority(p) == types.PrioritySyncRead || types.Priority(p) == types.PrioritySyncWrite {
			q.classes[p].queued = newIOTree(byTimestamp)
		} else {
			q.classes[p].queued = newIOTree(byOffset)
		}
	}
	return q
}

// Enqueue admits an entry and issues as much eligible work as concurrency
// limits allow.
func (q *Queue) Enqueue(io *IO) {
	prio := io.Priority
	if prio == types.PriorityNow {
		// Cut-ahead retries are issued as synchronous traffic.
		if io.Type == OpRead {
			prio = types.PrioritySyncRead
		} else {
			prio = types.PrioritySyncWrite
		}
		io.Priority = prio
	}

	q.mu.Lock()
	io.timestamp = time.Now()
	q.seq++
	io.seq = q.seq
	q.classes[prio].queued.add(io)
	q.mu.Unlock()

	q.pump()
}

// Len returns the number of queued (not yet active) entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for p := range q.classes {
		n += q.classes[p].queued.len()
	}
	return n
}

// Stats returns a snapshot of the queue state.
func (q *Queue) Stats() types.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	for p := range q.classes {
		s.Queued[p] = q.classes[p].queued.len()
		s.Active[p] = q.classes[p].active
	}
	s.TotalActive = q.activeCount
	return s
}

// pump issues work until no eligible entry remains. Each completion calls
// pump again, so the device is kept maximally busy.
func (q *Queue) pump() {
	for {
		q.mu.Lock()
		io, bypass := q.nextLocked()
		if io == nil {
			q.mu.Unlock()
			return
		}
		if bypass {
			// Optional entries that never merged are discarded without
			// reaching the device. Completed off the lock.
			q.mu.Unlock()
			io.Bypassed = true
			io.Done(io, nil)
			continue
		}
		q.classes[io.Priority].active++
		q.activeCount++
		q.lastOffset = io.Offset
		q.mu.Unlock()

		go q.issue(io)
	}
}

// nextLocked picks the next entry to issue, possibly replacing it with a
// freshly built aggregate. Returns bypass=true for an optional no-data entry
// that must be short-circuited.
func (q *Queue) nextLocked() (*IO, bool) {
	p := q.classToIssueLocked()
	if p < 0 {
		return nil, false
	}

	qc := &q.classes[p]
	var io *IO
	if types.Priority(p) == types.PrioritySyncRead || types.Priority(p) == types.PrioritySyncWrite {
		io = qc.queued.first()
	} else {
		// Rotating scan: nearest entry at or after the most recently
		// issued offset, wrapping to the lowest.
		io = qc.queued.nearestAfter(q.lastOffset + 1)
		if io == nil {
			io = qc.queued.first()
		}
	}

	if agg := q.aggregateLocked(io); agg != nil {
		io = agg
	} else {
		qc.queued.remove(io)
	}

	if io.Flags&FlagNoData != 0 {
		return io, true
	}
	return io, false
}

// classToIssueLocked returns the class to issue from, or -1 when nothing is
// eligible. Two passes: first a class below its minimum, then one below its
// maximum.
func (q *Queue) classToIssueLocked() int {
	if q.activeCount >= q.cfg.MaxActive {
		return -1
	}
	for p := 0; p < int(types.NumQueueablePriorities); p++ {
		if q.classes[p].queued.len() > 0 && q.classes[p].active < q.classMinActive(types.Priority(p)) {
			return p
		}
	}
	for p := 0; p < int(types.NumQueueablePriorities); p++ {
		if q.classes[p].queued.len() > 0 && q.classes[p].active < q.classMaxActive(types.Priority(p)) {
			return p
		}
	}
	return -1
}

func (q *Queue) classMinActive(p types.Priority) int {
	switch p {
	case types.PrioritySyncRead:
		return q.cfg.SyncRead.MinActive
	case types.PrioritySyncWrite:
		return q.cfg.SyncWrite.MinActive
	case types.PriorityAsyncRead:
		return q.cfg.AsyncRead.MinActive
	case types.PriorityAsyncWrite:
		return q.cfg.AsyncWrite.MinActive
	case types.PriorityScrub:
		return q.cfg.Scrub.MinActive
	case types.PriorityTrim:
		return q.cfg.Trim.MinActive
	default:
		return 0
	}
}

func (q *Queue) classMaxActive(p types.Priority) int {
	switch p {
	case types.PrioritySyncRead:
		return q.cfg.SyncRead.MaxActive
	case types.PrioritySyncWrite:
		return q.cfg.SyncWrite.MaxActive
	case types.PriorityAsyncRead:
		return q.cfg.AsyncRead.MaxActive
	case types.PriorityAsyncWrite:
		return q.maxAsyncWrites()
	case types.PriorityScrub:
		return q.cfg.Scrub.MaxActive
	case types.PriorityTrim:
		return q.cfg.Trim.MaxActive
	default:
		return 0
	}
}

// maxAsyncWrites computes the asynchronous-write concurrency limit by linear
// interpolation over the pool's unflushed-data level: more backlog permits
// more concurrent writes so the backlog drains faster.
func (q *Queue) maxAsyncWrites() int {
	minActive := q.cfg.AsyncWrite.MinActive
	maxActive := q.cfg.AsyncWrite.MaxActive
	if q.dirty == nil {
		return maxActive
	}
	if q.dirty.PendingSync() {
		return maxActive
	}

	dirty, dirtyMax := q.dirty.DirtyBytes()
	minBytes := dirtyMax * int64(q.cfg.AsyncWriteMinDirtyPercent) / 100
	maxBytes := dirtyMax * int64(q.cfg.AsyncWriteMaxDirtyPercent) / 100

	if dirty < minBytes {
		return minActive
	}
	if dirty > maxBytes {
		return maxActive
	}
	if maxBytes == minBytes {
		return maxActive
	}
	return int((dirty-minBytes)*int64(maxActive-minActive)/(maxBytes-minBytes)) + minActive
}

// issue performs the device operation off the queue lock, completes the
// entry, and pumps again.
func (q *Queue) issue(io *IO) {
	var err error
	switch io.Type {
	case OpRead:
		_, err = q.dev.ReadAt(io.Data, io.Offset)
	case OpWrite:
		_, err = q.dev.WriteAt(io.Data, io.Offset)
	case OpFlush:
		err = q.dev.Flush()
	case OpTrim:
		err = q.dev.Trim(io.Offset, io.Size)
	}

	q.mu.Lock()
	q.classes[io.Priority].active--
	q.activeCount--
	q.stats.Issued++
	q.mu.Unlock()

	io.complete(err)
	q.pump()
}

// complete finishes an entry, fanning an aggregate back out to its
// constituents.
func (io *IO) complete(err error) {
	if io.aggChildren != nil {
		for _, child := range io.aggChildren {
			if io.Type == OpRead && err == nil && child.Flags&FlagNoData == 0 {
				copy(child.Data, io.Data[child.Offset-io.Offset:child.Offset-io.Offset+child.Size])
			}
			child.Done(child, err)
		}
		io.pool.Put(io.Data)
		return
	}
	io.Done(io, err)
}
