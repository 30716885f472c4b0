package vdev

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/blockpool/internal/config"
	"github.com/blockpool/blockpool/pkg/types"
)

// gatedDevice holds reads and writes until the gate opens, so tests can
// build a queued backlog deterministically.
type gatedDevice struct {
	*MemDevice
	gate chan struct{}
}

func newGatedDevice(size int64) *gatedDevice {
	return &gatedDevice{MemDevice: NewMemDevice(size), gate: make(chan struct{})}
}

func (d *gatedDevice) ReadAt(p []byte, off int64) (int, error) {
	<-d.gate
	return d.MemDevice.ReadAt(p, off)
}

func (d *gatedDevice) WriteAt(p []byte, off int64) (int, error) {
	<-d.gate
	return d.MemDevice.WriteAt(p, off)
}

type fakeDirty struct {
	dirty   int64
	max     int64
	pending bool
}

func (f *fakeDirty) DirtyBytes() (dirty, max int64) { return f.dirty, f.max }
func (f *fakeDirty) PendingSync() bool              { return f.pending }

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestQueue_ReadRoundtrip(t *testing.T) {
	dev := NewMemDevice(1 << 20)
	want := pattern(4096, 7)
	_, err := dev.WriteAt(want, 8192)
	require.NoError(t, err)

	q := NewQueue(dev, nil, nil, nil)

	done := make(chan error, 1)
	io := &IO{
		Type:     OpRead,
		Priority: types.PrioritySyncRead,
		Offset:   8192,
		Size:     4096,
		Data:     make([]byte, 4096),
		Done:     func(io *IO, err error) { done <- err },
	}
	q.Enqueue(io)

	require.NoError(t, <-done)
	assert.Equal(t, want, io.Data)
	assert.Equal(t, uint64(1), q.Stats().Issued)
}

func TestQueue_ClassMaxActiveBound(t *testing.T) {
	dev := newGatedDevice(8 << 20)
	q := NewQueue(dev, nil, nil, nil)

	var wg sync.WaitGroup
	const n = 10
	for i := 0; i < n; i++ {
		wg.Add(1)
		q.Enqueue(&IO{
			Type:     OpRead,
			Priority: types.PriorityAsyncRead,
			Offset:   int64(i) * (64 << 10), // spaced beyond the read gap
			Size:     4096,
			Data:     make([]byte, 4096),
			Done:     func(io *IO, err error) { wg.Done() },
		})
	}

	// Default async-read limits cap concurrency at 3; the other 7 wait.
	require.Eventually(t, func() bool {
		s := q.Stats()
		return s.TotalActive == 3 && s.Queued[types.PriorityAsyncRead] == 7
	}, time.Second, time.Millisecond)

	close(dev.gate)
	wg.Wait()
	assert.Equal(t, 0, q.Len())
}

func TestQueue_AggregatesContiguousReads(t *testing.T) {
	dev := newGatedDevice(1 << 20)
	want := pattern(9*4096, 3)
	_, err := dev.MemDevice.WriteAt(want, 0)
	require.NoError(t, err)

	q := NewQueue(dev, nil, nil, nil)

	var wg sync.WaitGroup
	ios := make([]*IO, 9)
	for i := range ios {
		wg.Add(1)
		ios[i] = &IO{
			Type:     OpRead,
			Priority: types.PriorityAsyncRead,
			Offset:   int64(i) * 4096,
			Size:     4096,
			Data:     make([]byte, 4096),
			Done:     func(io *IO, err error) { wg.Done() },
		}
		q.Enqueue(ios[i])
	}

	// Three actives hold the gate; the trailing six queue up contiguously.
	require.Eventually(t, func() bool {
		return q.Stats().Queued[types.PriorityAsyncRead] == 6
	}, time.Second, time.Millisecond)

	close(dev.gate)
	wg.Wait()

	s := q.Stats()
	assert.Equal(t, uint64(1), s.Aggregated, "the queued run merges into one request")
	assert.Equal(t, uint64(6*4096), s.AggregatedBytes)
	for i, io := range ios {
		assert.Equal(t, want[i*4096:(i+1)*4096], io.Data, "read %d", i)
	}
}

func TestQueue_OptionalNoDataBypassed(t *testing.T) {
	q := NewQueue(NewMemDevice(1<<20), nil, nil, nil)

	done := make(chan error, 1)
	io := &IO{
		Type:     OpWrite,
		Priority: types.PriorityAsyncWrite,
		Offset:   4096,
		Size:     4096,
		Flags:    FlagOptional | FlagNoData,
		Done:     func(io *IO, err error) { done <- err },
	}
	q.Enqueue(io)

	require.NoError(t, <-done)
	assert.True(t, io.Bypassed, "a lone optional entry never reaches the device")
	assert.Equal(t, uint64(0), q.Stats().Issued)
}

func TestQueue_WriteAggregateZeroFillsGap(t *testing.T) {
	dev := newGatedDevice(4 << 20)
	// Pre-dirty the middle range so the zero fill is observable.
	middle := make([]byte, 4096)
	for i := range middle {
		middle[i] = 0xFF
	}
	_, err := dev.MemDevice.WriteAt(middle, 4096)
	require.NoError(t, err)

	cfg := config.NewDefault().Queue
	cfg.AsyncWrite = config.ClassLimits{MinActive: 1, MaxActive: 1}
	q := NewQueue(dev, &cfg, nil, nil)

	var wg sync.WaitGroup
	enqueue := func(off int64, data []byte, flags Flags) {
		wg.Add(1)
		q.Enqueue(&IO{
			Type:     OpWrite,
			Priority: types.PriorityAsyncWrite,
			Offset:   off,
			Size:     4096,
			Data:     data,
			Flags:    flags,
			Done:     func(io *IO, err error) { wg.Done() },
		})
	}

	// A blocker occupies the single async-write slot while the real
	// entries accumulate in the queued tree.
	enqueue(1<<20, make([]byte, 4096), FlagDontAggregate)

	first := pattern(4096, 11)
	last := pattern(4096, 13)
	enqueue(0, first, 0)
	enqueue(4096, nil, FlagOptional|FlagNoData)
	enqueue(8192, last, 0)

	require.Eventually(t, func() bool {
		return q.Stats().Queued[types.PriorityAsyncWrite] == 3
	}, time.Second, time.Millisecond)

	close(dev.gate)
	wg.Wait()

	assert.Equal(t, uint64(1), q.Stats().Aggregated)

	got := make([]byte, 3*4096)
	_, err = dev.MemDevice.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, first, got[:4096])
	assert.Equal(t, make([]byte, 4096), got[4096:8192], "no-data gap is zero-filled")
	assert.Equal(t, last, got[8192:])
}

func TestQueue_MaxAsyncWritesInterpolation(t *testing.T) {
	cfg := config.NewDefault().Queue // async_write 1..10, dirty bounds 30%..60%
	fd := &fakeDirty{max: 100}
	q := NewQueue(NewMemDevice(0), &cfg, fd, nil)

	fd.dirty = 0
	assert.Equal(t, 1, q.maxAsyncWrites(), "idle pool issues at the floor")

	fd.dirty = 29
	assert.Equal(t, 1, q.maxAsyncWrites())

	fd.dirty = 45
	assert.Equal(t, 5, q.maxAsyncWrites(), "midpoint interpolates linearly")

	fd.dirty = 61
	assert.Equal(t, 10, q.maxAsyncWrites())

	fd.dirty = 0
	fd.pending = true
	assert.Equal(t, 10, q.maxAsyncWrites(), "pending flush forces the ceiling")
}

func TestQueue_PriorityNowRemapsToSyncClass(t *testing.T) {
	q := NewQueue(NewMemDevice(1<<20), nil, nil, nil)

	done := make(chan struct{})
	io := &IO{
		Type:     OpRead,
		Priority: types.PriorityNow,
		Offset:   0,
		Size:     512,
		Data:     make([]byte, 512),
		Done:     func(io *IO, err error) { close(done) },
	}
	q.Enqueue(io)
	<-done

	assert.Equal(t, types.PrioritySyncRead, io.Priority)
}

func TestQueue_TrimZeroesRange(t *testing.T) {
	dev := NewMemDevice(1 << 20)
	_, err := dev.WriteAt(pattern(8192, 1), 0)
	require.NoError(t, err)

	q := NewQueue(dev, nil, nil, nil)

	done := make(chan error, 1)
	q.Enqueue(&IO{
		Type:     OpTrim,
		Priority: types.PriorityTrim,
		Offset:   0,
		Size:     8192,
		Done:     func(io *IO, err error) { done <- err },
	})
	require.NoError(t, <-done)

	got := make([]byte, 8192)
	_, err = dev.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8192), got)
}

func TestQueue_KeepsDeviceBusyWhileBacklogged(t *testing.T) {
	dev := newGatedDevice(8 << 20)
	cfg := config.NewDefault().Queue
	// A zero minimum must not park the class: the second selection pass
	// still issues anything under its maximum.
	cfg.Scrub = config.ClassLimits{MinActive: 0, MaxActive: 2}
	q := NewQueue(dev, &cfg, nil, nil)

	var wg sync.WaitGroup
	const n = 6
	for i := 0; i < n; i++ {
		wg.Add(1)
		q.Enqueue(&IO{
			Type:     OpRead,
			Priority: types.PriorityScrub,
			Offset:   int64(i) * (64 << 10), // spaced beyond the read gap
			Size:     4096,
			Data:     make([]byte, 4096),
			Flags:    FlagDontAggregate,
			Done:     func(io *IO, err error) { wg.Done() },
		})
	}

	// Drain one completion at a time; something must stay in flight for
	// as long as work is queued.
	for released := 0; released < n; released++ {
		require.Eventually(t, func() bool {
			return q.Stats().TotalActive >= 1
		}, time.Second, time.Millisecond,
			"device idle with %d entries still backlogged", n-released)
		dev.gate <- struct{}{}
	}
	wg.Wait()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(n), q.Stats().Issued)
}
