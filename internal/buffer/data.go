package buffer

import (
	"sync/atomic"
)

// Data is a reference-counted handle to one block's bytes. Several handles
// may share one underlying region when multiple consumers hold the same
// content; the region is returned to its owner (via the release hook) only
// when the last handle is released.
//
// A handle is exclusively owned by its holder until released. Releasing a
// handle twice is a programming error and panics.
type Data struct {
	b        []byte
	released atomic.Bool
	shared   *sharedRegion
}

type sharedRegion struct {
	refs      atomic.Int32
	onRelease func()
}

// NewData wraps a byte slice in a fresh handle. onRelease is invoked exactly
// once, when the last handle sharing the region is released; it may be nil.
func NewData(b []byte, onRelease func()) *Data {
	s := &sharedRegion{onRelease: onRelease}
	s.refs.Store(1)
	return &Data{b: b, shared: s}
}

// Bytes returns the underlying region. The slice must not be used after the
// handle is released.
func (d *Data) Bytes() []byte {
	if d.released.Load() {
		panic("buffer: Bytes on released handle")
	}
	return d.b
}

// Len returns the length of the region.
func (d *Data) Len() int {
	return len(d.b)
}

// Clone returns a new handle sharing the same region. The clone must be
// released independently.
func (d *Data) Clone() *Data {
	if d.released.Load() {
		panic("buffer: Clone on released handle")
	}
	d.shared.refs.Add(1)
	return &Data{b: d.b, shared: d.shared}
}

// Release drops this handle. When it is the last handle on the region the
// release hook runs and ownership returns to the region's owner.
func (d *Data) Release() {
	if d.released.Swap(true) {
		panic("buffer: double release")
	}
	if d.shared.refs.Add(-1) == 0 {
		if d.shared.onRelease != nil {
			d.shared.onRelease()
		}
	}
}

// Detach releases the sole handle on a region and returns the underlying
// bytes without running the release hook, transferring ownership to the
// caller. Panics when other handles are outstanding.
func (d *Data) Detach() []byte {
	if d.released.Swap(true) {
		panic("buffer: detach of released handle")
	}
	if d.shared.refs.Add(-1) != 0 {
		panic("buffer: detach with outstanding handles")
	}
	return d.b
}

// Refs returns the number of outstanding handles on the region.
func (d *Data) Refs() int {
	return int(d.shared.refs.Load())
}
