// Package vdev provides the device layer of the pool: the leaf device
// abstraction, the per-device I/O queue that admits, prioritizes, and
// aggregates requests, and the mirror grouping that fans writes out to
// redundant children.
package vdev

import (
	"io"
	"os"
	"sync"

	"github.com/blockpool/blockpool/pkg/errors"
)

// Device is the closed set of backing stores a leaf vdev dispatches to.
// Implementations must be safe for concurrent use.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
	Trim(off, length int64) error
	Size() int64
	Close() error
}

// FileDevice is a thin file-backed leaf device.
type FileDevice struct {
	mu   sync.RWMutex
	f    *os.File
	size int64
}

// OpenFile opens (creating if necessary) a file-backed device of the given
// size.
func OpenFile(path string, size int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeDeviceOpen, "open %s", path).WithCause(err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Newf(errors.ErrCodeDeviceOpen, "truncate %s", path).WithCause(err)
	}
	return &FileDevice{f: f, size: size}, nil
}

// ReadAt reads len(p) bytes at off.
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	f := d.f
	d.mu.RUnlock()
	if f == nil {
		return 0, errors.NewError(errors.ErrCodeDeviceGone, "device closed")
	}
	n, err := f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, errors.Newf(errors.ErrCodeIO, "read %d bytes at %d", len(p), off).WithCause(err)
	}
	if n < len(p) {
		return n, errors.Newf(errors.ErrCodeShortTransfer, "read %d of %d bytes", n, len(p))
	}
	return n, nil
}

// WriteAt writes len(p) bytes at off.
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	f := d.f
	d.mu.RUnlock()
	if f == nil {
		return 0, errors.NewError(errors.ErrCodeDeviceGone, "device closed")
	}
	n, err := f.WriteAt(p, off)
	if err != nil {
		return n, errors.Newf(errors.ErrCodeIO, "write %d bytes at %d", len(p), off).WithCause(err)
	}
	return n, nil
}

// Flush forces buffered writes to stable storage.
func (d *FileDevice) Flush() error {
	d.mu.RLock()
	f := d.f
	d.mu.RUnlock()
	if f == nil {
		return errors.NewError(errors.ErrCodeDeviceGone, "device closed")
	}
	if err := f.Sync(); err != nil {
		return errors.NewError(errors.ErrCodeIO, "sync").WithCause(err)
	}
	return nil
}

// Trim is accepted and ignored; plain files reclaim nothing.
func (d *FileDevice) Trim(off, length int64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.f == nil {
		return errors.NewError(errors.ErrCodeDeviceGone, "device closed")
	}
	return nil
}

// Size returns the device capacity in bytes.
func (d *FileDevice) Size() int64 {
	return d.size
}

// Close detaches the device. Subsequent operations fail with a device-gone
// error so higher layers stop routing work here.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

// MemDevice is a memory-backed device used by tests and as a second-tier
// scratch target.
type MemDevice struct {
	mu     sync.RWMutex
	data   []byte
	closed bool

	// FailWrites makes every write fail, for fault injection.
	FailWrites bool
	// FailReads makes every read fail, for fault injection.
	FailReads bool
}

// NewMemDevice creates a memory-backed device of the given size.
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{data: make([]byte, size)}
}

// ReadAt reads len(p) bytes at off.
func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return 0, errors.NewError(errors.ErrCodeDeviceGone, "device closed")
	}
	if d.FailReads {
		return 0, errors.NewError(errors.ErrCodeIO, "injected read failure")
	}
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, errors.Newf(errors.ErrCodeIO, "read beyond device: off=%d len=%d", off, len(p))
	}
	copy(p, d.data[off:])
	return len(p), nil
}

// WriteAt writes len(p) bytes at off.
func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errors.NewError(errors.ErrCodeDeviceGone, "device closed")
	}
	if d.FailWrites {
		return 0, errors.NewError(errors.ErrCodeIO, "injected write failure")
	}
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, errors.Newf(errors.ErrCodeIO, "write beyond device: off=%d len=%d", off, len(p))
	}
	copy(d.data[off:], p)
	return len(p), nil
}

// Flush is a no-op for memory devices.
func (d *MemDevice) Flush() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.NewError(errors.ErrCodeDeviceGone, "device closed")
	}
	return nil
}

// Trim zeroes the requested range.
func (d *MemDevice) Trim(off, length int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.NewError(errors.ErrCodeDeviceGone, "device closed")
	}
	if off < 0 || off+length > int64(len(d.data)) {
		return errors.Newf(errors.ErrCodeIO, "trim beyond device: off=%d len=%d", off, length)
	}
	for i := off; i < off+length; i++ {
		d.data[i] = 0
	}
	return nil
}

// Size returns the device capacity in bytes.
func (d *MemDevice) Size() int64 {
	return int64(len(d.data))
}

// Close detaches the device.
func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
