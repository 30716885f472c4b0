package vdev

import (
	"sync/atomic"

	"github.com/blockpool/blockpool/internal/buffer"
	"github.com/blockpool/blockpool/internal/config"
)

// Vdev is one attached device: its identity, backing store, and scheduler.
// A vdev with children is a mirror; leaf operations address the children and
// the parent carries no queue of its own.
type Vdev struct {
	ID       uint32
	Device   Device
	Queue    *Queue
	Children []*Vdev

	rotor atomic.Uint32
}

// NewLeaf attaches a leaf device with its own scheduler instance.
func NewLeaf(id uint32, dev Device, cfg *config.QueueConfig, dirty DirtyProvider, pool *buffer.BytePool) *Vdev {
	return &Vdev{
		ID:     id,
		Device: dev,
		Queue:  NewQueue(dev, cfg, dirty, pool),
	}
}

// NewMirror groups children under one logical device. Reads rotate across
// children; writes fan out to every child.
func NewMirror(id uint32, children ...*Vdev) *Vdev {
	return &Vdev{ID: id, Children: children}
}

// IsLeaf reports whether the vdev fronts a single physical device.
func (v *Vdev) IsLeaf() bool {
	return len(v.Children) == 0
}

// Copies returns the number of independent physical copies a write to this
// vdev produces.
func (v *Vdev) Copies() int {
	if v.IsLeaf() {
		return 1
	}
	return len(v.Children)
}

// ReadChild selects the child for an ordinary read, rotating across
// children to spread load. For a leaf it returns the vdev itself.
func (v *Vdev) ReadChild() *Vdev {
	if v.IsLeaf() {
		return v
	}
	n := v.rotor.Add(1)
	return v.Children[int(n)%len(v.Children)]
}

// Child returns the idx'th independent copy holder. Repair reads walk
// copies in order after a checksum failure. For a leaf, only idx 0 exists.
func (v *Vdev) Child(idx int) *Vdev {
	if v.IsLeaf() {
		if idx == 0 {
			return v
		}
		return nil
	}
	if idx < 0 || idx >= len(v.Children) {
		return nil
	}
	return v.Children[idx]
}

// Size returns the capacity of the vdev: a leaf's device size, or the
// smallest child for a mirror.
func (v *Vdev) Size() int64 {
	if v.IsLeaf() {
		return v.Device.Size()
	}
	size := v.Children[0].Size()
	for _, c := range v.Children[1:] {
		if s := c.Size(); s < size {
			size = s
		}
	}
	return size
}

// Close detaches the vdev and all children.
func (v *Vdev) Close() error {
	var err error
	if v.IsLeaf() {
		return v.Device.Close()
	}
	for _, c := range v.Children {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
