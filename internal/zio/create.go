package zio

import (
	"context"

	"github.com/blockpool/blockpool/pkg/errors"
	"github.com/blockpool/blockpool/pkg/types"
)

// readPipeline picks the stage set for a read of bp, routing deduplicated
// logical reads through the table stages and gang pointers through
// assembly.
func readPipeline(bp *types.BlockPointer, ct childType) Stage {
	if bp.Dedup && ct == childLogical {
		return pipelineDDTRead
	}
	pl := Stage(pipelineRead)
	if bp.IsGang() && (ct == childLogical || ct == childDDT) {
		pl |= stagesGang
	}
	return pl
}

// NewRoot creates a godfather: a unit with nothing to do of its own that
// collects the completion of every child attached to it. Roots surface
// child errors but are never suspended themselves.
func NewRoot(eng *Engine, doneCb func(*ZIO, error)) *ZIO {
	z := newZIO(eng, nil, KindNull, childLogical, &types.BlockPointer{}, nil, 0,
		types.PriorityNow, FlagCanFail|FlagGodfather, pipelineInterlock)
	z.waitCh = make(chan struct{})
	z.doneCb = doneCb
	return z
}

// NewRead creates a logical read of bp into buf, which must hold exactly
// the block's logical size. Run it with Wait or Nowait.
func NewRead(eng *Engine, pio *ZIO, bp *types.BlockPointer, buf []byte,
	prio types.Priority, flags Flags, doneCb func(*ZIO, error)) (*ZIO, error) {

	if bp.IsHole() && bp.Compress != types.CompressEmpty {
		return nil, errors.NewError(errors.ErrCodeUnexpected, "read of a hole").
			WithOperation("read")
	}
	if uint64(len(buf)) != bp.Lsize {
		return nil, errors.Newf(errors.ErrCodeUnexpected,
			"read buffer is %d bytes, block is %d", len(buf), bp.Lsize).
			WithOperation("read")
	}
	rbp := *bp
	z := newZIO(eng, pio, KindRead, childLogical, &rbp, buf, int64(len(buf)),
		prio, flags, readPipeline(&rbp, childLogical))
	z.waitCh = make(chan struct{})
	z.doneCb = doneCb
	return z, nil
}

// NewWrite creates a logical write of data under the given storage policy.
// The resulting pointer is valid once the unit is ready; read it with BP
// after Wait, or from the done callback.
func NewWrite(eng *Engine, pio *ZIO, data []byte, props Props,
	prio types.Priority, flags Flags, doneCb func(*ZIO, error)) (*ZIO, error) {

	if len(data) == 0 || len(data) > types.MaxBlockSize {
		return nil, errors.Newf(errors.ErrCodeUnexpected,
			"write of %d bytes outside block limits", len(data)).
			WithOperation("write")
	}
	pl := Stage(pipelineWrite)
	if props.Previous != nil {
		pl |= StageNopWrite
	}
	z := newZIO(eng, pio, KindWrite, childLogical, &types.BlockPointer{},
		data, int64(len(data)), prio, flags, pl)
	z.prop = props
	z.waitCh = make(chan struct{})
	z.doneCb = doneCb
	z.dirtyAdded = int64(len(data))
	eng.addDirty(z.dirtyAdded)
	return z, nil
}

// NewFree releases a block's space, descending into gang trees and the
// dedup table as the pointer requires.
func NewFree(eng *Engine, pio *ZIO, bp *types.BlockPointer, flags Flags) *ZIO {
	pl := Stage(pipelineFree)
	if bp.IsGang() {
		pl |= stagesGang | StageIssueAsync
	}
	if bp.Dedup {
		pl |= StageDDTFree | StageIssueAsync
	}
	fbp := *bp
	z := newZIO(eng, pio, KindFree, childLogical, &fbp, nil, int64(bp.Psize),
		types.PriorityNow, flags, pl)
	z.waitCh = make(chan struct{})
	return z
}

// NewClaim re-registers a surviving block's space in the allocators during
// recovery.
func NewClaim(eng *Engine, pio *ZIO, bp *types.BlockPointer, flags Flags) *ZIO {
	pl := Stage(pipelineClaim)
	if bp.IsGang() {
		pl |= stagesGang
	}
	cbp := *bp
	z := newZIO(eng, pio, KindClaim, childLogical, &cbp, nil, int64(bp.Psize),
		types.PriorityNow, flags, pl)
	z.waitCh = make(chan struct{})
	return z
}

// NewFlush pushes every device's write cache.
func NewFlush(eng *Engine, pio *ZIO) *ZIO {
	z := newZIO(eng, pio, KindIoctl, childLogical, &types.BlockPointer{}, nil, 0,
		types.PrioritySyncWrite, 0, pipelineIoctl)
	z.waitCh = make(chan struct{})
	return z
}

// Read performs a synchronous logical read.
func (e *Engine) Read(ctx context.Context, bp *types.BlockPointer, buf []byte,
	prio types.Priority) error {
	z, err := NewRead(e, nil, bp, buf, prio, 0, nil)
	if err != nil {
		return err
	}
	return z.Wait(ctx)
}

// Write performs a synchronous logical write and returns the block pointer.
func (e *Engine) Write(ctx context.Context, data []byte, props Props,
	prio types.Priority) (types.BlockPointer, error) {
	z, err := NewWrite(e, nil, data, props, prio, 0, nil)
	if err != nil {
		return types.BlockPointer{}, err
	}
	if err := z.Wait(ctx); err != nil {
		return types.BlockPointer{}, err
	}
	return *z.BP(), nil
}

// Free performs a synchronous free.
func (e *Engine) Free(ctx context.Context, bp *types.BlockPointer) error {
	return NewFree(e, nil, bp, 0).Wait(ctx)
}

// Claim performs a synchronous claim.
func (e *Engine) Claim(ctx context.Context, bp *types.BlockPointer) error {
	return NewClaim(e, nil, bp, 0).Wait(ctx)
}

// Flush synchronously flushes every device, forcing the asynchronous-write
// class to its maximum for the duration.
func (e *Engine) Flush(ctx context.Context) error {
	e.pendingSync.Add(1)
	defer e.pendingSync.Add(-1)
	return NewFlush(e, nil).Wait(ctx)
}
