package zio

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/blockpool/internal/config"
	"github.com/blockpool/blockpool/internal/vdev"
	"github.com/blockpool/blockpool/pkg/errors"
	"github.com/blockpool/blockpool/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, mutate func(*config.Configuration), sizes ...int64) (*Engine, []*vdev.MemDevice) {
	t.Helper()
	cfg := config.NewDefault()
	if mutate != nil {
		mutate(cfg)
	}
	eng := NewEngine(cfg, testLogger(), nil)
	devs := make([]*vdev.MemDevice, len(sizes))
	for i, size := range sizes {
		devs[i] = vdev.NewMemDevice(size)
		eng.AddVdev(vdev.NewLeaf(uint32(i), devs[i], &cfg.Queue, eng, nil))
	}
	t.Cleanup(eng.Close)
	return eng, devs
}

func compressible(n int) []byte {
	return bytes.Repeat([]byte("blockpool payload "), n/18+1)[:n]
}

func incompressible(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(1)).Read(b)
	return b
}

func TestEngine_WriteReadRoundtrip(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 1<<20)
	ctx := context.Background()
	data := compressible(8192)

	bp, err := eng.Write(ctx, data, Props{
		Checksum: types.ChecksumXXHash64,
		Compress: types.CompressS2,
	}, types.PrioritySyncWrite)
	require.NoError(t, err)

	assert.Equal(t, uint64(8192), bp.Lsize)
	assert.Equal(t, types.CompressS2, bp.Compress)
	assert.Less(t, bp.Psize, bp.Lsize)
	assert.Equal(t, 1, bp.NDVAs)
	assert.Equal(t, types.ChecksumXXHash64, bp.Checksum)

	buf := make([]byte, 8192)
	require.NoError(t, eng.Read(ctx, &bp, buf, types.PrioritySyncRead))
	assert.Equal(t, data, buf)
}

func TestEngine_CompressionRoundtrip(t *testing.T) {
	for _, kind := range []types.CompressKind{types.CompressOff, types.CompressS2, types.CompressZstd} {
		t.Run(kind.String(), func(t *testing.T) {
			eng, _ := newTestEngine(t, nil, 1<<20)
			ctx := context.Background()
			data := compressible(16384)

			bp, err := eng.Write(ctx, data, Props{
				Checksum: types.ChecksumSHA256,
				Compress: kind,
			}, types.PrioritySyncWrite)
			require.NoError(t, err)
			if kind == types.CompressOff {
				assert.Equal(t, bp.Lsize, bp.Psize)
			}

			buf := make([]byte, len(data))
			require.NoError(t, eng.Read(ctx, &bp, buf, types.PrioritySyncRead))
			assert.Equal(t, data, buf)
		})
	}
}

func TestEngine_IncompressibleDataStoredRaw(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 1<<20)
	ctx := context.Background()
	data := incompressible(4096)

	bp, err := eng.Write(ctx, data, Props{
		Checksum: types.ChecksumXXHash64,
		Compress: types.CompressS2,
	}, types.PrioritySyncWrite)
	require.NoError(t, err)

	assert.Equal(t, types.CompressOff, bp.Compress, "compression that saves nothing is abandoned")
	assert.Equal(t, bp.Lsize, bp.Psize)

	buf := make([]byte, 4096)
	require.NoError(t, eng.Read(ctx, &bp, buf, types.PrioritySyncRead))
	assert.Equal(t, data, buf)
}

func TestEngine_ZeroBlockStoresNothing(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 1<<20)
	ctx := context.Background()

	bp, err := eng.Write(ctx, make([]byte, 16384), Props{
		Checksum: types.ChecksumXXHash64,
		Compress: types.CompressS2,
	}, types.PrioritySyncWrite)
	require.NoError(t, err)

	assert.Equal(t, types.CompressEmpty, bp.Compress)
	assert.True(t, bp.IsHole())
	assert.Equal(t, uint64(0), bp.Psize)
	assert.Equal(t, int64(0), eng.Allocator(0).Allocated(), "no device space consumed")

	buf := make([]byte, 16384)
	for i := range buf {
		buf[i] = 0xFF
	}
	require.NoError(t, eng.Read(ctx, &bp, buf, types.PrioritySyncRead))
	assert.Equal(t, make([]byte, 16384), buf)
}

func TestEngine_ReadRetriesAlternateCopyAndHeals(t *testing.T) {
	eng, devs := newTestEngine(t, nil, 1<<20)
	ctx := context.Background()
	data := incompressible(4096)

	bp, err := eng.Write(ctx, data, Props{
		Checksum: types.ChecksumXXHash64,
		Compress: types.CompressOff,
		Copies:   2,
	}, types.PrioritySyncWrite)
	require.NoError(t, err)
	require.Equal(t, 2, bp.NDVAs)

	// Scribble over the first copy; the read must fall through to the
	// second and come back clean.
	garbage := bytes.Repeat([]byte{0xEE}, int(bp.DVAs[0].Asize))
	_, err = devs[0].WriteAt(garbage, int64(bp.DVAs[0].Offset))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	require.NoError(t, eng.Read(ctx, &bp, buf, types.PrioritySyncRead))
	assert.Equal(t, data, buf)
	assert.GreaterOrEqual(t, eng.stats.checksumErrors.Load(), uint64(1))

	// The bad copy is rewritten in the background with the verified data.
	require.Eventually(t, func() bool {
		return eng.stats.selfHeals.Load() == 1
	}, time.Second, time.Millisecond)
	healed := make([]byte, 4096)
	_, err = devs[0].ReadAt(healed, int64(bp.DVAs[0].Offset))
	require.NoError(t, err)
	assert.Equal(t, data, healed)
}

func TestEngine_ReadFailureSurfacesAfterRetries(t *testing.T) {
	eng, devs := newTestEngine(t, func(c *config.Configuration) {
		c.Global.Failmode = "continue"
	}, 1<<20)
	ctx := context.Background()

	bp, err := eng.Write(ctx, compressible(4096), Props{
		Checksum: types.ChecksumXXHash64,
	}, types.PrioritySyncWrite)
	require.NoError(t, err)

	devs[0].FailReads = true
	err = eng.Read(ctx, &bp, make([]byte, 4096), types.PrioritySyncRead)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeIO, errors.Code(err))
	assert.GreaterOrEqual(t, eng.stats.retries.Load(), uint64(1))
	assert.False(t, eng.Suspended())
}

func TestEngine_WriteFailureUnwindsAllocation(t *testing.T) {
	eng, devs := newTestEngine(t, func(c *config.Configuration) {
		c.Global.Failmode = "continue"
	}, 1<<20)
	ctx := context.Background()

	devs[0].FailWrites = true
	_, err := eng.Write(ctx, compressible(8192), Props{
		Checksum: types.ChecksumXXHash64,
		Compress: types.CompressOff,
	}, types.PrioritySyncWrite)
	require.Error(t, err)

	assert.Equal(t, int64(0), eng.Allocator(0).Allocated(), "failed write returns its space")
	assert.False(t, eng.Suspended())
	assert.GreaterOrEqual(t, eng.Stats().Errors, uint64(1))
}

func TestEngine_NopWriteElidesIdenticalContent(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 1<<20)
	ctx := context.Background()
	data := compressible(8192)
	props := Props{Checksum: types.ChecksumSHA256, Compress: types.CompressOff}

	bp1, err := eng.Write(ctx, data, props, types.PrioritySyncWrite)
	require.NoError(t, err)
	allocated := eng.Allocator(0).Allocated()

	props.Previous = &bp1
	bp2, err := eng.Write(ctx, data, props, types.PrioritySyncWrite)
	require.NoError(t, err)

	assert.Equal(t, bp1, bp2, "overwrite with identical content reuses the pointer")
	assert.Equal(t, uint64(1), eng.Stats().NopWrites)
	assert.Equal(t, allocated, eng.Allocator(0).Allocated())
}

func TestEngine_NopWriteRequiresStrongChecksum(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 1<<20)
	ctx := context.Background()
	data := compressible(8192)
	props := Props{Checksum: types.ChecksumXXHash64, Compress: types.CompressOff}

	bp1, err := eng.Write(ctx, data, props, types.PrioritySyncWrite)
	require.NoError(t, err)

	props.Previous = &bp1
	bp2, err := eng.Write(ctx, data, props, types.PrioritySyncWrite)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), eng.Stats().NopWrites)
	assert.NotEqual(t, bp1.DVAs[0].Offset, bp2.DVAs[0].Offset, "weak checksum forces a real write")
}

func TestEngine_DedupRefcountAndFree(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 1<<20)
	ctx := context.Background()
	data := incompressible(8192)
	props := Props{Compress: types.CompressOff, Dedup: true}

	bp1, err := eng.Write(ctx, data, props, types.PrioritySyncWrite)
	require.NoError(t, err)
	assert.Equal(t, types.ChecksumSHA256, bp1.Checksum, "dedup forces the strong checksum")
	allocated := eng.Allocator(0).Allocated()

	bp2, err := eng.Write(ctx, data, props, types.PrioritySyncWrite)
	require.NoError(t, err)
	assert.Equal(t, bp1.DVAs, bp2.DVAs, "second write shares the stored copy")
	assert.Equal(t, uint64(1), eng.Stats().DedupHits)
	assert.Equal(t, allocated, eng.Allocator(0).Allocated())
	assert.Equal(t, 1, eng.ddt.Entries())

	// The first free only drops a reference.
	require.NoError(t, eng.Free(ctx, &bp2))
	assert.Equal(t, allocated, eng.Allocator(0).Allocated())
	assert.Equal(t, 1, eng.ddt.Entries())

	// The last free releases the physical copy.
	require.NoError(t, eng.Free(ctx, &bp1))
	assert.Equal(t, int64(0), eng.Allocator(0).Allocated())
	assert.Equal(t, 0, eng.ddt.Entries())
}

func TestEngine_DedupVerifyComparesContent(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 1<<20)
	ctx := context.Background()
	data := incompressible(8192)
	props := Props{
		Checksum:    types.ChecksumXXHash64,
		Compress:    types.CompressOff,
		Dedup:       true,
		DedupVerify: true,
	}

	bp1, err := eng.Write(ctx, data, props, types.PrioritySyncWrite)
	require.NoError(t, err)

	bp2, err := eng.Write(ctx, data, props, types.PrioritySyncWrite)
	require.NoError(t, err)

	assert.Equal(t, bp1.DVAs, bp2.DVAs)
	assert.Equal(t, uint64(1), eng.Stats().DedupHits)
	assert.Equal(t, uint64(0), eng.stats.dedupVerifyFails.Load())
}

func TestEngine_DedupDittoCopy(t *testing.T) {
	eng, _ := newTestEngine(t, func(c *config.Configuration) {
		c.Pipeline.DedupDittoThreshold = 3
	}, 1<<20)
	ctx := context.Background()
	data := incompressible(4096)
	props := Props{Compress: types.CompressOff, Dedup: true}

	bp1, err := eng.Write(ctx, data, props, types.PrioritySyncWrite)
	require.NoError(t, err)
	require.Equal(t, 1, bp1.NDVAs)

	bp2, err := eng.Write(ctx, data, props, types.PrioritySyncWrite)
	require.NoError(t, err)
	require.Equal(t, 1, bp2.NDVAs)

	// The third reference crosses the threshold and earns a second copy.
	bp3, err := eng.Write(ctx, data, props, types.PrioritySyncWrite)
	require.NoError(t, err)
	assert.Equal(t, 2, bp3.NDVAs)
	assert.NotEqual(t, bp3.DVAs[0].Offset, bp3.DVAs[1].Offset)

	require.NoError(t, eng.Free(ctx, &bp1))
	require.NoError(t, eng.Free(ctx, &bp2))
	require.NoError(t, eng.Free(ctx, &bp3))
	assert.Equal(t, int64(0), eng.Allocator(0).Allocated())
}

// fragment fills the allocator and frees alternating chunks so that no
// extent larger than chunk remains.
func fragment(t *testing.T, eng *Engine, chunk int64) int64 {
	t.Helper()
	alloc := eng.Allocator(0)
	var offs []int64
	for {
		off, ok := alloc.Alloc(chunk)
		if !ok {
			break
		}
		offs = append(offs, off)
	}
	require.NotEmpty(t, offs)
	for i := 0; i < len(offs); i += 2 {
		alloc.Free(offs[i], chunk)
	}
	return alloc.Allocated()
}

func TestEngine_GangWriteReadFreeClaim(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 1<<20)
	ctx := context.Background()
	baseline := fragment(t, eng, 4096)
	require.Equal(t, int64(4096), eng.Allocator(0).LargestFree())

	data := incompressible(16384)
	bp, err := eng.Write(ctx, data, Props{
		Checksum: types.ChecksumXXHash64,
		Compress: types.CompressOff,
	}, types.PrioritySyncWrite)
	require.NoError(t, err)

	assert.True(t, bp.IsGang())
	assert.GreaterOrEqual(t, eng.Stats().GangWrites, uint64(1))
	afterWrite := eng.Allocator(0).Allocated()
	assert.Greater(t, afterWrite, baseline)

	buf := make([]byte, 16384)
	require.NoError(t, eng.Read(ctx, &bp, buf, types.PrioritySyncRead))
	assert.Equal(t, data, buf)
	assert.GreaterOrEqual(t, eng.stats.gangReads.Load(), uint64(1))

	// Freeing the gang releases the whole tree: members and headers.
	require.NoError(t, eng.Free(ctx, &bp))
	assert.Equal(t, baseline, eng.Allocator(0).Allocated())

	// Recovery can claim the tree back from the surviving header chain.
	require.NoError(t, eng.Claim(ctx, &bp))
	assert.Equal(t, afterWrite, eng.Allocator(0).Allocated())

	require.NoError(t, eng.Free(ctx, &bp))
	assert.Equal(t, baseline, eng.Allocator(0).Allocated())
}

func TestEngine_SuspendAndResume(t *testing.T) {
	eng, devs := newTestEngine(t, nil, 1<<20) // failmode wait
	ctx := context.Background()
	data := compressible(8192)

	devs[0].FailWrites = true

	type result struct {
		bp  types.BlockPointer
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		bp, err := eng.Write(ctx, data, Props{
			Checksum: types.ChecksumXXHash64,
			Compress: types.CompressOff,
		}, types.PrioritySyncWrite)
		resCh <- result{bp, err}
	}()

	require.Eventually(t, eng.Suspended, time.Second, time.Millisecond,
		"exhausted retries under failmode=wait park the unit")

	devs[0].FailWrites = false
	eng.Resume()

	select {
	case res := <-resCh:
		require.NoError(t, res.err, "resumed unit completes normally")
		buf := make([]byte, 8192)
		require.NoError(t, eng.Read(ctx, &res.bp, buf, types.PrioritySyncRead))
		assert.Equal(t, data, buf)
	case <-time.After(5 * time.Second):
		t.Fatal("write did not complete after resume")
	}

	assert.False(t, eng.Suspended())
	assert.GreaterOrEqual(t, eng.Stats().Reexecutes, uint64(1))
}

func TestEngine_ClaimConflictsWithLiveBlock(t *testing.T) {
	eng, _ := newTestEngine(t, func(c *config.Configuration) {
		c.Global.Failmode = "continue"
	}, 1<<20)
	ctx := context.Background()

	bp, err := eng.Write(ctx, compressible(4096), Props{
		Checksum: types.ChecksumXXHash64,
		Compress: types.CompressOff,
	}, types.PrioritySyncWrite)
	require.NoError(t, err)

	assert.Error(t, eng.Claim(ctx, &bp), "claim of still-allocated space conflicts")

	require.NoError(t, eng.Free(ctx, &bp))
	require.NoError(t, eng.Claim(ctx, &bp))
	assert.Equal(t, int64(bp.DVAs[0].Asize), eng.Allocator(0).Allocated())
}

func TestEngine_FlushClearsDirty(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 1<<20)
	ctx := context.Background()

	_, err := eng.Write(ctx, compressible(8192), Props{
		Checksum: types.ChecksumXXHash64,
	}, types.PrioritySyncWrite)
	require.NoError(t, err)

	require.NoError(t, eng.Flush(ctx))
	dirty, max := eng.DirtyBytes()
	assert.Equal(t, int64(0), dirty)
	assert.Positive(t, max)
	assert.False(t, eng.PendingSync())
}

func TestEngine_MirrorFansWritesToAllChildren(t *testing.T) {
	cfg := config.NewDefault()
	eng := NewEngine(cfg, testLogger(), nil)
	da, db := vdev.NewMemDevice(1<<20), vdev.NewMemDevice(1<<20)
	a := vdev.NewLeaf(1, da, &cfg.Queue, eng, nil)
	b := vdev.NewLeaf(2, db, &cfg.Queue, eng, nil)
	eng.AddVdev(vdev.NewMirror(0, a, b))
	t.Cleanup(eng.Close)

	ctx := context.Background()
	data := incompressible(4096)
	bp, err := eng.Write(ctx, data, Props{
		Checksum: types.ChecksumXXHash64,
		Compress: types.CompressOff,
	}, types.PrioritySyncWrite)
	require.NoError(t, err)
	require.Equal(t, 1, bp.NDVAs)

	for _, dev := range []*vdev.MemDevice{da, db} {
		got := make([]byte, 4096)
		_, err := dev.ReadAt(got, int64(bp.DVAs[0].Offset))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}

	buf := make([]byte, 4096)
	require.NoError(t, eng.Read(ctx, &bp, buf, types.PrioritySyncRead))
	assert.Equal(t, data, buf)
}

func TestEngine_ArgumentValidation(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 1<<20)
	ctx := context.Background()

	_, err := eng.Write(ctx, nil, Props{}, types.PrioritySyncWrite)
	assert.Error(t, err, "empty write rejected")

	var hole types.BlockPointer
	assert.Error(t, eng.Read(ctx, &hole, make([]byte, 512), types.PrioritySyncRead),
		"read of a hole rejected")

	bp, err := eng.Write(ctx, compressible(4096), Props{}, types.PrioritySyncWrite)
	require.NoError(t, err)
	assert.Error(t, eng.Read(ctx, &bp, make([]byte, 4095), types.PrioritySyncRead),
		"buffer must match the logical size")
}

func TestEngine_ZeroBlockStoresNothingWithCompressionOff(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 1<<20)
	ctx := context.Background()

	bp, err := eng.Write(ctx, make([]byte, 8192), Props{
		Checksum: types.ChecksumXXHash64,
		Compress: types.CompressOff,
	}, types.PrioritySyncWrite)
	require.NoError(t, err)

	assert.Equal(t, types.CompressEmpty, bp.Compress)
	assert.True(t, bp.IsHole())
	assert.Equal(t, int64(0), eng.Allocator(0).Allocated(), "no device space consumed")

	buf := bytes.Repeat([]byte{0xFF}, 8192)
	require.NoError(t, eng.Read(ctx, &bp, buf, types.PrioritySyncRead))
	assert.Equal(t, make([]byte, 8192), buf)
}

func TestEngine_GangZeroRunStoredAsHole(t *testing.T) {
	eng, _ := newTestEngine(t, nil, 1<<20)
	ctx := context.Background()
	baseline := fragment(t, eng, 4096)

	// The split carves 16KB into sub-writes of 5632, 5632, and 5120
	// bytes; zeroing the middle one exactly turns it into a hole slot.
	data := incompressible(16384)
	for i := 5632; i < 11264; i++ {
		data[i] = 0
	}
	bp, err := eng.Write(ctx, data, Props{
		Checksum: types.ChecksumXXHash64,
		Compress: types.CompressOff,
	}, types.PrioritySyncWrite)
	require.NoError(t, err)
	require.True(t, bp.IsGang())

	buf := bytes.Repeat([]byte{0xFF}, 16384)
	require.NoError(t, eng.Read(ctx, &bp, buf, types.PrioritySyncRead))
	assert.Equal(t, data, buf)

	require.NoError(t, eng.Free(ctx, &bp))
	assert.Equal(t, baseline, eng.Allocator(0).Allocated())
}

// countingDevice tallies device-level reads so mirror routing is observable.
type countingDevice struct {
	*vdev.MemDevice
	reads atomic.Int64
}

func (d *countingDevice) ReadAt(p []byte, off int64) (int, error) {
	d.reads.Add(1)
	return d.MemDevice.ReadAt(p, off)
}

func TestEngine_MirrorSpreadsReadsAcrossChildren(t *testing.T) {
	cfg := config.NewDefault()
	eng := NewEngine(cfg, testLogger(), nil)
	da := &countingDevice{MemDevice: vdev.NewMemDevice(1 << 20)}
	db := &countingDevice{MemDevice: vdev.NewMemDevice(1 << 20)}
	a := vdev.NewLeaf(1, da, &cfg.Queue, eng, nil)
	b := vdev.NewLeaf(2, db, &cfg.Queue, eng, nil)
	eng.AddVdev(vdev.NewMirror(0, a, b))
	t.Cleanup(eng.Close)

	ctx := context.Background()
	data := incompressible(4096)
	bp, err := eng.Write(ctx, data, Props{
		Checksum: types.ChecksumXXHash64,
		Compress: types.CompressOff,
	}, types.PrioritySyncWrite)
	require.NoError(t, err)

	da.reads.Store(0)
	db.reads.Store(0)
	for i := 0; i < 8; i++ {
		buf := make([]byte, 4096)
		require.NoError(t, eng.Read(ctx, &bp, buf, types.PrioritySyncRead))
		assert.Equal(t, data, buf)
	}

	assert.Positive(t, da.reads.Load(), "rotation lands reads on the first child")
	assert.Positive(t, db.reads.Load(), "rotation lands reads on the second child")
	assert.Equal(t, int64(8), da.reads.Load()+db.reads.Load())
}
