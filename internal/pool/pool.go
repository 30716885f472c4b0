// Package pool assembles the data path: devices and their schedulers, the
// I/O pipeline engine, the adaptive cache with its optional persistent tier,
// memory monitoring, and metrics export. Consumers open a Pool and use its
// block-level entry points; everything below it is wiring.
package pool

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/blockpool/blockpool/internal/buffer"
	"github.com/blockpool/blockpool/internal/cache"
	"github.com/blockpool/blockpool/internal/config"
	"github.com/blockpool/blockpool/internal/metrics"
	"github.com/blockpool/blockpool/internal/vdev"
	"github.com/blockpool/blockpool/internal/zio"
	"github.com/blockpool/blockpool/pkg/errors"
	"github.com/blockpool/blockpool/pkg/memmon"
	"github.com/blockpool/blockpool/pkg/types"
)

// DeviceGroup describes one top-level vdev. A single device is a plain leaf;
// several devices form a mirror.
type DeviceGroup struct {
	Name    string
	Devices []vdev.Device
}

// Options carries everything Open needs beyond the configuration.
type Options struct {
	// Data lists the allocating top-level vdevs. At least one is required.
	Data []DeviceGroup

	// SecondTier optionally dedicates a device to the persistent cache
	// tier. It never holds allocations.
	SecondTier vdev.Device

	// MemoryLimit, when nonzero, arms the memory monitor: heap use past
	// this many bytes shrinks the cache.
	MemoryLimit uint64

	Logger *slog.Logger
}

// Pool is the assembled data path.
type Pool struct {
	cfg *config.Configuration
	log *slog.Logger

	bufPool *buffer.BytePool
	engine  *zio.Engine
	cache   *cache.Service
	metrics *metrics.Collector
	monitor *memmon.Monitor

	names  map[uint32]string
	closed atomic.Bool
}

// Open wires the subsystems together and starts their background work.
func Open(ctx context.Context, cfg *config.Configuration, opts Options) (*Pool, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if len(opts.Data) == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "pool needs at least one data vdev")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bufPool := buffer.NewBytePool()
	eng := zio.NewEngine(cfg, logger, bufPool)

	p := &Pool{
		cfg:     cfg,
		log:     logger.With("component", "pool"),
		bufPool: bufPool,
		engine:  eng,
		names:   make(map[uint32]string),
	}

	var nextID uint32
	for _, g := range opts.Data {
		if len(g.Devices) == 0 {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, "device group is empty")
		}
		var v *vdev.Vdev
		if len(g.Devices) == 1 {
			v = vdev.NewLeaf(nextID, g.Devices[0], &cfg.Queue, eng, bufPool)
			nextID++
		} else {
			children := make([]*vdev.Vdev, len(g.Devices))
			mirrorID := nextID
			nextID++
			for i, dev := range g.Devices {
				children[i] = vdev.NewLeaf(nextID, dev, &cfg.Queue, eng, bufPool)
				nextID++
			}
			v = vdev.NewMirror(mirrorID, children...)
		}
		eng.AddVdev(v)
		p.names[v.ID] = g.Name
	}

	svc, err := cache.New(cfg, eng, bufPool, logger)
	if err != nil {
		eng.Close()
		return nil, err
	}
	p.cache = svc

	if opts.SecondTier != nil {
		tier := vdev.NewLeaf(nextID, opts.SecondTier, &cfg.Queue, eng, bufPool)
		if err := svc.AttachSecondTier(tier, &cfg.SecondTier); err != nil {
			eng.Close()
			return nil, err
		}
	}
	svc.Start()

	if opts.MemoryLimit > 0 {
		mc := memmon.DefaultMonitorConfig()
		mc.PressureThreshold = opts.MemoryLimit
		mc.Logger = logger
		p.monitor = memmon.NewMonitor(mc)
		p.monitor.OnPressure(svc.MemoryPressure)
		if err := p.monitor.Start(); err != nil {
			svc.Stop()
			eng.Close()
			return nil, err
		}
	}

	if cfg.Monitoring.Enabled {
		p.metrics = metrics.NewCollector(cfg.Monitoring)
		p.metrics.SetCache(svc)
		p.metrics.SetPipeline(eng)
		for id, name := range p.names {
			if name == "" {
				continue
			}
			v := eng.Vdev(id)
			if v != nil && v.IsLeaf() {
				p.metrics.AddQueue(name, v.Queue)
			}
		}
		if err := p.metrics.Start(ctx); err != nil {
			p.teardown(ctx)
			return nil, err
		}
	}

	p.log.Info("pool open",
		"vdevs", len(opts.Data),
		"second_tier", opts.SecondTier != nil)
	return p, nil
}

// Read returns the block's data through the cache. The caller releases the
// returned handle.
func (p *Pool) Read(ctx context.Context, bp *types.BlockPointer) (*buffer.Data, error) {
	if p.closed.Load() {
		return nil, errors.NewError(errors.ErrCodeShutdown, "pool is closed")
	}
	return p.cache.Read(ctx, bp, types.PrioritySyncRead)
}

// Prefetch starts a speculative background read of the block.
func (p *Pool) Prefetch(bp *types.BlockPointer) {
	if p.closed.Load() {
		return
	}
	p.cache.Prefetch(bp, types.PriorityAsyncRead)
}

// Write stores a logical block and returns its pointer. The written data is
// inserted into the cache so an immediate read-back never touches a device.
func (p *Pool) Write(ctx context.Context, data []byte, props zio.Props) (types.BlockPointer, error) {
	if p.closed.Load() {
		return types.BlockPointer{}, errors.NewError(errors.ErrCodeShutdown, "pool is closed")
	}

	p.cache.AddAnon(int64(len(data)))
	defer p.cache.ReleaseAnon(int64(len(data)))

	bp, err := p.engine.Write(ctx, data, props, types.PrioritySyncWrite)
	if err != nil {
		return types.BlockPointer{}, err
	}
	p.cache.Insert(&bp, data, props.Type)
	return bp, nil
}

// Free releases the block's space and drops any cached copy.
func (p *Pool) Free(ctx context.Context, bp *types.BlockPointer) error {
	if p.closed.Load() {
		return errors.NewError(errors.ErrCodeShutdown, "pool is closed")
	}
	p.cache.Evict(bp)
	return p.engine.Free(ctx, bp)
}

// Claim re-reserves the block's space during log replay, failing if any of
// its addresses are already taken.
func (p *Pool) Claim(ctx context.Context, bp *types.BlockPointer) error {
	if p.closed.Load() {
		return errors.NewError(errors.ErrCodeShutdown, "pool is closed")
	}
	return p.engine.Claim(ctx, bp)
}

// Sync flushes every device's write cache and lets the asynchronous-write
// class run wide open for the duration.
func (p *Pool) Sync(ctx context.Context) error {
	if p.closed.Load() {
		return errors.NewError(errors.ErrCodeShutdown, "pool is closed")
	}
	return p.engine.Flush(ctx)
}

// Verify reads each block at scrub priority and reports the first damage
// found. Repairable copies are rewritten as a side effect of the reads.
func (p *Pool) Verify(ctx context.Context, bps []types.BlockPointer, parallel int) error {
	if p.closed.Load() {
		return errors.NewError(errors.ErrCodeShutdown, "pool is closed")
	}
	if parallel <= 0 {
		parallel = 4
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i := range bps {
		bp := &bps[i]
		g.Go(func() error {
			buf := p.bufPool.Get(int(bp.Lsize))
			defer p.bufPool.Put(buf)
			return p.engine.Read(ctx, bp, buf, types.PriorityScrub)
		})
	}
	return g.Wait()
}

// Suspended reports whether the pipeline has parked failed writes waiting
// for an operator.
func (p *Pool) Suspended() bool {
	return p.engine.Suspended()
}

// Resume retries every unit parked by a suspension.
func (p *Pool) Resume() {
	p.engine.Resume()
}

// MemoryPressure manually signals the cache to shed bytes.
func (p *Pool) MemoryPressure() {
	p.cache.MemoryPressure()
}

// Engine exposes the pipeline for consumers that build their own I/O trees.
func (p *Pool) Engine() *zio.Engine {
	return p.engine
}

// Stats aggregates a snapshot across the subsystems.
func (p *Pool) Stats() Stats {
	st := Stats{
		Cache:    p.cache.Stats(),
		Pipeline: p.engine.Stats(),
		Queues:   make(map[string]types.QueueStats),
	}
	for id, name := range p.names {
		v := p.engine.Vdev(id)
		if v == nil || !v.IsLeaf() {
			continue
		}
		key := name
		if key == "" {
			key = types.DVA{Vdev: id}.String()
		}
		st.Queues[key] = v.Queue.Stats()
	}
	return st
}

// Stats is a point-in-time snapshot of the whole pool.
type Stats struct {
	Cache    types.CacheStats            `json:"cache"`
	Pipeline types.PipelineStats         `json:"pipeline"`
	Queues   map[string]types.QueueStats `json:"queues"`
}

// Close drains in-flight work and stops every subsystem. Safe to call twice.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.teardown(ctx)
}

func (p *Pool) teardown(ctx context.Context) error {
	p.closed.Store(true)

	if err := p.engine.Flush(ctx); err != nil {
		p.log.Warn("flush during close", "error", err)
	}

	if p.monitor != nil {
		p.monitor.Stop()
	}
	if p.metrics != nil {
		if err := p.metrics.Stop(ctx); err != nil {
			p.log.Warn("metrics shutdown", "error", err)
		}
	}

	p.cache.Stop()
	p.engine.Close()
	p.log.Info("pool closed")
	return nil
}
