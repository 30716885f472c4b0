package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blockpool/blockpool/internal/config"
	"github.com/blockpool/blockpool/pkg/types"
)

// CacheStatter yields a snapshot of the adaptive cache.
type CacheStatter interface {
	Stats() types.CacheStats
}

// PipelineStatter yields a snapshot of the I/O pipeline engine.
type PipelineStatter interface {
	Stats() types.PipelineStats
}

// QueueStatter yields a snapshot of one device queue.
type QueueStatter interface {
	Stats() types.QueueStats
}

// Collector exports cache, pipeline, and device queue statistics over a
// private Prometheus registry. Snapshots are pulled on a fixed cadence;
// the source subsystems never see the registry.
type Collector struct {
	mu       sync.Mutex
	cfg      config.MonitoringConfig
	registry *prometheus.Registry

	cache    CacheStatter
	pipeline PipelineStatter
	queues   map[string]QueueStatter

	cacheGauge    *prometheus.GaugeVec
	cacheCounter  *prometheus.GaugeVec
	tierGauge     *prometheus.GaugeVec
	pipeGauge     *prometheus.GaugeVec
	queueDepth    *prometheus.GaugeVec
	queueActivity *prometheus.GaugeVec

	server *http.Server
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector creates a collector bound to its own registry. Attach the
// stat sources before Start.
func NewCollector(cfg config.MonitoringConfig) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = "blockpool"
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	c := &Collector{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		queues:   make(map[string]QueueStatter),
	}

	c.cacheGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "cache",
		Name:      "bytes",
		Help:      "Resident and target byte sizes of the adaptive cache",
	}, []string{"kind"})

	c.cacheCounter = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "cache",
		Name:      "events_total",
		Help:      "Cumulative cache event counts",
	}, []string{"event"})

	c.tierGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "second_tier",
		Name:      "events_total",
		Help:      "Cumulative second-tier cache event counts",
	}, []string{"event"})

	c.pipeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "pipeline",
		Name:      "events_total",
		Help:      "Cumulative I/O pipeline event counts",
	}, []string{"event"})

	c.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Queued and active operations per device and class",
	}, []string{"device", "class", "state"})

	c.queueActivity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "queue",
		Name:      "issued_total",
		Help:      "Cumulative per-device issue and aggregation counts",
	}, []string{"device", "event"})

	c.registry.MustRegister(c.cacheGauge, c.cacheCounter, c.tierGauge,
		c.pipeGauge, c.queueDepth, c.queueActivity)

	return c
}

// SetCache attaches the adaptive cache stat source.
func (c *Collector) SetCache(s CacheStatter) {
	c.mu.Lock()
	c.cache = s
	c.mu.Unlock()
}

// SetPipeline attaches the pipeline engine stat source.
func (c *Collector) SetPipeline(s PipelineStatter) {
	c.mu.Lock()
	c.pipeline = s
	c.mu.Unlock()
}

// AddQueue attaches one device queue stat source under the given name.
func (c *Collector) AddQueue(name string, s QueueStatter) {
	c.mu.Lock()
	c.queues[name] = s
	c.mu.Unlock()
}

// Start serves the metrics endpoint and begins the snapshot loop. It is a
// no-op when monitoring is disabled.
func (c *Collector) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.cfg.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.updateLoop(loopCtx)

	return nil
}

// Stop shuts the endpoint down and halts the snapshot loop.
func (c *Collector) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// Registry exposes the private registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) updateLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Update()
		}
	}
}

// Update pulls one snapshot from every attached source and publishes it.
func (c *Collector) Update() {
	c.mu.Lock()
	cache := c.cache
	pipeline := c.pipeline
	queues := make(map[string]QueueStatter, len(c.queues))
	for name, q := range c.queues {
		queues[name] = q
	}
	c.mu.Unlock()

	if cache != nil {
		c.publishCache(cache.Stats())
	}
	if pipeline != nil {
		c.publishPipeline(pipeline.Stats())
	}
	for name, q := range queues {
		c.publishQueue(name, q.Stats())
	}
}

func (c *Collector) publishCache(st types.CacheStats) {
	sizes := map[string]int64{
		"resident":       st.Size,
		"target":         st.Target,
		"recent_target":  st.MRUTarget,
		"min":            st.MinSize,
		"max":            st.MaxSize,
		"anon":           st.AnonSize,
		"recent":         st.MRUSize,
		"recent_ghost":   st.MRUGhostSize,
		"frequent":       st.MFUSize,
		"frequent_ghost": st.MFUGhostSize,
		"metadata":       st.MetadataSize,
		"data":           st.DataSize,
		"second_tier":    st.L2Size,
	}
	for kind, v := range sizes {
		c.cacheGauge.WithLabelValues(kind).Set(float64(v))
	}

	events := map[string]uint64{
		"hits":                st.Hits,
		"misses":              st.Misses,
		"recent_hits":         st.MRUHits,
		"frequent_hits":       st.MFUHits,
		"recent_ghost_hits":   st.MRUGhostHits,
		"frequent_ghost_hits": st.MFUGhostHits,
		"evictions":           st.Evictions,
		"evict_skips":         st.EvictSkips,
		"mutex_misses":        st.MutexMisses,
		"recycle_misses":      st.RecycleMisses,
		"deleted_ghosts":      st.DeletedGhosts,
	}
	for event, v := range events {
		c.cacheCounter.WithLabelValues(event).Set(float64(v))
	}

	tier := map[string]uint64{
		"hits":         st.L2Hits,
		"misses":       st.L2Misses,
		"writes":       st.L2Writes,
		"write_errors": st.L2WriteErrors,
		"checksum_bad": st.L2ChecksumBad,
		"evictions":    st.L2Evictions,
	}
	for event, v := range tier {
		c.tierGauge.WithLabelValues(event).Set(float64(v))
	}
}

func (c *Collector) publishPipeline(st types.PipelineStats) {
	events := map[string]uint64{
		"created":     st.Created,
		"completed":   st.Completed,
		"errors":      st.Errors,
		"retries":     st.Retries,
		"reexecutes":  st.Reexecutes,
		"nop_writes":  st.NopWrites,
		"gang_writes": st.GangWrites,
		"dedup_hits":  st.DedupHits,
	}
	for event, v := range events {
		c.pipeGauge.WithLabelValues(event).Set(float64(v))
	}

	suspended := 0.0
	if st.Suspended {
		suspended = 1.0
	}
	c.pipeGauge.WithLabelValues("suspended").Set(suspended)
}

func (c *Collector) publishQueue(name string, st types.QueueStats) {
	for p := 0; p < int(types.NumQueueablePriorities); p++ {
		class := types.Priority(p).String()
		c.queueDepth.WithLabelValues(name, class, "queued").Set(float64(st.Queued[p]))
		c.queueDepth.WithLabelValues(name, class, "active").Set(float64(st.Active[p]))
	}

	c.queueActivity.WithLabelValues(name, "issued").Set(float64(st.Issued))
	c.queueActivity.WithLabelValues(name, "aggregated").Set(float64(st.Aggregated))
	c.queueActivity.WithLabelValues(name, "aggregated_bytes").Set(float64(st.AggregatedBytes))
	c.queueActivity.WithLabelValues(name, "shrunk").Set(float64(st.Shrunk))
}
