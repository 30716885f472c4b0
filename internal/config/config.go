package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete engine configuration.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	SecondTier SecondTierConfig `yaml:"second_tier"`
	Queue      QueueConfig      `yaml:"queue"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global engine settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
	// Failmode selects the pool-wide reaction to a sustained no-space or
	// irrecoverable-device condition: "wait" suspends allocating writes
	// until resolved, "continue" keeps retrying, "panic" hard-fails.
	Failmode string `yaml:"failmode"`
}

// CacheConfig represents the adaptive cache tunables.
type CacheConfig struct {
	// MinSize and MaxSize bound the self-tuning target size.
	MinSize string `yaml:"min_size"`
	MaxSize string `yaml:"max_size"`
	// ShrinkShift controls how much of the target is shed on one memory
	// pressure signal (target >> shift).
	ShrinkShift uint `yaml:"shrink_shift"`
	// GhostHitMultiplierCap caps the adaptation reward for a ghost hit at
	// this multiple of the hit size.
	GhostHitMultiplierCap int64 `yaml:"ghost_hit_multiplier_cap"`
	// MinPrefetchLifespan is how long a prefetched entry is immune to
	// eviction.
	MinPrefetchLifespan time.Duration `yaml:"min_prefetch_lifespan"`
	// MinDwellTime is how long an entry must sit on the recently-used list
	// before a re-touch promotes it to frequently-used.
	MinDwellTime time.Duration `yaml:"min_dwell_time"`
	// HashLocks is the size of the sharded header lock array. Two distinct
	// headers may share a lock; that is a throughput matter, never a
	// correctness one.
	HashLocks int `yaml:"hash_locks"`
	// Sublists is the number of partitions per cache list.
	Sublists int `yaml:"sublists"`
	// GrowRetry is how long the target stays frozen after a memory
	// pressure signal before growth resumes.
	GrowRetry time.Duration `yaml:"grow_retry"`
	// GrowHeadroom is how close the resident set must be to the target
	// before a miss is allowed to raise it. A miss against a cache with
	// more free room than this proves nothing about the target.
	GrowHeadroom string `yaml:"grow_headroom"`
}

// SecondTierConfig represents the disk-backed cache tier tunables.
type SecondTierConfig struct {
	// WriteMax caps bytes written to a tier device per feed cycle.
	WriteMax string `yaml:"write_max"`
	// WriteBoost multiplies WriteMax until the first eviction from the
	// primary cache, to warm the tier faster.
	WriteBoost int64 `yaml:"write_boost"`
	// Headroom scales how far past the write target the eviction window
	// advances on each cycle.
	Headroom int64 `yaml:"headroom"`
	// FeedInterval is the cadence of the background feed cycle.
	FeedInterval time.Duration `yaml:"feed_interval"`
	// Compression enables compressing buffers on their way to the tier.
	Compression bool `yaml:"compression"`
}

// ClassLimits holds the min/max concurrently-active bounds for one
// scheduling class.
type ClassLimits struct {
	MinActive int `yaml:"min_active"`
	MaxActive int `yaml:"max_active"`
}

// QueueConfig represents the per-device I/O queue tunables.
type QueueConfig struct {
	MaxActive int `yaml:"max_active"`

	SyncRead   ClassLimits `yaml:"sync_read"`
	SyncWrite  ClassLimits `yaml:"sync_write"`
	AsyncRead  ClassLimits `yaml:"async_read"`
	AsyncWrite ClassLimits `yaml:"async_write"`
	Scrub      ClassLimits `yaml:"scrub"`
	Trim       ClassLimits `yaml:"trim"`

	// AggregationLimit bounds the span of one merged request.
	AggregationLimit string `yaml:"aggregation_limit"`
	// ReadGapLimit and WriteGapLimit bound the hole between two requests
	// that aggregation may bridge.
	ReadGapLimit  string `yaml:"read_gap_limit"`
	WriteGapLimit string `yaml:"write_gap_limit"`

	// AsyncWriteMinDirtyPercent and AsyncWriteMaxDirtyPercent are the low
	// and high water marks of pool dirty data between which the
	// asynchronous-write class's max-active is interpolated.
	AsyncWriteMinDirtyPercent int `yaml:"async_write_min_dirty_percent"`
	AsyncWriteMaxDirtyPercent int `yaml:"async_write_max_dirty_percent"`
}

// PipelineConfig represents the I/O pipeline engine tunables.
type PipelineConfig struct {
	// IssueWorkers and InterruptWorkers size the two task queues stages
	// run on.
	IssueWorkers     int `yaml:"issue_workers"`
	InterruptWorkers int `yaml:"interrupt_workers"`
	// GangHeaderSlots is the number of sub-block pointers one gang header
	// holds.
	GangHeaderSlots int `yaml:"gang_header_slots"`
	// DedupDittoThreshold is the reference count past which a deduplicated
	// block earns an extra physical copy.
	DedupDittoThreshold uint64 `yaml:"dedup_ditto_threshold"`
	// DedupTableCacheEntries bounds the in-memory entry cache in front of
	// the dedup table.
	DedupTableCacheEntries int `yaml:"dedup_table_cache_entries"`
	// DirtyDataMax is the pool-wide unflushed-data ceiling the async-write
	// scaling interpolates against.
	DirtyDataMax string `yaml:"dirty_data_max"`
	// CompressionLevel selects the zstd level when zstd is used.
	CompressionLevel int `yaml:"compression_level"`
	// MaxRetries bounds per-unit device retries before the error is
	// surfaced or the pool suspends, per failmode.
	MaxRetries int `yaml:"max_retries"`
}

// MonitoringConfig represents metrics settings.
type MonitoringConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with the documented defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "INFO",
			Failmode: "wait",
		},
		Cache: CacheConfig{
			MinSize:               "64MB",
			MaxSize:               "1GB",
			ShrinkShift:           5,
			GhostHitMultiplierCap: 10,
			MinPrefetchLifespan:   time.Second,
			MinDwellTime:          62 * time.Millisecond,
			HashLocks:             256,
			Sublists:              8,
			GrowRetry:             60 * time.Second,
			GrowHeadroom:          "32MB", // two blocks of the largest size
		},
		SecondTier: SecondTierConfig{
			WriteMax:     "8MB",
			WriteBoost:   2,
			Headroom:     2,
			FeedInterval: time.Second,
			Compression:  true,
		},
		Queue: QueueConfig{
			MaxActive:  1000,
			SyncRead:   ClassLimits{MinActive: 10, MaxActive: 10},
			SyncWrite:  ClassLimits{MinActive: 10, MaxActive: 10},
			AsyncRead:  ClassLimits{MinActive: 1, MaxActive: 3},
			AsyncWrite: ClassLimits{MinActive: 1, MaxActive: 10},
			Scrub:      ClassLimits{MinActive: 1, MaxActive: 2},
			Trim:       ClassLimits{MinActive: 1, MaxActive: 64},

			AggregationLimit: "128KB",
			ReadGapLimit:     "32KB",
			WriteGapLimit:    "4KB",

			AsyncWriteMinDirtyPercent: 30,
			AsyncWriteMaxDirtyPercent: 60,
		},
		Pipeline: PipelineConfig{
			IssueWorkers:           8,
			InterruptWorkers:       8,
			GangHeaderSlots:        3,
			DedupDittoThreshold:    100,
			DedupTableCacheEntries: 4096,
			DirtyDataMax:           "64MB",
			CompressionLevel:       3,
			MaxRetries:             2,
		},
		Monitoring: MonitoringConfig{
			Enabled:   false,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "blockpool",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv loads configuration overrides from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("BLOCKPOOL_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("BLOCKPOOL_FAILMODE"); val != "" {
		c.Global.Failmode = strings.ToLower(val)
	}
	if val := os.Getenv("BLOCKPOOL_CACHE_MIN_SIZE"); val != "" {
		c.Cache.MinSize = val
	}
	if val := os.Getenv("BLOCKPOOL_CACHE_MAX_SIZE"); val != "" {
		c.Cache.MaxSize = val
	}
	if val := os.Getenv("BLOCKPOOL_L2_WRITE_MAX"); val != "" {
		c.SecondTier.WriteMax = val
	}
	if val := os.Getenv("BLOCKPOOL_QUEUE_MAX_ACTIVE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Queue.MaxActive = n
		}
	}
	if val := os.Getenv("BLOCKPOOL_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Monitoring.Port = port
		}
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	minSize, err := ParseSize(c.Cache.MinSize)
	if err != nil {
		return fmt.Errorf("invalid cache min_size: %w", err)
	}
	maxSize, err := ParseSize(c.Cache.MaxSize)
	if err != nil {
		return fmt.Errorf("invalid cache max_size: %w", err)
	}
	if minSize > maxSize {
		return fmt.Errorf("cache min_size (%d) exceeds max_size (%d)", minSize, maxSize)
	}
	if _, err := ParseSize(c.Cache.GrowHeadroom); err != nil {
		return fmt.Errorf("invalid cache grow_headroom: %w", err)
	}
	if c.Cache.HashLocks <= 0 {
		return fmt.Errorf("hash_locks must be greater than 0")
	}
	if c.Cache.Sublists <= 0 {
		return fmt.Errorf("sublists must be greater than 0")
	}
	if c.Queue.MaxActive <= 0 {
		return fmt.Errorf("queue max_active must be greater than 0")
	}
	for _, cl := range []struct {
		name   string
		limits ClassLimits
	}{
		{"sync_read", c.Queue.SyncRead},
		{"sync_write", c.Queue.SyncWrite},
		{"async_read", c.Queue.AsyncRead},
		{"async_write", c.Queue.AsyncWrite},
		{"scrub", c.Queue.Scrub},
		{"trim", c.Queue.Trim},
	} {
		if cl.limits.MinActive < 0 || cl.limits.MaxActive < cl.limits.MinActive {
			return fmt.Errorf("queue class %s: min_active must be >= 0 and <= max_active", cl.name)
		}
	}
	lo, hi := c.Queue.AsyncWriteMinDirtyPercent, c.Queue.AsyncWriteMaxDirtyPercent
	if lo < 0 || hi > 100 || lo >= hi {
		return fmt.Errorf("async_write dirty percents must satisfy 0 <= min < max <= 100")
	}
	if c.Pipeline.GangHeaderSlots < 2 {
		return fmt.Errorf("gang_header_slots must be at least 2")
	}
	switch strings.ToLower(c.Global.Failmode) {
	case "wait", "continue", "panic":
	default:
		return fmt.Errorf("invalid failmode: %s (must be wait, continue, or panic)", c.Global.Failmode)
	}
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}
	return nil
}

// ParseSize parses a human-readable size string like "8MB" or "512" into
// bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "TB"):
		multiplier = 1 << 40
		s = strings.TrimSuffix(s, "TB")
	case strings.HasSuffix(s, "GB"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("size must not be negative")
	}
	return n * multiplier, nil
}

// MustParseSize parses a size string and panics on error; intended for
// defaults known to be valid.
func MustParseSize(s string) int64 {
	n, err := ParseSize(s)
	if err != nil {
		panic(err)
	}
	return n
}
