package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefault_IsValid(t *testing.T) {
	cfg := NewDefault()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "wait", cfg.Global.Failmode)
	assert.Equal(t, int64(64<<20), MustParseSize(cfg.Cache.MinSize))
	assert.Equal(t, int64(1<<30), MustParseSize(cfg.Cache.MaxSize))
	assert.Equal(t, 62*time.Millisecond, cfg.Cache.MinDwellTime)
	assert.Equal(t, int64(32<<20), MustParseSize(cfg.Cache.GrowHeadroom))
	assert.Equal(t, 3, cfg.Pipeline.GangHeaderSlots)
	assert.Equal(t, 10, cfg.Queue.SyncRead.MaxActive)
	assert.False(t, cfg.Monitoring.Enabled)
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"512B", 512},
		{"4KB", 4096},
		{"8MB", 8 << 20},
		{"1GB", 1 << 30},
		{"2TB", 2 << 40},
		{" 16 MB ", 16 << 20},
		{"64mb", 64 << 20},
		{"0", 0},
	}
	for _, tc := range cases {
		got, err := ParseSize(tc.in)
		require.NoError(t, err, "ParseSize(%q)", tc.in)
		assert.Equal(t, tc.want, got, "ParseSize(%q)", tc.in)
	}
}

func TestParseSize_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "12XB", "-1KB"} {
		_, err := ParseSize(in)
		assert.Error(t, err, "ParseSize(%q)", in)
	}
}

func TestMustParseSize_PanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() { MustParseSize("not-a-size") })
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"bad min size", func(c *Configuration) { c.Cache.MinSize = "huge" }},
		{"min above max", func(c *Configuration) { c.Cache.MinSize = "2GB" }},
		{"bad grow headroom", func(c *Configuration) { c.Cache.GrowHeadroom = "lots" }},
		{"zero hash locks", func(c *Configuration) { c.Cache.HashLocks = 0 }},
		{"zero sublists", func(c *Configuration) { c.Cache.Sublists = 0 }},
		{"zero queue max", func(c *Configuration) { c.Queue.MaxActive = 0 }},
		{"inverted class limits", func(c *Configuration) { c.Queue.Scrub = ClassLimits{MinActive: 5, MaxActive: 1} }},
		{"dirty percents inverted", func(c *Configuration) { c.Queue.AsyncWriteMinDirtyPercent = 80 }},
		{"one gang slot", func(c *Configuration) { c.Pipeline.GangHeaderSlots = 1 }},
		{"bad failmode", func(c *Configuration) { c.Global.Failmode = "retry" }},
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "TRACE" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefault()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfiguration_FileRoundTrip(t *testing.T) {
	cfg := NewDefault()
	cfg.Cache.MaxSize = "256MB"
	cfg.Queue.AsyncWrite.MaxActive = 20
	cfg.Monitoring.Enabled = true
	cfg.Monitoring.Port = 9999

	path := filepath.Join(t.TempDir(), "conf", "blockpool.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	loaded := NewDefault()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, cfg, loaded)
	require.NoError(t, loaded.Validate())
}

func TestConfiguration_LoadFromFileMissing(t *testing.T) {
	cfg := NewDefault()
	assert.Error(t, cfg.LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestConfiguration_LoadFromEnv(t *testing.T) {
	os.Setenv("BLOCKPOOL_FAILMODE", "CONTINUE")
	os.Setenv("BLOCKPOOL_CACHE_MAX_SIZE", "128MB")
	os.Setenv("BLOCKPOOL_QUEUE_MAX_ACTIVE", "42")
	defer func() {
		os.Unsetenv("BLOCKPOOL_FAILMODE")
		os.Unsetenv("BLOCKPOOL_CACHE_MAX_SIZE")
		os.Unsetenv("BLOCKPOOL_QUEUE_MAX_ACTIVE")
	}()

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "continue", cfg.Global.Failmode)
	assert.Equal(t, "128MB", cfg.Cache.MaxSize)
	assert.Equal(t, 42, cfg.Queue.MaxActive)
}
