package memmon

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietConfig() MonitorConfig {
	cfg := DefaultMonitorConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func TestMonitor_SampleRecordsReading(t *testing.T) {
	m := NewMonitor(quietConfig())

	s := m.Sample()
	assert.NotZero(t, s.HeapInuse)
	assert.NotZero(t, s.NumGoroutine)
	assert.False(t, s.Timestamp.IsZero())

	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, s, cur)
}

func TestMonitor_CurrentEmptyBeforeSampling(t *testing.T) {
	m := NewMonitor(quietConfig())
	_, ok := m.Current()
	assert.False(t, ok)
}

func TestMonitor_PressureCallbackFires(t *testing.T) {
	cfg := quietConfig()
	cfg.PressureThreshold = 1 // every sample is over threshold
	m := NewMonitor(cfg)

	fired := 0
	m.OnPressure(func() { fired++ })
	m.Sample()
	m.Sample()

	assert.Equal(t, 2, fired)
	assert.Equal(t, uint64(2), m.PressureEvents())
}

func TestMonitor_NoPressureWithoutThreshold(t *testing.T) {
	m := NewMonitor(quietConfig())
	fired := false
	m.OnPressure(func() { fired = true })
	m.Sample()

	assert.False(t, fired)
	assert.Zero(t, m.PressureEvents())
}

func TestMonitor_HistoryBounded(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxSamples = 3
	m := NewMonitor(cfg)

	for i := 0; i < 5; i++ {
		m.Sample()
	}

	hist := m.History()
	require.Len(t, hist, 3)
	for i := 1; i < len(hist); i++ {
		assert.False(t, hist[i].Timestamp.Before(hist[i-1].Timestamp), "oldest first")
	}
}

func TestMonitor_ResetBaseline(t *testing.T) {
	m := NewMonitor(quietConfig())
	first := m.Sample()
	m.ResetBaseline()
	m.Sample()

	m.mu.RLock()
	base := m.baseline
	m.mu.RUnlock()
	assert.False(t, base.Timestamp.Before(first.Timestamp))
}

func TestMonitor_StartStopLifecycle(t *testing.T) {
	cfg := quietConfig()
	cfg.SampleInterval = time.Millisecond
	m := NewMonitor(cfg)

	require.NoError(t, m.Start())
	assert.Error(t, m.Start(), "double start is rejected")

	require.Eventually(t, func() bool {
		_, ok := m.Current()
		return ok
	}, 2*time.Second, time.Millisecond)

	m.Stop()
	m.Stop() // second stop is a no-op
}
