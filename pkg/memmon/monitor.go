// Package memmon watches process memory and raises pressure signals so the
// block cache can shed bytes before the runtime does it the hard way.
package memmon

import (
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// MonitorConfig configures the memory monitor.
type MonitorConfig struct {
	// SampleInterval is how often to collect memory stats.
	SampleInterval time.Duration

	// PressureThreshold is the heap-in-use byte count past which every
	// sample fires the pressure callbacks.
	PressureThreshold uint64

	// GrowthAlertPct logs a warning when heap use grows by this percentage
	// over the recorded baseline.
	GrowthAlertPct float64

	// MaxSamples bounds the retained sample history.
	MaxSamples int

	// GCPercentage sets GOGC (0 leaves the runtime default alone).
	GCPercentage int

	Logger *slog.Logger
}

// DefaultMonitorConfig returns sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval: 10 * time.Second,
		GrowthAlertPct: 50.0,
		MaxSamples:     100,
	}
}

// Sample is one point-in-time memory reading.
type Sample struct {
	Timestamp    time.Time
	HeapInuse    uint64
	HeapSys      uint64
	NumGC        uint32
	NumGoroutine int
	PauseTotalNs uint64
}

// PressureFunc is invoked outside the monitor's lock when a sample crosses
// the pressure threshold.
type PressureFunc func()

// Monitor samples runtime memory on a cadence and fans pressure signals out
// to its subscribers.
type Monitor struct {
	cfg MonitorConfig
	log *slog.Logger

	mu        sync.RWMutex
	samples   []Sample
	baseline  Sample
	hasBase   bool
	callbacks []PressureFunc

	pressureEvents atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	active atomic.Bool
}

// NewMonitor creates a monitor. Callbacks may be added before or after Start.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultMonitorConfig().SampleInterval
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMonitorConfig().MaxSamples
	}
	if cfg.GCPercentage > 0 {
		debug.SetGCPercent(cfg.GCPercentage)
	}

	return &Monitor{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "memmon"),
		stopCh: make(chan struct{}),
	}
}

// OnPressure registers a callback fired when heap use crosses the threshold.
func (m *Monitor) OnPressure(fn PressureFunc) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// Start begins sampling.
func (m *Monitor) Start() error {
	if !m.active.CompareAndSwap(false, true) {
		return fmt.Errorf("monitor already running")
	}

	m.log.Info("starting memory monitor",
		"sample_interval", m.cfg.SampleInterval,
		"pressure_threshold", m.cfg.PressureThreshold)

	m.wg.Add(1)
	go m.loop()
	return nil
}

// Stop halts sampling. Safe to call twice.
func (m *Monitor) Stop() {
	if !m.active.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	m.Sample()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one reading immediately and applies the alert and pressure
// rules to it.
func (m *Monitor) Sample() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := Sample{
		Timestamp:    time.Now(),
		HeapInuse:    ms.HeapInuse,
		HeapSys:      ms.HeapSys,
		NumGC:        ms.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
		PauseTotalNs: ms.PauseTotalNs,
	}

	m.mu.Lock()
	if !m.hasBase {
		m.baseline = s
		m.hasBase = true
	}
	m.samples = append(m.samples, s)
	if len(m.samples) > m.cfg.MaxSamples {
		m.samples = m.samples[1:]
	}
	base := m.baseline
	callbacks := append([]PressureFunc(nil), m.callbacks...)
	m.mu.Unlock()

	if m.cfg.GrowthAlertPct > 0 && base.HeapInuse > 0 {
		growth := (float64(s.HeapInuse) - float64(base.HeapInuse)) /
			float64(base.HeapInuse) * 100.0
		if growth >= m.cfg.GrowthAlertPct {
			m.log.Warn("heap growth over baseline",
				"growth_pct", growth,
				"heap_inuse", s.HeapInuse,
				"baseline", base.HeapInuse)
		}
	}

	if m.cfg.PressureThreshold > 0 && s.HeapInuse >= m.cfg.PressureThreshold {
		m.pressureEvents.Add(1)
		m.log.Warn("memory pressure",
			"heap_inuse", s.HeapInuse,
			"threshold", m.cfg.PressureThreshold)
		for _, fn := range callbacks {
			fn()
		}
	}

	return s
}

// ResetBaseline makes the next sample the new growth baseline.
func (m *Monitor) ResetBaseline() {
	m.mu.Lock()
	m.hasBase = false
	m.mu.Unlock()
}

// Current returns the most recent sample.
func (m *Monitor) Current() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.samples) == 0 {
		return Sample{}, false
	}
	return m.samples[len(m.samples)-1], true
}

// History returns a copy of the retained samples, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Sample(nil), m.samples...)
}

// PressureEvents reports how many samples crossed the threshold.
func (m *Monitor) PressureEvents() uint64 {
	return m.pressureEvents.Load()
}
