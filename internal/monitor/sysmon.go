package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// collectInterval is how often the monitor refreshes its samples. Chunk
// buffers are large (10 MiB+ each) and uploads are bursty, so memory and
// disk pressure move slowly; 30s is plenty.
const collectInterval = 30 * time.Second

// SystemStats holds the metrics a chunk-store daemon cares about: memory
// pressure (the flush queue pins one chunk buffer per pending upload),
// CPU/load (compression codecs), and disk usage of the directories the
// daemon writes to (inflight markers under working_dir, helper programs
// under scripts_dir).
type SystemStats struct {
	CPUPercent    float64
	MemoryPercent float64
	LoadAverage   float64

	// DiskPercent maps each monitored path to the usage of its filesystem.
	DiskPercent map[string]float64
}

// SystemMonitor samples system metrics periodically for the stats reporter.
type SystemMonitor struct {
	logger *slog.Logger
	paths  []string
	close  chan struct{}
	wg     sync.WaitGroup
	stats  SystemStats
	mu     sync.RWMutex
}

// NewSystemMonitor creates a SystemMonitor that watches disk usage of the
// given paths (deduplicated, empty entries dropped). With no usable path it
// falls back to "/".
func NewSystemMonitor(logger *slog.Logger, paths ...string) *SystemMonitor {
	seen := make(map[string]bool)
	var watched []string
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		watched = append(watched, p)
	}
	if len(watched) == 0 {
		watched = []string{"/"}
	}

	return &SystemMonitor{
		logger: logger.With("component", "system_monitor"),
		paths:  watched,
		close:  make(chan struct{}),
	}
}

// Start begins periodic metric collection.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop stops the monitor.
func (sm *SystemMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Stats returns the latest collected stats. The DiskPercent map is a copy.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	stats := sm.stats
	stats.DiskPercent = make(map[string]float64, len(sm.stats.DiskPercent))
	for path, pct := range sm.stats.DiskPercent {
		stats.DiskPercent[path] = pct
	}
	return stats
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	// Initial collection
	sm.collect()

	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	stats := SystemStats{DiskPercent: make(map[string]float64, len(sm.paths))}

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	for _, path := range sm.paths {
		if d, err := disk.Usage(path); err == nil {
			stats.DiskPercent[path] = d.UsedPercent
		} else {
			sm.logger.Debug("failed to collect disk stats", "path", path, "error", err)
		}
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}
