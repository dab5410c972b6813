package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSnapshot is one sample of process and host resource usage.
type SystemSnapshot struct {
	Uptime        time.Duration `json:"-"`
	UptimeSeconds float64       `json:"uptime"`
	MemoryRSS     uint64        `json:"memoryRss"`
	MemoryPercent float64       `json:"memoryPercent"` // of host total
	HeapAlloc     uint64        `json:"heapAlloc"`
	CPUPercent    float64       `json:"cpuPercent"`
	Load1         float64       `json:"load1"`
	Load5         float64       `json:"load5"`
	Load15        float64       `json:"load15"`
	Goroutines    int           `json:"goroutines"`
	SampledAt     time.Time     `json:"sampledAt"`
}

// SystemSampler periodically measures process resource usage. The latest
// sample is cached so status endpoints never block on measurement.
type SystemSampler struct {
	logger zerolog.Logger
	proc   *process.Process
	start  time.Time

	mu   sync.RWMutex
	last SystemSnapshot
}

func NewSystemSampler(logger zerolog.Logger) *SystemSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get process info")
		proc = nil
	}
	s := &SystemSampler{
		logger: logger,
		proc:   proc,
		start:  time.Now(),
	}
	s.last = s.sample()
	return s
}

// Run collects a sample on each tick until the context is cancelled.
func (s *SystemSampler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.sample()
			s.mu.Lock()
			s.last = snap
			s.mu.Unlock()
			UpdateSystemMetrics(snap.MemoryRSS, snap.CPUPercent, snap.Goroutines)
		}
	}
}

// Snapshot returns the most recent sample.
func (s *SystemSampler) Snapshot() SystemSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *SystemSampler) sample() SystemSnapshot {
	snap := SystemSnapshot{
		Uptime:     time.Since(s.start),
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now(),
	}
	snap.UptimeSeconds = snap.Uptime.Seconds()

	var rt runtime.MemStats
	runtime.ReadMemStats(&rt)
	snap.HeapAlloc = rt.Alloc

	if s.proc != nil {
		if memInfo, err := s.proc.MemoryInfo(); err == nil {
			snap.MemoryRSS = memInfo.RSS
		}
		if cpuPct, err := s.proc.CPUPercent(); err == nil {
			snap.CPUPercent = cpuPct
		}
	}

	if vmem, err := mem.VirtualMemory(); err == nil && vmem.Total > 0 {
		if snap.MemoryRSS == 0 {
			snap.MemoryRSS = vmem.Used
		}
		snap.MemoryPercent = float64(snap.MemoryRSS) / float64(vmem.Total) * 100
	}

	if avg, err := load.Avg(); err == nil {
		snap.Load1 = avg.Load1
		snap.Load5 = avg.Load5
		snap.Load15 = avg.Load15
	}

	return snap
}
