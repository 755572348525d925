// Package selfstats samples the gateway host's CPU and memory usage
// (host-wide, not the gateway process alone) plus the process's goroutine
// count and uptime for /healthz, the way the teacher's worker/exporters/prometheus
// WorkerExporter.updateMetrics samples gopsutil for its hardware gauges.
// The Node Router reports on itself here; node hardware is the Health
// Prober's concern, not this package's.
package selfstats

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time reading: CPU and memory figures cover the
// whole host; Goroutines and Uptime are the gateway process's own.
type Snapshot struct {
	CPUPercent    float64
	MemoryBytes   uint64
	MemoryPercent float64
	Goroutines    int
	Uptime        time.Duration
}

// Sampler samples Snapshots relative to when it was constructed.
type Sampler struct {
	startedAt time.Time
}

// New builds a Sampler whose uptime clock starts now.
func New() *Sampler {
	return &Sampler{startedAt: time.Now()}
}

// Sample takes a fresh reading. CPU sampling blocks for the given window
// to get an instantaneous rate; callers on a hot path should run this on
// a background timer rather than per-request.
func (s *Sampler) Sample(window time.Duration) Snapshot {
	snap := Snapshot{
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(s.startedAt),
	}
	if pct, err := cpu.Percent(window, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		snap.MemoryBytes = vmem.Used
		snap.MemoryPercent = vmem.UsedPercent
	}
	return snap
}
