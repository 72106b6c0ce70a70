package server

import (
	"context"
	"runtime"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemSnapshot is the host view reported by the status endpoint. Fields
// the platform cannot provide stay zero.
type SystemSnapshot struct {
	Hostname      string  `json:"hostname,omitempty"`
	UptimeSeconds uint64  `json:"uptime_seconds,omitempty"`
	NumCPU        int     `json:"num_cpu"`
	CPUPercent    float64 `json:"cpu_percent"`
	Load1         float64 `json:"load1"`
	Load5         float64 `json:"load5"`
	Load15        float64 `json:"load15"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	CacheDir      string  `json:"cache_dir,omitempty"`
	DiskFreeMB    float64 `json:"disk_free_mb"`
	DiskPercent   float64 `json:"disk_used_percent"`
	Goroutines    int     `json:"goroutines"`
}

// SystemStats samples host metrics with gopsutil.
type SystemStats struct {
	cacheDir string
	logger   hclog.Logger
}

// NewSystemStats reports disk usage for the filesystem holding cacheDir.
func NewSystemStats(cacheDir string, logger hclog.Logger) *SystemStats {
	return &SystemStats{cacheDir: cacheDir, logger: logger}
}

// Collect never fails; each metric that errors is logged and left zero.
func (s *SystemStats) Collect(ctx context.Context) SystemSnapshot {
	snap := SystemSnapshot{
		NumCPU:     runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		CacheDir:   s.cacheDir,
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.UptimeSeconds = info.Uptime
	} else {
		s.logger.Debug("host info unavailable", "error", err)
	}

	// interval 0 compares against the previous call instead of sleeping
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	} else if err != nil {
		s.logger.Debug("cpu usage unavailable", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load1, snap.Load5, snap.Load15 = avg.Load1, avg.Load5, avg.Load15
	} else {
		s.logger.Debug("load average unavailable", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = vm.UsedPercent
		snap.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
		snap.MemoryTotalMB = float64(vm.Total) / (1024 * 1024)
	} else {
		s.logger.Debug("memory stats unavailable", "error", err)
	}

	if s.cacheDir != "" {
		if usage, err := disk.UsageWithContext(ctx, s.cacheDir); err == nil {
			snap.DiskFreeMB = float64(usage.Free) / (1024 * 1024)
			snap.DiskPercent = usage.UsedPercent
		} else {
			s.logger.Debug("disk usage unavailable", "path", s.cacheDir, "error", err)
		}
	}

	return snap
}
