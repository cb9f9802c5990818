// Package resource implements the Resource Monitor (CPU/RAM sampling with
// warn/critical thresholds) and the Optimizer (a debounced 3-level pressure
// state other components consult to shed load).
package resource

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/oleksiy-k/botcore/internal/telemetry"
)

const (
	MemoryWarningThreshold  = 80.0
	MemoryCriticalThreshold = 90.0
	CPUWarningThreshold     = 85.0
	CPUCriticalThreshold    = 95.0

	warningThrottleInterval = 300 * time.Second
)

// Stats is a snapshot of host and process resource usage.
type Stats struct {
	MemoryUsedMB       float64
	MemoryTotalMB      float64
	MemoryPercent      float64
	CPUPercent         float64
	ProcessMemoryMB    float64
	ProcessCPUPercent  float64
}

// Monitor samples host and process CPU/RAM. It is an explicit object, not a
// process-global singleton, so tests can construct an isolated instance.
type Monitor struct {
	proc *process.Process
	tel  *telemetry.Telemetry
	log  *slog.Logger

	mu                  sync.Mutex
	lastMemoryWarningAt time.Time
	lastCPUWarningAt    time.Time
}

// NewMonitor constructs a Monitor for the current process. If gopsutil
// cannot locate the current process (unusual sandboxing), available()
// returns false and all checks become no-ops.
func NewMonitor(tel *telemetry.Telemetry, log *slog.Logger) *Monitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &Monitor{tel: tel, log: log}
	}
	return &Monitor{proc: proc, tel: tel, log: log}
}

func (m *Monitor) available() bool { return m.proc != nil }

// Sample returns current stats, or nil if the process handle is unavailable.
func (m *Monitor) Sample(ctx context.Context) *Stats {
	if !m.available() {
		return nil
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil
	}
	cpuPercents, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil || len(cpuPercents) == 0 {
		return nil
	}
	procMem, err := m.proc.MemInfoWithContext(ctx)
	if err != nil {
		return nil
	}
	procCPU, err := m.proc.CPUPercentWithContext(ctx)
	if err != nil {
		procCPU = 0
	}

	stats := &Stats{
		MemoryUsedMB:      float64(vm.Used) / (1024 * 1024),
		MemoryTotalMB:     float64(vm.Total) / (1024 * 1024),
		MemoryPercent:     vm.UsedPercent,
		CPUPercent:        cpuPercents[0],
		ProcessMemoryMB:   float64(procMem.RSS) / (1024 * 1024),
		ProcessCPUPercent: procCPU,
	}

	if m.tel != nil {
		m.tel.SetMemoryPercent(stats.MemoryPercent)
		m.tel.SetCPUPercent(stats.CPUPercent)
	}

	return stats
}

// CheckMemoryPressure reports (isCritical, message). Warnings are throttled
// to one log line per warningThrottleInterval; critical is always logged.
func (m *Monitor) CheckMemoryPressure(ctx context.Context) (bool, string) {
	stats := m.Sample(ctx)
	if stats == nil {
		return false, ""
	}

	if stats.MemoryPercent >= MemoryCriticalThreshold {
		if m.log != nil {
			m.log.Error("memory pressure critical", "percent", stats.MemoryPercent)
		}
		return true, "memory critical"
	}

	if stats.MemoryPercent >= MemoryWarningThreshold {
		m.mu.Lock()
		due := time.Since(m.lastMemoryWarningAt) > warningThrottleInterval
		if due {
			m.lastMemoryWarningAt = time.Now()
		}
		m.mu.Unlock()
		if due && m.log != nil {
			m.log.Warn("memory pressure warning", "percent", stats.MemoryPercent)
		}
	}
	return false, ""
}

// CheckCPUPressure mirrors CheckMemoryPressure for CPU.
func (m *Monitor) CheckCPUPressure(ctx context.Context) (bool, string) {
	stats := m.Sample(ctx)
	if stats == nil {
		return false, ""
	}

	if stats.CPUPercent >= CPUCriticalThreshold {
		if m.log != nil {
			m.log.Error("cpu pressure critical", "percent", stats.CPUPercent)
		}
		return true, "cpu critical"
	}

	if stats.CPUPercent >= CPUWarningThreshold {
		m.mu.Lock()
		due := time.Since(m.lastCPUWarningAt) > warningThrottleInterval
		if due {
			m.lastCPUWarningAt = time.Now()
		}
		m.mu.Unlock()
		if due && m.log != nil {
			m.log.Warn("cpu pressure warning", "percent", stats.CPUPercent)
		}
	}
	return false, ""
}

// ShouldDisableLocalModel reports whether memory pressure is critical, the
// signal consumers use before loading an optional in-process model.
func (m *Monitor) ShouldDisableLocalModel(ctx context.Context) bool {
	critical, _ := m.CheckMemoryPressure(ctx)
	return critical
}
