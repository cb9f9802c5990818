package resource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oleksiy-k/botcore/internal/telemetry"
)

// Level is the 3-level resource pressure state.
type Level int

const (
	LevelNormal Level = iota
	LevelOptimized
	LevelEmergency
)

const (
	optimizedCPUThreshold    = 80.0
	optimizedMemoryThreshold = 70.0
	emergencyCPUThreshold    = 95.0
	emergencyMemoryThreshold = 85.0

	debounceInterval    = 30 * time.Second
	activeCheckInterval = 30 * time.Second
	idleCheckInterval   = 120 * time.Second
)

func levelFor(stats *Stats) Level {
	if stats == nil {
		return LevelNormal
	}
	// Emergency must be checked before optimized: a CPU=96 sample must map
	// to LevelEmergency, not get caught by the optimized branch first.
	if stats.CPUPercent >= emergencyCPUThreshold || stats.MemoryPercent >= emergencyMemoryThreshold {
		return LevelEmergency
	}
	if stats.CPUPercent >= optimizedCPUThreshold || stats.MemoryPercent >= optimizedMemoryThreshold {
		return LevelOptimized
	}
	return LevelNormal
}

// Optimizer maps sampled resource stats to a debounced pressure level and
// exposes it to consumers that shed load under pressure.
type Optimizer struct {
	monitor *Monitor
	tel     *telemetry.Telemetry
	log     *slog.Logger

	mu            sync.RWMutex
	level         Level
	lastChangedAt time.Time
}

// NewOptimizer builds an Optimizer sampling from monitor.
func NewOptimizer(monitor *Monitor, tel *telemetry.Telemetry, log *slog.Logger) *Optimizer {
	return &Optimizer{monitor: monitor, tel: tel, log: log}
}

// Level returns the current pressure level.
func (o *Optimizer) Level() Level {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.level
}

// Refresh samples current stats and transitions the level if warranted,
// respecting the minimum 30s debounce between changes.
func (o *Optimizer) Refresh(ctx context.Context) Level {
	stats := o.monitor.Sample(ctx)
	next := levelFor(stats)

	o.mu.Lock()
	defer o.mu.Unlock()

	if next == o.level {
		return o.level
	}
	if time.Since(o.lastChangedAt) < debounceInterval {
		return o.level
	}

	o.level = next
	o.lastChangedAt = time.Now()
	if o.tel != nil {
		o.tel.SetResourcePressure(int(next))
	}
	if o.log != nil {
		o.log.Info("resource pressure level changed", "level", int(next))
	}
	return o.level
}

// ShouldDisableModelBasedExtraction reports whether the model-based fact
// extraction fallback should be suppressed (emergency level).
func (o *Optimizer) ShouldDisableModelBasedExtraction() bool { return o.Level() == LevelEmergency }

// ShouldShrinkCaches reports whether non-essential caches/telemetry should
// be shrunk or disabled (optimized level or above).
func (o *Optimizer) ShouldShrinkCaches() bool { return o.Level() >= LevelOptimized }

// ShouldSkipSemanticRecall reports whether the optional semantic-recall path
// should be skipped entirely (emergency level).
func (o *Optimizer) ShouldSkipSemanticRecall() bool { return o.Level() == LevelEmergency }

// ContextWindowFactor scales down the assembled history window under
// emergency pressure.
func (o *Optimizer) ContextWindowFactor() float64 {
	switch o.Level() {
	case LevelEmergency:
		return 0.5
	default:
		return 1.0
	}
}

// Run periodically refreshes the level until ctx is cancelled, checking
// more often while under pressure.
func (o *Optimizer) Run(ctx context.Context) {
	for {
		o.Refresh(ctx)
		interval := idleCheckInterval
		if o.Level() > LevelNormal {
			interval = activeCheckInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
