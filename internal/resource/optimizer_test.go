package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFor_EmergencyTakesPriorityOverOptimized(t *testing.T) {
	// CPU alone crosses the emergency threshold; it must not be caught by the
	// optimized branch first.
	stats := &Stats{CPUPercent: 96, MemoryPercent: 10}
	assert.Equal(t, LevelEmergency, levelFor(stats))
}

func TestLevelFor_MemoryEmergencyAlsoWins(t *testing.T) {
	stats := &Stats{CPUPercent: 10, MemoryPercent: 90}
	assert.Equal(t, LevelEmergency, levelFor(stats))
}

func TestLevelFor_Optimized(t *testing.T) {
	stats := &Stats{CPUPercent: 82, MemoryPercent: 50}
	assert.Equal(t, LevelOptimized, levelFor(stats))
}

func TestLevelFor_Normal(t *testing.T) {
	stats := &Stats{CPUPercent: 10, MemoryPercent: 10}
	assert.Equal(t, LevelNormal, levelFor(stats))
}

func TestLevelFor_NilStatsIsNormal(t *testing.T) {
	assert.Equal(t, LevelNormal, levelFor(nil))
}

func TestOptimizer_ContextWindowFactor_ShrinksOnlyUnderEmergency(t *testing.T) {
	o := &Optimizer{}
	assert.Equal(t, 1.0, o.ContextWindowFactor())

	o.level = LevelEmergency
	assert.Equal(t, 0.5, o.ContextWindowFactor())
}

func TestOptimizer_ShouldShrinkCaches_TrueAtOrAboveOptimized(t *testing.T) {
	o := &Optimizer{}
	assert.False(t, o.ShouldShrinkCaches())

	o.level = LevelOptimized
	assert.True(t, o.ShouldShrinkCaches())

	o.level = LevelEmergency
	assert.True(t, o.ShouldShrinkCaches())
}
