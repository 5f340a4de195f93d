package monitors

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessMonitorProducesTopLists(t *testing.T) {
	dir := t.TempDir()
	m, err := NewProcessMonitor(filepath.Join(dir, "process.csv"), nil)
	require.NoError(t, err)

	result, err := m.RunCycle(context.Background())
	require.NoError(t, err)

	cycle := result.(ProcessCycleResult)
	assert.LessOrEqual(t, len(cycle.TopByCPU), TopN)
	assert.LessOrEqual(t, len(cycle.TopByMem), TopN)
}

func TestUpdateStuckStreaksFlagsAfterThreeConsecutiveCycles(t *testing.T) {
	streaks := map[int32]int{}
	snapshots := []ProcessSnapshot{{PID: 42, CPUPercent: 99.9}}
	seen := map[int32]bool{42: true}

	var stuck []ProcessSnapshot
	for i := 0; i < StuckStreak; i++ {
		stuck = updateStuckStreaks(streaks, snapshots, seen)
	}

	require.Len(t, stuck, 1)
	assert.Equal(t, int32(42), stuck[0].PID)
}

func TestUpdateStuckStreaksResetsOnRecovery(t *testing.T) {
	streaks := map[int32]int{}
	seen := map[int32]bool{42: true}
	hot := []ProcessSnapshot{{PID: 42, CPUPercent: 99.9}}
	cool := []ProcessSnapshot{{PID: 42, CPUPercent: 10}}

	updateStuckStreaks(streaks, hot, seen)
	updateStuckStreaks(streaks, hot, seen)
	stuck := updateStuckStreaks(streaks, cool, seen)

	assert.Empty(t, stuck)
	assert.Equal(t, 0, streaks[42])
}

func TestUpdateStuckStreaksForgetsVanishedPID(t *testing.T) {
	streaks := map[int32]int{42: 5}
	stuck := updateStuckStreaks(streaks, nil, map[int32]bool{})
	assert.Empty(t, stuck)
	_, exists := streaks[42]
	assert.False(t, exists)
}
