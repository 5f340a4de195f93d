package monitors

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpeedTestMonitorSkipsUnderLoad(t *testing.T) {
	dir := t.TempDir()
	probeCalled := false
	probe := func(ctx context.Context) (SpeedTestResult, error) {
		probeCalled = true
		return SpeedTestResult{}, nil
	}
	busy := func(ctx context.Context) bool { return true }

	m, err := NewSpeedTestMonitor(filepath.Join(dir, "speed.csv"), probe, busy, nil, nil)
	require.NoError(t, err)

	_, err = m.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, probeCalled, "monitor must skip the probe entirely while the host is busy")
}

func TestSpeedTestMonitorForwardsToSink(t *testing.T) {
	dir := t.TempDir()
	probe := func(ctx context.Context) (SpeedTestResult, error) {
		return SpeedTestResult{DownloadMbps: 100, UploadMbps: 20, PingMS: 10, JitterMS: 1}, nil
	}
	var forwarded SpeedTestResult
	sink := func(ctx context.Context, result SpeedTestResult, at time.Time) error {
		forwarded = result
		return nil
	}

	m, err := NewSpeedTestMonitor(filepath.Join(dir, "speed.csv"), probe, nil, sink, nil)
	require.NoError(t, err)

	_, err = m.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.0, forwarded.DownloadMbps)
}
