package monitors

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskHealthMonitorReportsCapacityForRootMount(t *testing.T) {
	dir := t.TempDir()
	root := "/"
	if runtime.GOOS == "windows" {
		root = "C:\\"
	}

	smart := func(ctx context.Context, mountPoint string) SMARTStatus { return SMARTPassed }
	m, err := NewDiskHealthMonitor(filepath.Join(dir, "disk.csv"), []string{root}, smart, nil)
	require.NoError(t, err)

	result, err := m.RunCycle(context.Background())
	require.NoError(t, err)

	readings := result.([]DiskReading)
	require.Len(t, readings, 1)
	assert.Equal(t, root, readings[0].MountPoint)
	assert.Greater(t, readings[0].TotalBytes, uint64(0))
	assert.Equal(t, SMARTPassed, readings[0].SMART)
}

func TestDiskHealthMonitorWithoutSMARTProbeIsUnknown(t *testing.T) {
	dir := t.TempDir()
	root := "/"
	if runtime.GOOS == "windows" {
		root = "C:\\"
	}

	m, err := NewDiskHealthMonitor(filepath.Join(dir, "disk.csv"), []string{root}, nil, nil)
	require.NoError(t, err)

	result, err := m.RunCycle(context.Background())
	require.NoError(t, err)

	readings := result.([]DiskReading)
	require.Len(t, readings, 1)
	assert.Equal(t, SMARTUnknown, readings[0].SMART)
}
