package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sraths91/atlas-sub001/internal/model"
)

func TestUpsertReportCreatesMachineOnFirstContact(t *testing.T) {
	r := New(time.Minute)
	now := time.Now().UTC()

	require.NoError(t, r.UpsertReport("m-1", model.MachineInfo{Hostname: "alpha"}, model.MetricSample{CPUPercent: 5}, "10.0.0.1", now))

	m, liveness, ok := r.Get("m-1", now)
	require.True(t, ok)
	assert.Equal(t, "alpha", m.Info.Hostname)
	assert.Equal(t, model.LivenessHealthy, liveness)
	assert.Equal(t, now, m.FirstSeen)
}

func TestUpsertReportCapsHistoryAtMax(t *testing.T) {
	r := New(time.Minute)
	now := time.Now().UTC()
	for i := 0; i < model.MaxMetricHistory+20; i++ {
		require.NoError(t, r.UpsertReport("m-1", model.MachineInfo{}, model.MetricSample{CPUPercent: float64(i)}, "", now))
	}
	m, _, ok := r.Get("m-1", now)
	require.True(t, ok)
	assert.Len(t, m.History, model.MaxMetricHistory)
	assert.Equal(t, float64(model.MaxMetricHistory+19), m.History[len(m.History)-1].CPUPercent, "oldest samples must be dropped, not newest")
}

func TestEnqueueAndDrainCommands(t *testing.T) {
	r := New(time.Minute)
	now := time.Now().UTC()
	require.NoError(t, r.UpsertReport("m-1", model.MachineInfo{}, model.MetricSample{}, "", now))

	require.NoError(t, r.EnqueueCommand("m-1", model.CommandEnvelope{CommandID: "c-1", Type: "restart_monitor"}))
	require.NoError(t, r.EnqueueCommand("m-1", model.CommandEnvelope{CommandID: "c-2", Type: "collect_logs"}))

	drained, err := r.DrainCommands("m-1")
	require.NoError(t, err)
	assert.Len(t, drained, 2)

	againEmpty, err := r.DrainCommands("m-1")
	require.NoError(t, err)
	assert.Empty(t, againEmpty)
}

func TestEnqueueCommandUnknownMachineErrors(t *testing.T) {
	r := New(time.Minute)
	err := r.EnqueueCommand("ghost", model.CommandEnvelope{CommandID: "c-1"})
	assert.Error(t, err)
}

func TestEnqueueCommandRejectsOnceQueueIsFull(t *testing.T) {
	r := New(time.Minute)
	now := time.Now().UTC()
	require.NoError(t, r.UpsertReport("m-1", model.MachineInfo{}, model.MetricSample{}, "", now))

	for i := 0; i < model.MaxCommandQueue; i++ {
		require.NoError(t, r.EnqueueCommand("m-1", model.CommandEnvelope{CommandID: fmt.Sprintf("c-%d", i)}))
	}

	err := r.EnqueueCommand("m-1", model.CommandEnvelope{CommandID: "overflow"})
	assert.ErrorIs(t, err, ErrQueueFull)

	drained, err := r.DrainCommands("m-1")
	require.NoError(t, err)
	assert.Len(t, drained, model.MaxCommandQueue, "a rejected enqueue must not have been appended")
}

func TestAckCommandRecordsResultAndTimestamp(t *testing.T) {
	r := New(time.Minute)
	now := time.Now().UTC()
	require.NoError(t, r.UpsertReport("m-1", model.MachineInfo{}, model.MetricSample{}, "", now))
	require.NoError(t, r.EnqueueCommand("m-1", model.CommandEnvelope{CommandID: "c-1"}))

	require.NoError(t, r.AckCommand("m-1", "c-1", "ok", now.Add(time.Second)))

	m, _, ok := r.Get("m-1", now)
	require.True(t, ok)
	require.Len(t, m.Commands, 1)
	assert.NotNil(t, m.Commands[0].AckTS)
	assert.Equal(t, "ok", m.Commands[0].Result)
}

func TestFleetSummaryDerivesLivenessPerMachine(t *testing.T) {
	r := New(50 * time.Millisecond)
	now := time.Now().UTC()
	require.NoError(t, r.UpsertReport("fresh", model.MachineInfo{Hostname: "fresh"}, model.MetricSample{}, "", now))
	require.NoError(t, r.UpsertReport("stale", model.MachineInfo{Hostname: "stale"}, model.MetricSample{}, "", now.Add(-time.Hour)))

	summary := r.FleetSummary(now)
	require.Len(t, summary, 2)

	byID := map[string]MachineSummary{}
	for _, s := range summary {
		byID[s.MachineID] = s
	}
	assert.Equal(t, model.LivenessHealthy, byID["fresh"].Liveness)
	assert.Equal(t, model.LivenessOffline, byID["stale"].Liveness)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	r := New(time.Minute)
	now := time.Now().UTC()
	require.NoError(t, r.UpsertReport("m-1", model.MachineInfo{Hostname: "alpha"}, model.MetricSample{CPUPercent: 42}, "10.0.0.1", now))

	blob, err := r.Snapshot()
	require.NoError(t, err)

	restored := New(time.Minute)
	require.NoError(t, restored.Restore(blob))

	m, _, ok := restored.Get("m-1", now)
	require.True(t, ok)
	assert.Equal(t, "alpha", m.Info.Hostname)
	assert.Equal(t, 42.0, m.History[0].CPUPercent)
}

func TestGetUnknownMachineReturnsFalse(t *testing.T) {
	r := New(time.Minute)
	_, _, ok := r.Get("ghost", time.Now())
	assert.False(t, ok)
}
