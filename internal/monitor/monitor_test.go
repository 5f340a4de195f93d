package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	name     string
	interval time.Duration
	cycleFn  func(ctx context.Context) (any, error)
	calls    int32
}

func (f *fakeMonitor) Name() string                  { return f.name }
func (f *fakeMonitor) DefaultInterval() time.Duration { return f.interval }
func (f *fakeMonitor) RunCycle(ctx context.Context) (any, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.cycleFn != nil {
		return f.cycleFn(ctx)
	}
	return "ok", nil
}

func TestRunnerLifecycle(t *testing.T) {
	m := &fakeMonitor{name: "ping", interval: 10 * time.Millisecond}
	r := NewRunner(m, nil)
	assert.Equal(t, StateCreated, r.State())

	r.Start(0)
	assert.Equal(t, StateRunning, r.State())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, r.Stop(time.Second))
	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, "ok", r.LastResult())
}

func TestStartIsIdempotent(t *testing.T) {
	m := &fakeMonitor{name: "wifi", interval: 10 * time.Millisecond}
	r := NewRunner(m, nil)
	r.Start(0)
	r.Start(0)
	require.NoError(t, r.Stop(time.Second))
}

func TestEmbedderIntervalOverridesDefault(t *testing.T) {
	m := &fakeMonitor{name: "power", interval: time.Hour}
	r := NewRunner(m, nil)
	r.Start(5 * time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, r.Stop(time.Second))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&m.calls), int32(3))
}

func TestOverrunCycleSkipsNextTickRatherThanQueueing(t *testing.T) {
	var mu sync.Mutex
	var inFlight, maxConcurrent int

	m := &fakeMonitor{
		name:     "saas",
		interval: 10 * time.Millisecond,
		cycleFn: func(ctx context.Context) (any, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxConcurrent {
				maxConcurrent = inFlight
			}
			mu.Unlock()

			time.Sleep(60 * time.Millisecond) // overruns the 10ms period

			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil, nil
		},
	}
	r := NewRunner(m, nil)

	var skippedCount int32
	r.OnCycle(func(dur time.Duration, skipped bool, err error) {
		if skipped {
			atomic.AddInt32(&skippedCount, 1)
		}
	})

	r.Start(0)
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, r.Stop(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxConcurrent, "cycles must never overlap")
	assert.Greater(t, int(atomic.LoadInt32(&skippedCount)), 0, "overrunning cycle must cause skipped ticks")
}

func TestMonitorNeverCrashesOnPanic(t *testing.T) {
	m := &fakeMonitor{
		name:     "crashy",
		interval: 10 * time.Millisecond,
		cycleFn: func(ctx context.Context) (any, error) {
			panic("boom")
		},
	}
	r := NewRunner(m, nil)

	var gotErr error
	var mu sync.Mutex
	r.OnCycle(func(dur time.Duration, skipped bool, err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
	})

	assert.NotPanics(t, func() {
		r.Start(0)
		time.Sleep(40 * time.Millisecond)
		_ = r.Stop(time.Second)
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Error(t, gotErr)
}

func TestTransientErrorClassification(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := &TransientError{Err: base}
	assert.True(t, isTransient(wrapped))
	assert.False(t, isTransient(base))
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	reg := NewRegistry()
	m := &fakeMonitor{name: "ping", interval: time.Second}
	require.NoError(t, reg.Register(NewRunner(m, nil)))
	err := reg.Register(NewRunner(m, nil))
	assert.Error(t, err)
}

func TestRegistryStatusSnapshot(t *testing.T) {
	reg := NewRegistry()
	m := &fakeMonitor{name: "ping", interval: 5 * time.Millisecond}
	require.NoError(t, reg.Register(NewRunner(m, nil)))

	snap := reg.StatusSnapshot()
	assert.Equal(t, false, snap["ping"])

	reg.StartAll()
	time.Sleep(30 * time.Millisecond)
	defer reg.StopAll(time.Second)

	snap = reg.StatusSnapshot()
	assert.Equal(t, true, snap["ping"])
}

func TestProbeLimiterCachesWithinTTL(t *testing.T) {
	var calls int32
	pl := NewProbeLimiter(time.Hour, time.Minute)

	fn := func() (any, error) {
		atomic.AddInt32(&calls, 1)
		return "fresh", nil
	}

	v1, err := pl.Invoke(fn)
	require.NoError(t, err)
	assert.Equal(t, "fresh", v1)

	v2, err := pl.Invoke(fn)
	require.NoError(t, err)
	assert.Equal(t, "fresh", v2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second call within TTL must not re-invoke fn")
}

func TestBinaryAvailabilityChecksOnce(t *testing.T) {
	var b BinaryAvailability
	first := b.Check("definitely-not-a-real-binary-xyz")
	second := b.Check("definitely-not-a-real-binary-xyz")
	assert.Equal(t, first, second)
	assert.False(t, first)
}
