package monitors

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVPNMonitorEmitsEventOnTransitionOnly(t *testing.T) {
	dir := t.TempDir()
	states := []VPNState{
		{Connected: false},
		{Connected: true, InterfaceName: "utun3"},
		{Connected: true, InterfaceName: "utun3"},
		{Connected: false},
	}
	i := 0
	probe := func(ctx context.Context) (VPNState, error) {
		s := states[i]
		if i < len(states)-1 {
			i++
		}
		return s, nil
	}

	m, err := NewVPNMonitor(filepath.Join(dir, "vpn_events.csv"), probe, nil)
	require.NoError(t, err)

	for range states {
		_, err := m.RunCycle(context.Background())
		require.NoError(t, err)
	}

	tail := m.events.Tail()
	require.Len(t, tail, 2, "only the connect and disconnect transitions should emit events")
	assert.Equal(t, "connected", tail[0]["event"])
	assert.Equal(t, "disconnected", tail[1]["event"])
}

func TestVPNMonitorNoShim(t *testing.T) {
	dir := t.TempDir()
	m, err := NewVPNMonitor(filepath.Join(dir, "vpn_events.csv"), nil, nil)
	require.NoError(t, err)
	_, err = m.RunCycle(context.Background())
	assert.Error(t, err)
}
