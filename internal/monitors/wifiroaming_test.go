package monitors

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWiFiRoamingEmitsEventOnBSSIDChangeSameSSID(t *testing.T) {
	dir := t.TempDir()
	readings := []WiFiReading{
		{SSID: "Home", BSSID: "aa:bb", RSSIdBm: -50},
		{SSID: "Home", BSSID: "cc:dd", RSSIdBm: -50},
	}
	i := 0
	probe := func(ctx context.Context) (WiFiReading, bool, error) {
		r := readings[i]
		if i < len(readings)-1 {
			i++
		}
		return r, true, nil
	}

	m, err := NewWiFiRoamingMonitor(filepath.Join(dir, "roam_events.csv"), probe, nil)
	require.NoError(t, err)

	_, err = m.RunCycle(context.Background())
	require.NoError(t, err)
	_, err = m.RunCycle(context.Background())
	require.NoError(t, err)

	tail := m.events.Tail()
	require.Len(t, tail, 1)
	assert.Equal(t, "roamed", tail[0]["event"])
}

func TestWiFiRoamingFlagsStickyClient(t *testing.T) {
	dir := t.TempDir()
	probe := func(ctx context.Context) (WiFiReading, bool, error) {
		return WiFiReading{SSID: "Home", BSSID: "aa:bb", RSSIdBm: -80}, true, nil
	}

	m, err := NewWiFiRoamingMonitor(filepath.Join(dir, "roam_events.csv"), probe, nil)
	require.NoError(t, err)

	for i := 0; i < StickyClientStreak; i++ {
		_, err = m.RunCycle(context.Background())
		require.NoError(t, err)
	}

	var found bool
	for _, rec := range m.events.Tail() {
		if rec["event"] == "sticky_client" {
			found = true
		}
	}
	assert.True(t, found, "weak RSSI held for the full streak must flag a sticky client")
}
