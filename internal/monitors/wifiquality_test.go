package monitors

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualityScoreMonotonic(t *testing.T) {
	weak := QualityScore(WiFiReading{RSSIdBm: -85, SNRdB: 5, TxRateMbps: 10})
	strong := QualityScore(WiFiReading{RSSIdBm: -45, SNRdB: 35, TxRateMbps: 800})
	assert.Less(t, weak, strong)
}

func TestWiFiQualityMonitorEmitsEventOnBSSIDChange(t *testing.T) {
	dir := t.TempDir()
	readings := []WiFiReading{
		{SSID: "Home", BSSID: "aa:bb", RSSIdBm: -50, SNRdB: 20, TxRateMbps: 300},
		{SSID: "Home", BSSID: "cc:dd", RSSIdBm: -50, SNRdB: 20, TxRateMbps: 300},
	}
	i := 0
	probe := func(ctx context.Context) (WiFiReading, bool, error) {
		r := readings[i]
		if i < len(readings)-1 {
			i++
		}
		return r, true, nil
	}

	m, err := NewWiFiQualityMonitor(filepath.Join(dir, "wifi.csv"), filepath.Join(dir, "wifi_events.csv"), probe, nil)
	require.NoError(t, err)

	_, err = m.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, m.eventsStream.Tail(), "no event on first observation")

	_, err = m.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, m.eventsStream.Tail(), 1, "BSSID change must emit exactly one event")
}

func TestWiFiQualityMonitorNoShimRecordsNoData(t *testing.T) {
	dir := t.TempDir()
	m, err := NewWiFiQualityMonitor(filepath.Join(dir, "wifi.csv"), filepath.Join(dir, "wifi_events.csv"), nil, nil)
	require.NoError(t, err)

	_, err = m.RunCycle(context.Background())
	assert.Error(t, err, "absent shim must surface as a transient error")
	assert.Len(t, m.stream.Tail(), 1)
}
