package monitors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkQualityMonitorHTTPTiming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	m, err := NewNetworkQualityMonitor(filepath.Join(dir, "netq.csv"), NetworkQualityConfig{HTTPURL: srv.URL}, nil, nil)
	require.NoError(t, err)

	result, err := m.RunCycle(context.Background())
	require.NoError(t, err)

	sample := result.(NetworkQualitySample)
	assert.Greater(t, sample.HTTPLatencyMS, 0.0)
	assert.False(t, sample.RetransmitKnown, "no retransmit probe wired means unknown, not fabricated")
}

func TestNetworkQualityMonitorRetransmitProbe(t *testing.T) {
	dir := t.TempDir()
	retransmit := func(ctx context.Context) (float64, bool) { return 1.5, true }
	m, err := NewNetworkQualityMonitor(filepath.Join(dir, "netq.csv"), NetworkQualityConfig{}, retransmit, nil)
	require.NoError(t, err)

	result, err := m.RunCycle(context.Background())
	require.NoError(t, err)

	sample := result.(NetworkQualitySample)
	assert.True(t, sample.RetransmitKnown)
	assert.Equal(t, 1.5, sample.RetransmitRatePct)
}
