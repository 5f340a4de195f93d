package monitors

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/csvstream"
)

// SpeedTestResult is one measurement cycle's output.
type SpeedTestResult struct {
	DownloadMbps float64
	UploadMbps   float64
	PingMS       float64
	JitterMS     float64
}

// SpeedTestProbeFunc runs one speed test against a configured server. Real
// measurement requires an external speed-test protocol client, which is a
// platform/network integration concern out of scope here; a shim supplies
// it, defaulting to "no shim wired".
type SpeedTestProbeFunc func(ctx context.Context) (SpeedTestResult, error)

// LoadGateFunc reports whether the host currently has enough active user
// network load that a speed test should be skipped this cycle.
type LoadGateFunc func(ctx context.Context) bool

// SpeedTestMonitor runs on a 60s nominal cadence, skipping opportunistically
// under active user network load, measuring download/upload/ping/jitter,
// and feeding results to the fleet-side aggregator via sink.
type SpeedTestMonitor struct {
	probe  SpeedTestProbeFunc
	isBusy LoadGateFunc
	sink   func(ctx context.Context, result SpeedTestResult, at time.Time) error
	stream *csvstream.Stream
	log    *logrus.Entry
}

func NewSpeedTestMonitor(dataPath string, probe SpeedTestProbeFunc, isBusy LoadGateFunc, sink func(ctx context.Context, result SpeedTestResult, at time.Time) error, log *logrus.Entry) (*SpeedTestMonitor, error) {
	stream, err := csvstream.Open(dataPath, []string{
		csvstream.TimestampField, "download_mbps", "upload_mbps", "ping_ms", "jitter_ms", "skipped",
	}, 100, 30)
	if err != nil {
		return nil, fmt.Errorf("speed test monitor: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &SpeedTestMonitor{probe: probe, isBusy: isBusy, sink: sink, stream: stream, log: log}, nil
}

func (m *SpeedTestMonitor) Name() string { return "speed_test" }

func (m *SpeedTestMonitor) DefaultInterval() time.Duration { return 60 * time.Second }

func (m *SpeedTestMonitor) Streams() (data, events *csvstream.Stream) { return m.stream, nil }

func (m *SpeedTestMonitor) RunCycle(ctx context.Context) (any, error) {
	if m.isBusy != nil && m.isBusy(ctx) {
		appendOrLog(m.log, m.stream, m.Name(), nowRecord(map[string]string{"skipped": "true"}))
		return nil, nil
	}
	if m.probe == nil {
		return nil, asTransient(ErrNoShim)
	}

	result, err := m.probe(ctx)
	if err != nil {
		return nil, asTransient(err)
	}

	now := time.Now().UTC()
	appendOrLog(m.log, m.stream, m.Name(), nowRecord(map[string]string{
		"download_mbps": fmt.Sprintf("%.2f", result.DownloadMbps),
		"upload_mbps":   fmt.Sprintf("%.2f", result.UploadMbps),
		"ping_ms":       fmt.Sprintf("%.2f", result.PingMS),
		"jitter_ms":     fmt.Sprintf("%.2f", result.JitterMS),
		"skipped":       "false",
	}))

	if m.sink != nil {
		if err := m.sink(ctx, result, now); err != nil {
			m.log.WithField("monitor", m.Name()).WithError(err).Warn("failed to forward speed test result to aggregator")
		}
	}

	return result, nil
}
