package monitors

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/csvstream"
)

// WiFiReading is one platform shim's snapshot of the active WiFi link.
// No portable Go API exposes this; a real shim (e.g. wrapping the macOS
// CoreWLAN framework) supplies it via WiFiProbeFunc.
type WiFiReading struct {
	SSID       string
	BSSID      string
	RSSIdBm    int
	SNRdB      int
	Channel    int
	TxRateMbps float64
}

// WiFiProbeFunc returns the current WiFi link state, or ok=false if there
// is no active association (or no shim is wired).
type WiFiProbeFunc func(ctx context.Context) (reading WiFiReading, ok bool, err error)

// QualityScore maps a WiFiReading onto a 0-100 composite score,
// weighting signal strength most heavily and penalizing low tx rate.
func QualityScore(r WiFiReading) int {
	rssiScore := clamp((r.RSSIdBm+90)*2, 0, 100) // -90dBm..-40dBm -> 0..100
	snrScore := clamp(r.SNRdB*3, 0, 100)
	rateScore := clamp(int(r.TxRateMbps/10), 0, 100)
	score := (rssiScore*5 + snrScore*3 + rateScore*2) / 10
	return clamp(score, 0, 100)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// WiFiQualityMonitor samples the active WiFi link on a 60s cadence:
// RSSI/SNR/channel/tx-rate plus a computed quality_score, and an event
// record on SSID or BSSID change.
type WiFiQualityMonitor struct {
	probe        WiFiProbeFunc
	stream       *csvstream.Stream
	eventsStream *csvstream.Stream
	log          *logrus.Entry

	mu        sync.Mutex
	lastSSID  string
	lastBSSID string
	haveLast  bool
}

// NewWiFiQualityMonitor opens dataPath/eventsPath. probe may be nil, in
// which case every cycle records a no-data row (no macOS shim is
// implemented here).
func NewWiFiQualityMonitor(dataPath, eventsPath string, probe WiFiProbeFunc, log *logrus.Entry) (*WiFiQualityMonitor, error) {
	stream, err := csvstream.Open(dataPath, []string{csvstream.TimestampField, "ssid", "bssid", "rssi_dbm", "snr_db", "channel", "tx_rate_mbps", "quality_score"}, 200, 30)
	if err != nil {
		return nil, fmt.Errorf("wifi quality monitor: %w", err)
	}
	events, err := csvstream.Open(eventsPath, []string{csvstream.TimestampField, "event", "ssid", "bssid"}, 100, 30)
	if err != nil {
		return nil, fmt.Errorf("wifi quality monitor events: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &WiFiQualityMonitor{probe: probe, stream: stream, eventsStream: events, log: log}, nil
}

func (m *WiFiQualityMonitor) Name() string { return "wifi_quality" }

func (m *WiFiQualityMonitor) DefaultInterval() time.Duration { return 60 * time.Second }

func (m *WiFiQualityMonitor) Streams() (data, events *csvstream.Stream) {
	return m.stream, m.eventsStream
}

func (m *WiFiQualityMonitor) RunCycle(ctx context.Context) (any, error) {
	if m.probe == nil {
		appendOrLog(m.log, m.stream, m.Name(), nowRecord(map[string]string{"ssid": "", "bssid": "", "rssi_dbm": "0", "snr_db": "0", "channel": "0", "tx_rate_mbps": "0", "quality_score": "0"}))
		return nil, asTransient(ErrNoShim)
	}

	cctx, cancel := withTimeout(ctx)
	reading, ok, err := m.probe(cctx)
	cancel()
	if err != nil {
		return nil, asTransient(err)
	}
	if !ok {
		appendOrLog(m.log, m.stream, m.Name(), nowRecord(map[string]string{"ssid": "", "bssid": "", "rssi_dbm": "0", "snr_db": "0", "channel": "0", "tx_rate_mbps": "0", "quality_score": "0"}))
		return nil, nil
	}

	score := QualityScore(reading)

	m.mu.Lock()
	changed := m.haveLast && (reading.SSID != m.lastSSID || reading.BSSID != m.lastBSSID)
	m.lastSSID, m.lastBSSID, m.haveLast = reading.SSID, reading.BSSID, true
	m.mu.Unlock()

	if changed {
		appendOrLog(m.log, m.eventsStream, m.Name(), nowRecord(map[string]string{
			"event": "association_changed",
			"ssid":  reading.SSID,
			"bssid": reading.BSSID,
		}))
	}

	appendOrLog(m.log, m.stream, m.Name(), nowRecord(map[string]string{
		"ssid":          reading.SSID,
		"bssid":         reading.BSSID,
		"rssi_dbm":      strconv.Itoa(reading.RSSIdBm),
		"snr_db":        strconv.Itoa(reading.SNRdB),
		"channel":       strconv.Itoa(reading.Channel),
		"tx_rate_mbps":  fmt.Sprintf("%.1f", reading.TxRateMbps),
		"quality_score": strconv.Itoa(score),
	}))

	return reading, nil
}
