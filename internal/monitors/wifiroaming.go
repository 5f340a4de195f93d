package monitors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/csvstream"
)

// StickyClientStreak is the number of consecutive weak-signal cycles
// without a roam before a client is flagged "sticky".
const StickyClientStreak = 3

// StickyClientRSSIThreshold is the RSSI at/below which a non-roaming
// client is considered stuck on a weak access point.
const StickyClientRSSIThreshold = -75

// WiFiRoamingMonitor runs on a 30s cadence, emitting an event when BSSID
// changes while SSID is constant (with measured roam latency), and
// flagging a "sticky client" when RSSI stays <= -75dBm for 3+ cycles
// without roaming.
type WiFiRoamingMonitor struct {
	probe  WiFiProbeFunc
	events *csvstream.Stream
	log    *logrus.Entry

	mu              sync.Mutex
	lastSSID        string
	lastBSSID       string
	haveLast        bool
	lastRoamBSSIDAt time.Time
	lostReachableAt time.Time
	weakStreak      int
	flaggedSticky   bool
}

// NewWiFiRoamingMonitor opens eventsPath as this monitor's only CSVStream
// (it has no per-cycle metric stream: only events).
func NewWiFiRoamingMonitor(eventsPath string, probe WiFiProbeFunc, log *logrus.Entry) (*WiFiRoamingMonitor, error) {
	events, err := csvstream.Open(eventsPath, []string{csvstream.TimestampField, "event", "ssid", "bssid", "roam_latency_ms"}, 100, 30)
	if err != nil {
		return nil, fmt.Errorf("wifi roaming monitor: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &WiFiRoamingMonitor{probe: probe, events: events, log: log}, nil
}

func (m *WiFiRoamingMonitor) Name() string { return "wifi_roaming" }

func (m *WiFiRoamingMonitor) DefaultInterval() time.Duration { return 30 * time.Second }

func (m *WiFiRoamingMonitor) Streams() (data, events *csvstream.Stream) { return nil, m.events }

func (m *WiFiRoamingMonitor) RunCycle(ctx context.Context) (any, error) {
	if m.probe == nil {
		return nil, asTransient(ErrNoShim)
	}

	cctx, cancel := withTimeout(ctx)
	reading, ok, err := m.probe(cctx)
	cancel()
	if err != nil {
		return nil, asTransient(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	if !ok {
		if m.lostReachableAt.IsZero() {
			m.lostReachableAt = now
		}
		return nil, nil
	}

	if m.haveLast && reading.BSSID != m.lastBSSID && reading.SSID == m.lastSSID {
		roamLatencyMS := 0.0
		if !m.lostReachableAt.IsZero() {
			roamLatencyMS = float64(now.Sub(m.lostReachableAt).Milliseconds())
		}
		appendOrLog(m.log, m.events, m.Name(), nowRecord(map[string]string{
			"event":           "roamed",
			"ssid":            reading.SSID,
			"bssid":           reading.BSSID,
			"roam_latency_ms": fmt.Sprintf("%.0f", roamLatencyMS),
		}))
		m.weakStreak = 0
		m.flaggedSticky = false
		m.lostReachableAt = time.Time{}
	}

	if reading.RSSIdBm <= StickyClientRSSIThreshold {
		m.weakStreak++
	} else {
		m.weakStreak = 0
		m.flaggedSticky = false
	}

	if m.weakStreak >= StickyClientStreak && !m.flaggedSticky {
		m.flaggedSticky = true
		appendOrLog(m.log, m.events, m.Name(), nowRecord(map[string]string{
			"event": "sticky_client",
			"ssid":  reading.SSID,
			"bssid": reading.BSSID,
		}))
	}

	m.lastSSID, m.lastBSSID, m.haveLast = reading.SSID, reading.BSSID, true
	return reading, nil
}
