package monitors

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/csvstream"
	"github.com/sraths91/atlas-sub001/internal/monitor"
)

// PeripheralKind classifies one inventory entry.
type PeripheralKind string

const (
	PeripheralUSB         PeripheralKind = "usb"
	PeripheralBluetooth   PeripheralKind = "bluetooth"
	PeripheralThunderbolt PeripheralKind = "thunderbolt"
)

// PeripheralDevice is one entry in an inventory snapshot.
type PeripheralDevice struct {
	Kind PeripheralKind
	Name string
	ID   string // vendor/product or address, used as the diff key
}

// PeripheralParseFunc turns the raw output of `system_profiler
// SPUSBDataType SPBluetoothDataType SPThunderboltDataType` into a device
// inventory. Parsing that plist/XML output is a platform-shim concern out
// of scope here; the default parser always reports "no shim".
type PeripheralParseFunc func(raw []byte) ([]PeripheralDevice, error)

// PeripheralMonitor samples, on a 300s cadence, an inventory snapshot for
// USB/Bluetooth/Thunderbolt plus diff events on connect/disconnect,
// obeying the >=300s system_profiler rate limit.
type PeripheralMonitor struct {
	parse   PeripheralParseFunc
	limiter *monitor.ProbeLimiter
	binary  monitor.BinaryAvailability

	stream *csvstream.Stream
	events *csvstream.Stream
	log    *logrus.Entry

	mu       sync.Mutex
	lastSeen map[string]PeripheralDevice
}

func NewPeripheralMonitor(dataPath, eventsPath string, parse PeripheralParseFunc, log *logrus.Entry) (*PeripheralMonitor, error) {
	stream, err := csvstream.Open(dataPath, []string{csvstream.TimestampField, "kind", "name", "id"}, 200, 30)
	if err != nil {
		return nil, fmt.Errorf("peripheral monitor: %w", err)
	}
	events, err := csvstream.Open(eventsPath, []string{csvstream.TimestampField, "event", "kind", "name", "id"}, 200, 30)
	if err != nil {
		return nil, fmt.Errorf("peripheral monitor events: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &PeripheralMonitor{
		parse:    parse,
		limiter:  monitor.NewProbeLimiter(monitor.MinIntervalSPUSBBluetoothThunderbolt, 0),
		stream:   stream,
		events:   events,
		log:      log,
		lastSeen: map[string]PeripheralDevice{},
	}, nil
}

func (m *PeripheralMonitor) Name() string { return "peripheral" }

func (m *PeripheralMonitor) DefaultInterval() time.Duration { return 300 * time.Second }

func (m *PeripheralMonitor) Streams() (data, events *csvstream.Stream) { return m.stream, m.events }

func (m *PeripheralMonitor) RunCycle(ctx context.Context) (any, error) {
	if !m.binary.Check("system_profiler") {
		m.log.WithField("monitor", m.Name()).Warn("system_profiler not available on this system; skipping")
		return nil, asTransient(ErrNoShim)
	}
	if m.parse == nil {
		return nil, asTransient(ErrNoShim)
	}

	raw, err := m.limiter.Invoke(func() (any, error) {
		return monitor.RunBounded(ctx, boundedTimeout, "system_profiler", "SPUSBDataType", "SPBluetoothDataType", "SPThunderboltDataType")
	})
	if err != nil {
		return nil, asTransient(err)
	}

	rawBytes, _ := raw.([]byte)
	devices, err := m.parse(rawBytes)
	if err != nil {
		return nil, fmt.Errorf("peripheral monitor: parse inventory: %w", err)
	}

	current := make(map[string]PeripheralDevice, len(devices))
	for _, d := range devices {
		current[d.ID] = d
		appendOrLog(m.log, m.stream, m.Name(), nowRecord(map[string]string{
			"kind": string(d.Kind),
			"name": d.Name,
			"id":   d.ID,
		}))
	}

	m.mu.Lock()
	previous := m.lastSeen
	m.lastSeen = current
	m.mu.Unlock()

	m.emitDiffEvents(previous, current)

	return devices, nil
}

func (m *PeripheralMonitor) emitDiffEvents(previous, current map[string]PeripheralDevice) {
	var connected, disconnected []PeripheralDevice
	for id, d := range current {
		if _, existed := previous[id]; !existed {
			connected = append(connected, d)
		}
	}
	for id, d := range previous {
		if _, stillThere := current[id]; !stillThere {
			disconnected = append(disconnected, d)
		}
	}

	sort.Slice(connected, func(i, j int) bool { return connected[i].ID < connected[j].ID })
	sort.Slice(disconnected, func(i, j int) bool { return disconnected[i].ID < disconnected[j].ID })

	for _, d := range connected {
		appendOrLog(m.log, m.events, m.Name(), nowRecord(map[string]string{
			"event": "connected", "kind": string(d.Kind), "name": d.Name, "id": d.ID,
		}))
	}
	for _, d := range disconnected {
		appendOrLog(m.log, m.events, m.Name(), nowRecord(map[string]string{
			"event": "disconnected", "kind": string(d.Kind), "name": d.Name, "id": d.ID,
		}))
	}
}

// deviceKey is a stable identity used when a shim supplies an ID containing
// whitespace or mixed case.
func deviceKey(kind PeripheralKind, id string) string {
	return strings.ToLower(string(kind)) + ":" + strings.TrimSpace(id)
}
