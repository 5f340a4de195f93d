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

// VPNState is one shim's classification of the VPN interface.
type VPNState struct {
	Connected     bool
	InterfaceName string
}

// VPNProbeFunc detects VPN interface presence. Interface-name-based VPN
// classification is platform-specific; a real shim inspects the interface
// list (utun*/ppp* on macOS). This package never logs credentials; it
// never sees any.
type VPNProbeFunc func(ctx context.Context) (VPNState, error)

// VPNMonitor runs on a 30s cadence, detects interface presence/name,
// declares connected/disconnected, and emits events on transition.
type VPNMonitor struct {
	probe  VPNProbeFunc
	events *csvstream.Stream
	log    *logrus.Entry

	mu            sync.Mutex
	lastConnected bool
	haveLast      bool
}

func NewVPNMonitor(eventsPath string, probe VPNProbeFunc, log *logrus.Entry) (*VPNMonitor, error) {
	events, err := csvstream.Open(eventsPath, []string{csvstream.TimestampField, "event", "connected", "interface"}, 100, 30)
	if err != nil {
		return nil, fmt.Errorf("vpn monitor: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &VPNMonitor{probe: probe, events: events, log: log}, nil
}

func (m *VPNMonitor) Name() string { return "vpn" }

func (m *VPNMonitor) DefaultInterval() time.Duration { return 30 * time.Second }

func (m *VPNMonitor) Streams() (data, events *csvstream.Stream) { return nil, m.events }

func (m *VPNMonitor) RunCycle(ctx context.Context) (any, error) {
	if m.probe == nil {
		return nil, asTransient(ErrNoShim)
	}

	cctx, cancel := withTimeout(ctx)
	state, err := m.probe(cctx)
	cancel()
	if err != nil {
		return nil, asTransient(err)
	}

	m.mu.Lock()
	transitioned := m.haveLast && state.Connected != m.lastConnected
	m.lastConnected, m.haveLast = state.Connected, true
	m.mu.Unlock()

	if transitioned {
		event := "disconnected"
		if state.Connected {
			event = "connected"
		}
		appendOrLog(m.log, m.events, m.Name(), nowRecord(map[string]string{
			"event":     event,
			"connected": strconv.FormatBool(state.Connected),
			"interface": state.InterfaceName,
		}))
	}

	return state, nil
}
