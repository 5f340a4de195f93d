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

// SecurityPosture is one snapshot of the platform's security flags.
type SecurityPosture struct {
	FirewallEnabled  bool
	FileVaultEnabled bool
	GatekeeperOn     bool
	SIPEnabled       bool
	ScreenLockOn     bool
	UpdatesCurrent   bool
}

// Score computes the 0-100 composite posture score: one point per enabled
// flag, scaled to 100.
func (p SecurityPosture) Score() int {
	flags := []bool{p.FirewallEnabled, p.FileVaultEnabled, p.GatekeeperOn, p.SIPEnabled, p.ScreenLockOn, p.UpdatesCurrent}
	enabled := 0
	for _, f := range flags {
		if f {
			enabled++
		}
	}
	return enabled * 100 / len(flags)
}

// SecurityProbeFunc gathers the current posture. Each flag is read from a
// distinct macOS security subsystem (socketfilterfw, fdesetup, spctl,
// csrutil, system preferences, softwareupdate) — a platform shim's
// concern, out of scope here.
type SecurityProbeFunc func(ctx context.Context) (SecurityPosture, error)

// SecurityMonitor samples, on a 300s cadence, the firewall/FileVault/
// Gatekeeper/SIP/screen-lock/updates flags plus a 0-100 score, with diff
// events on transition.
type SecurityMonitor struct {
	probe  SecurityProbeFunc
	stream *csvstream.Stream
	events *csvstream.Stream
	log    *logrus.Entry

	mu       sync.Mutex
	lastSeen SecurityPosture
	haveLast bool
}

func NewSecurityMonitor(dataPath, eventsPath string, probe SecurityProbeFunc, log *logrus.Entry) (*SecurityMonitor, error) {
	stream, err := csvstream.Open(dataPath, []string{
		csvstream.TimestampField, "firewall", "filevault", "gatekeeper", "sip", "screen_lock", "updates_current", "score",
	}, 100, 30)
	if err != nil {
		return nil, fmt.Errorf("security monitor: %w", err)
	}
	events, err := csvstream.Open(eventsPath, []string{csvstream.TimestampField, "flag", "previous", "current"}, 200, 30)
	if err != nil {
		return nil, fmt.Errorf("security monitor events: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &SecurityMonitor{probe: probe, stream: stream, events: events, log: log}, nil
}

func (m *SecurityMonitor) Name() string { return "security_posture" }

func (m *SecurityMonitor) DefaultInterval() time.Duration { return 300 * time.Second }

func (m *SecurityMonitor) Streams() (data, events *csvstream.Stream) { return m.stream, m.events }

func (m *SecurityMonitor) RunCycle(ctx context.Context) (any, error) {
	if m.probe == nil {
		return nil, asTransient(ErrNoShim)
	}

	cctx, cancel := withTimeout(ctx)
	posture, err := m.probe(cctx)
	cancel()
	if err != nil {
		return nil, asTransient(err)
	}

	m.mu.Lock()
	previous, haveLast := m.lastSeen, m.haveLast
	m.lastSeen, m.haveLast = posture, true
	m.mu.Unlock()

	if haveLast {
		m.emitTransition("firewall", previous.FirewallEnabled, posture.FirewallEnabled)
		m.emitTransition("filevault", previous.FileVaultEnabled, posture.FileVaultEnabled)
		m.emitTransition("gatekeeper", previous.GatekeeperOn, posture.GatekeeperOn)
		m.emitTransition("sip", previous.SIPEnabled, posture.SIPEnabled)
		m.emitTransition("screen_lock", previous.ScreenLockOn, posture.ScreenLockOn)
		m.emitTransition("updates_current", previous.UpdatesCurrent, posture.UpdatesCurrent)
	}

	appendOrLog(m.log, m.stream, m.Name(), nowRecord(map[string]string{
		"firewall":        strconv.FormatBool(posture.FirewallEnabled),
		"filevault":       strconv.FormatBool(posture.FileVaultEnabled),
		"gatekeeper":      strconv.FormatBool(posture.GatekeeperOn),
		"sip":             strconv.FormatBool(posture.SIPEnabled),
		"screen_lock":     strconv.FormatBool(posture.ScreenLockOn),
		"updates_current": strconv.FormatBool(posture.UpdatesCurrent),
		"score":           strconv.Itoa(posture.Score()),
	}))

	return posture, nil
}

func (m *SecurityMonitor) emitTransition(flag string, previous, current bool) {
	if previous == current {
		return
	}
	appendOrLog(m.log, m.events, m.Name(), nowRecord(map[string]string{
		"flag":     flag,
		"previous": strconv.FormatBool(previous),
		"current":  strconv.FormatBool(current),
	}))
}
