package monitors

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/csvstream"
)

// PingTarget is one fixed endpoint the ping monitor samples each cycle.
type PingTarget struct {
	Name string
	Host string
	Port int
}

// PingProbeFunc measures one round trip to target. The default
// implementation times a TCP handshake rather than sending an ICMP echo,
// since raw ICMP sockets need elevated privileges this process does not
// assume it has; a privileged shim can supply a real ICMP-based probe.
type PingProbeFunc func(ctx context.Context, target PingTarget) (latencyMS float64, reachable bool)

// DefaultPingProbe dials target over TCP and times the handshake.
func DefaultPingProbe(ctx context.Context, target PingTarget) (float64, bool) {
	start := time.Now()
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(target.Host, strconv.Itoa(target.Port)))
	if err != nil {
		return 0, false
	}
	defer conn.Close()
	return float64(time.Since(start).Microseconds()) / 1000.0, true
}

// PingMonitor samples {ts, target, latency_ms, loss_pct} every 10s,
// flagging a target degraded when loss exceeds 10% or latency exceeds
// 100ms over DegradedStreak consecutive cycles.
type PingMonitor struct {
	targets []PingTarget
	probe   PingProbeFunc
	stream  *csvstream.Stream
	log     *logrus.Entry

	mu                  sync.Mutex
	consecutiveDegraded map[string]int
}

// DegradedStreak is the number of consecutive degraded cycles for a target
// before it is considered persistently degraded.
const DegradedStreak = 3

const (
	pingLossThresholdPct   = 10.0
	pingLatencyThresholdMS = 100.0
	pingSamplesPerCycle    = 5
)

// NewPingMonitor opens dataPath as the ping monitor's CSVStream and returns
// a ready-to-run PingMonitor. probe may be nil to use DefaultPingProbe.
func NewPingMonitor(dataPath string, targets []PingTarget, probe PingProbeFunc, log *logrus.Entry) (*PingMonitor, error) {
	if probe == nil {
		probe = DefaultPingProbe
	}
	stream, err := csvstream.Open(dataPath, []string{csvstream.TimestampField, "target", "latency_ms", "loss_pct", "degraded"}, 200, 30)
	if err != nil {
		return nil, fmt.Errorf("ping monitor: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &PingMonitor{
		targets:             targets,
		probe:               probe,
		stream:              stream,
		log:                 log,
		consecutiveDegraded: map[string]int{},
	}, nil
}

func (m *PingMonitor) Name() string { return "ping" }

func (m *PingMonitor) DefaultInterval() time.Duration { return 10 * time.Second }

func (m *PingMonitor) Streams() (data, events *csvstream.Stream) { return m.stream, nil }

// PingCycleResult is the RunCycle output: one sample per target.
type PingCycleResult struct {
	Samples []PingSample
}

// PingSample is one target's measurement for this cycle.
type PingSample struct {
	Target    string
	LatencyMS float64
	LossPct   float64
	Degraded  bool
}

func (m *PingMonitor) RunCycle(ctx context.Context) (any, error) {
	result := PingCycleResult{Samples: make([]PingSample, 0, len(m.targets))}

	for _, target := range m.targets {
		var successes int
		var latencySum float64
		for i := 0; i < pingSamplesPerCycle; i++ {
			cctx, cancel := withTimeout(ctx)
			latency, ok := m.probe(cctx, target)
			cancel()
			if ok {
				successes++
				latencySum += latency
			}
		}

		lossPct := 100.0 * float64(pingSamplesPerCycle-successes) / float64(pingSamplesPerCycle)
		avgLatency := 0.0
		if successes > 0 {
			avgLatency = latencySum / float64(successes)
		}

		cycleDegraded := lossPct > pingLossThresholdPct || avgLatency > pingLatencyThresholdMS

		m.mu.Lock()
		if cycleDegraded {
			m.consecutiveDegraded[target.Name]++
		} else {
			m.consecutiveDegraded[target.Name] = 0
		}
		persistentlyDegraded := m.consecutiveDegraded[target.Name] >= DegradedStreak
		m.mu.Unlock()

		sample := PingSample{Target: target.Name, LatencyMS: avgLatency, LossPct: lossPct, Degraded: persistentlyDegraded}
		result.Samples = append(result.Samples, sample)

		appendOrLog(m.log, m.stream, m.Name(), nowRecord(map[string]string{
			"target":     target.Name,
			"latency_ms": fmt.Sprintf("%.3f", avgLatency),
			"loss_pct":   fmt.Sprintf("%.2f", lossPct),
			"degraded":   strconv.FormatBool(persistentlyDegraded),
		}))
	}

	return result, nil
}
