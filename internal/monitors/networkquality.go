package monitors

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/csvstream"
)

// RetransmitRateProbeFunc reports the current TCP retransmit rate. Per-
// connection retransmit counters are exposed via OS-specific socket
// statistics (e.g. parsing `netstat -s` on macOS); no portable Go API
// surfaces them, so this defaults to unavailable (ok=false) absent a shim.
type RetransmitRateProbeFunc func(ctx context.Context) (ratePct float64, ok bool)

// NetworkQualityConfig configures one cycle's probes.
type NetworkQualityConfig struct {
	DNSResolvers []string // "host:port", e.g. "1.1.1.1:53"
	DNSQueryName string
	TLSHost      string // host:port for the TLS handshake probe
	HTTPURL      string
}

// NetworkQualityMonitor samples, on a 60s cadence: TCP retransmit rate,
// DNS query latency against multiple resolvers, TLS handshake time, and
// HTTP response time.
type NetworkQualityMonitor struct {
	cfg             NetworkQualityConfig
	retransmitProbe RetransmitRateProbeFunc
	client          *http.Client
	stream          *csvstream.Stream
	log             *logrus.Entry
}

func NewNetworkQualityMonitor(dataPath string, cfg NetworkQualityConfig, retransmitProbe RetransmitRateProbeFunc, log *logrus.Entry) (*NetworkQualityMonitor, error) {
	stream, err := csvstream.Open(dataPath, []string{
		csvstream.TimestampField, "resolver", "dns_latency_ms", "tls_handshake_ms", "http_latency_ms", "retransmit_rate_pct",
	}, 300, 30)
	if err != nil {
		return nil, fmt.Errorf("network quality monitor: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &NetworkQualityMonitor{
		cfg:             cfg,
		retransmitProbe: retransmitProbe,
		client:          &http.Client{Timeout: boundedTimeout},
		stream:          stream,
		log:             log,
	}, nil
}

func (m *NetworkQualityMonitor) Name() string { return "network_quality" }

func (m *NetworkQualityMonitor) DefaultInterval() time.Duration { return 60 * time.Second }

func (m *NetworkQualityMonitor) Streams() (data, events *csvstream.Stream) { return m.stream, nil }

// NetworkQualitySample is the aggregate measurement produced by one cycle.
type NetworkQualitySample struct {
	DNSLatenciesMS    map[string]float64
	TLSHandshakeMS    float64
	HTTPLatencyMS     float64
	RetransmitRatePct float64
	RetransmitKnown   bool
}

func (m *NetworkQualityMonitor) RunCycle(ctx context.Context) (any, error) {
	sample := NetworkQualitySample{DNSLatenciesMS: map[string]float64{}}

	for _, resolver := range m.cfg.DNSResolvers {
		latency, err := m.queryDNS(ctx, resolver)
		if err != nil {
			continue
		}
		sample.DNSLatenciesMS[resolver] = latency
		appendOrLog(m.log, m.stream, m.Name(), nowRecord(map[string]string{
			"resolver":       resolver,
			"dns_latency_ms": fmt.Sprintf("%.3f", latency),
		}))
	}

	if m.cfg.TLSHost != "" {
		if ms, err := m.handshakeTime(ctx); err == nil {
			sample.TLSHandshakeMS = ms
		}
	}

	if m.cfg.HTTPURL != "" {
		if ms, err := m.httpTime(ctx); err == nil {
			sample.HTTPLatencyMS = ms
		}
	}

	if m.retransmitProbe != nil {
		cctx, cancel := withTimeout(ctx)
		rate, ok := m.retransmitProbe(cctx)
		cancel()
		sample.RetransmitRatePct, sample.RetransmitKnown = rate, ok
	}

	appendOrLog(m.log, m.stream, m.Name(), nowRecord(map[string]string{
		"resolver":            "",
		"tls_handshake_ms":    fmt.Sprintf("%.3f", sample.TLSHandshakeMS),
		"http_latency_ms":     fmt.Sprintf("%.3f", sample.HTTPLatencyMS),
		"retransmit_rate_pct": fmt.Sprintf("%.3f", sample.RetransmitRatePct),
	}))

	return sample, nil
}

func (m *NetworkQualityMonitor) queryDNS(ctx context.Context, resolver string) (float64, error) {
	cctx, cancel := withTimeout(ctx)
	defer cancel()

	r := &net.Resolver{
		PreferGo: true,
		Dial: func(dctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(dctx, network, resolver)
		},
	}
	start := time.Now()
	_, err := r.LookupHost(cctx, m.cfg.DNSQueryName)
	if err != nil {
		return 0, err
	}
	return float64(time.Since(start).Microseconds()) / 1000.0, nil
}

func (m *NetworkQualityMonitor) handshakeTime(ctx context.Context) (float64, error) {
	cctx, cancel := withTimeout(ctx)
	defer cancel()

	start := time.Now()
	d := tls.Dialer{NetDialer: &net.Dialer{}}
	conn, err := d.DialContext(cctx, "tcp", m.cfg.TLSHost)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return float64(time.Since(start).Microseconds()) / 1000.0, nil
}

func (m *NetworkQualityMonitor) httpTime(ctx context.Context) (float64, error) {
	cctx, cancel := withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, m.cfg.HTTPURL, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return float64(time.Since(start).Microseconds()) / 1000.0, nil
}
