package monitors

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/csvstream"
)

// SaaSEndpoint is one configured target the monitor probes each cycle.
type SaaSEndpoint struct {
	Category string
	Name     string
	Host     string
	Port     int
	HTTPPath string // optional: if set, an HTTP GET is also timed
}

// SaaSEndpointResult is one endpoint's measurement for a cycle.
type SaaSEndpointResult struct {
	Endpoint      SaaSEndpoint
	TCPLatencyMS  float64
	HTTPLatencyMS float64
	Reachable     bool
}

// SaaSEndpointsMonitor runs on a 60s cadence, probing configured
// host:port targets with a TCP connect plus an optional HTTP GET, and
// produces per-endpoint latency/reachability and a per-category summary.
type SaaSEndpointsMonitor struct {
	endpoints []SaaSEndpoint
	client    *http.Client
	stream    *csvstream.Stream
	log       *logrus.Entry
}

func NewSaaSEndpointsMonitor(dataPath string, endpoints []SaaSEndpoint, log *logrus.Entry) (*SaaSEndpointsMonitor, error) {
	stream, err := csvstream.Open(dataPath, []string{csvstream.TimestampField, "category", "endpoint", "reachable", "tcp_latency_ms", "http_latency_ms"}, 300, 30)
	if err != nil {
		return nil, fmt.Errorf("saas endpoints monitor: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &SaaSEndpointsMonitor{
		endpoints: endpoints,
		client:    &http.Client{Timeout: boundedTimeout},
		stream:    stream,
		log:       log,
	}, nil
}

func (m *SaaSEndpointsMonitor) Name() string { return "saas_endpoints" }

func (m *SaaSEndpointsMonitor) DefaultInterval() time.Duration { return 60 * time.Second }

func (m *SaaSEndpointsMonitor) Streams() (data, events *csvstream.Stream) { return m.stream, nil }

// CategorySummary aggregates reachability across one category's endpoints.
type CategorySummary struct {
	Category       string
	ReachableCount int
	TotalCount     int
}

func (m *SaaSEndpointsMonitor) RunCycle(ctx context.Context) (any, error) {
	results := make([]SaaSEndpointResult, 0, len(m.endpoints))
	summaries := map[string]*CategorySummary{}

	for _, ep := range m.endpoints {
		result := m.probeOne(ctx, ep)
		results = append(results, result)

		sum, ok := summaries[ep.Category]
		if !ok {
			sum = &CategorySummary{Category: ep.Category}
			summaries[ep.Category] = sum
		}
		sum.TotalCount++
		if result.Reachable {
			sum.ReachableCount++
		}

		appendOrLog(m.log, m.stream, m.Name(), nowRecord(map[string]string{
			"category":        ep.Category,
			"endpoint":        ep.Name,
			"reachable":       strconv.FormatBool(result.Reachable),
			"tcp_latency_ms":  fmt.Sprintf("%.3f", result.TCPLatencyMS),
			"http_latency_ms": fmt.Sprintf("%.3f", result.HTTPLatencyMS),
		}))
	}

	summaryList := make([]CategorySummary, 0, len(summaries))
	for _, s := range summaries {
		summaryList = append(summaryList, *s)
	}

	return struct {
		Results    []SaaSEndpointResult
		Categories []CategorySummary
	}{Results: results, Categories: summaryList}, nil
}

func (m *SaaSEndpointsMonitor) probeOne(ctx context.Context, ep SaaSEndpoint) SaaSEndpointResult {
	result := SaaSEndpointResult{Endpoint: ep}

	cctx, cancel := withTimeout(ctx)
	defer cancel()

	start := time.Now()
	d := net.Dialer{}
	conn, err := d.DialContext(cctx, "tcp", net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)))
	if err != nil {
		return result
	}
	result.TCPLatencyMS = float64(time.Since(start).Microseconds()) / 1000.0
	result.Reachable = true
	conn.Close()

	if ep.HTTPPath != "" {
		url := fmt.Sprintf("https://%s%s", ep.Host, ep.HTTPPath)
		req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
		if err == nil {
			httpStart := time.Now()
			resp, err := m.client.Do(req)
			if err == nil {
				result.HTTPLatencyMS = float64(time.Since(httpStart).Microseconds()) / 1000.0
				resp.Body.Close()
			}
		}
	}

	return result
}
