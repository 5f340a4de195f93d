// Command atlas-agent runs the fleet-monitoring Agent: the 12 periodic
// monitors, the local HTTP surface (health/status/history/export/action),
// and the Reporter that pushes metric snapshots to the Fleet Server.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/agent"
	"github.com/sraths91/atlas-sub001/internal/model"
	"github.com/sraths91/atlas-sub001/internal/monitor"
	"github.com/sraths91/atlas-sub001/internal/monitors"
	"github.com/sraths91/atlas-sub001/pkg/logger"
	"github.com/sraths91/atlas-sub001/pkg/telemetry"
)

// Exit codes: 0 normal, 64 config error, 69 service unavailable (listen
// port busy), 70 internal error. A missing encryption key is not an exit
// condition: reports are then sent unsealed.
const (
	exitOK            = 0
	exitConfigError   = 64
	exitUnavailable   = 69
	exitInternalError = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	fleetURL := flag.String("server", "", "Fleet Server base URL, e.g. https://fleet.example.com")
	apiKey := flag.String("api-key", "", "shared API key presented on every report/ingest call")
	encKeyFlag := flag.String("encryption-key", "", "base64/hex/raw 32-byte AES key; empty disables envelope sealing")
	port := flag.Int("port", 8767, "local HTTP port for health/status/history/export/action")
	intervalS := flag.Int("interval", 10, "report interval in seconds")
	_ = flag.Bool("no-menubar", false, "accepted for CLI compatibility; this headless build has no menu bar UI")
	dataDir := flag.String("data-dir", "", "directory for monitor CSV streams (defaults to a temp dir)")
	flag.Parse()

	url := firstNonEmpty(*fleetURL, os.Getenv("FLEET_SERVER_URL"))
	if strings.TrimSpace(url) == "" {
		log.Println("config error: --server or FLEET_SERVER_URL is required")
		return exitConfigError
	}
	key := firstNonEmpty(*apiKey, os.Getenv("FLEET_API_KEY"))

	encKeyRaw := firstNonEmpty(*encKeyFlag, os.Getenv("FLEET_ENCRYPTION_KEY"))
	var encKey []byte
	if encKeyRaw != "" {
		decoded, err := decodeKey(encKeyRaw)
		if err != nil {
			log.Printf("config error: invalid encryption key: %v", err)
			return exitConfigError
		}
		encKey = decoded
	}

	dir := strings.TrimSpace(*dataDir)
	if dir == "" {
		tmp, err := os.MkdirTemp("", "atlas-agent-")
		if err != nil {
			log.Printf("internal error: create data dir: %v", err)
			return exitInternalError
		}
		dir = tmp
	}

	lg := logger.New("atlas-agent", logger.DefaultConfig())
	telem := telemetry.New("atlas-agent")

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	registry := monitor.NewRegistry()
	streams, err := wireMonitors(registry, dir, url, key, lg)
	if err != nil {
		log.Printf("internal error: wire monitors: %v", err)
		return exitInternalError
	}

	snapshot := buildSnapshotFunc(hostname)

	reporter := agent.NewReporter(agent.ReporterConfig{
		FleetURL:      url,
		APIKey:        key,
		EncryptionKey: encKey,
		Interval:      time.Duration(*intervalS) * time.Second,
	}, snapshot, lg.WithMachine(hostname))

	opts := []agent.HandlerOption{agent.WithReporter(reporter)}
	for name, pair := range streams {
		opts = append(opts, agent.WithMonitorStreams(name, pair))
	}
	opts = append(opts, agent.WithAction("speedtest_now", speedtestAction(registry)))

	handler := agent.NewHandler(hostname, url, registry, lg.WithMachine(hostname), opts...)

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", telem.Handler())

	addr := fmt.Sprintf(":%d", *port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("service unavailable: listen on %s: %v", addr, err)
		return exitUnavailable
	}

	srv := &http.Server{Handler: mux}

	registry.StartAll()
	reporter.Start(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("internal error: http server: %v", err)
			return exitInternalError
		}
	case <-sigCh:
		lg.Info("atlas-agent: shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	reporter.Stop()
	registry.StopAll(5 * time.Second)

	return exitOK
}

// wireMonitors constructs all 12 concrete monitors with default (portable)
// probes, registers a Runner for each, and returns the MonitorStreams the
// Agent's HTTP surface needs for history/export.
func wireMonitors(registry *monitor.Registry, dir, fleetURL, apiKey string, lg *logger.Logger) (map[string]agent.MonitorStreams, error) {
	path := func(name string) string { return filepath.Join(dir, name+".csv") }
	eventsPath := func(name string) string { return filepath.Join(dir, name+"_events.csv") }

	diskHealth, err := monitors.NewDiskHealthMonitor(path("disk_health"), defaultMountPoints(), nil, lg.WithMachine("disk_health"))
	if err != nil {
		return nil, err
	}
	netQuality, err := monitors.NewNetworkQualityMonitor(path("network_quality"), monitors.NetworkQualityConfig{
		DNSResolvers: []string{"1.1.1.1:53", "8.8.8.8:53"},
		DNSQueryName: "example.com",
		TLSHost:      "www.apple.com:443",
		HTTPURL:      "https://www.apple.com/generate_204",
	}, nil, lg.WithMachine("network_quality"))
	if err != nil {
		return nil, err
	}
	peripheral, err := monitors.NewPeripheralMonitor(path("peripheral"), eventsPath("peripheral"), nil, lg.WithMachine("peripheral"))
	if err != nil {
		return nil, err
	}
	ping, err := monitors.NewPingMonitor(path("ping"), defaultPingTargets(), nil, lg.WithMachine("ping"))
	if err != nil {
		return nil, err
	}
	power, err := monitors.NewPowerMonitor(path("power"), nil, lg.WithMachine("power"))
	if err != nil {
		return nil, err
	}
	process, err := monitors.NewProcessMonitor(path("process"), lg.WithMachine("process"))
	if err != nil {
		return nil, err
	}
	saas, err := monitors.NewSaaSEndpointsMonitor(path("saas_endpoints"), defaultSaaSEndpoints(), lg.WithMachine("saas_endpoints"))
	if err != nil {
		return nil, err
	}
	security, err := monitors.NewSecurityMonitor(path("security"), eventsPath("security"), nil, lg.WithMachine("security"))
	if err != nil {
		return nil, err
	}
	speedTest, err := monitors.NewSpeedTestMonitor(path("speedtest"), nil, nil, speedtestSink(fleetURL, apiKey, lg.WithMachine("speedtest")), lg.WithMachine("speedtest"))
	if err != nil {
		return nil, err
	}
	vpn, err := monitors.NewVPNMonitor(eventsPath("vpn"), nil, lg.WithMachine("vpn"))
	if err != nil {
		return nil, err
	}
	wifiQuality, err := monitors.NewWiFiQualityMonitor(path("wifi_quality"), eventsPath("wifi_quality"), nil, lg.WithMachine("wifi_quality"))
	if err != nil {
		return nil, err
	}
	wifiRoaming, err := monitors.NewWiFiRoamingMonitor(eventsPath("wifi_roaming"), nil, lg.WithMachine("wifi_roaming"))
	if err != nil {
		return nil, err
	}

	all := []monitor.Monitor{
		diskHealth, netQuality, peripheral, ping, power, process,
		saas, security, speedTest, vpn, wifiQuality, wifiRoaming,
	}
	for _, m := range all {
		if err := registry.Register(monitor.NewRunner(m, lg.WithMachine(m.Name()))); err != nil {
			return nil, err
		}
	}

	streams := map[string]agent.MonitorStreams{}

	diskData, _ := diskHealth.Streams()
	streams["disk_health"] = agent.MonitorStreams{Data: diskData}

	netData, _ := netQuality.Streams()
	streams["network_quality"] = agent.MonitorStreams{Data: netData}

	periphData, periphEvents := peripheral.Streams()
	streams["peripheral"] = agent.MonitorStreams{Data: periphData, Events: periphEvents}

	pingData, _ := ping.Streams()
	streams["ping"] = agent.MonitorStreams{Data: pingData}

	powerData, _ := power.Streams()
	streams["power"] = agent.MonitorStreams{Data: powerData}

	processData, _ := process.Streams()
	streams["process"] = agent.MonitorStreams{Data: processData}

	saasData, _ := saas.Streams()
	streams["saas_endpoints"] = agent.MonitorStreams{Data: saasData}

	securityData, securityEvents := security.Streams()
	streams["security"] = agent.MonitorStreams{Data: securityData, Events: securityEvents}

	speedData, _ := speedTest.Streams()
	streams["speedtest"] = agent.MonitorStreams{Data: speedData}

	_, vpnEvents := vpn.Streams()
	streams["vpn"] = agent.MonitorStreams{Events: vpnEvents}

	wifiData, wifiEvents := wifiQuality.Streams()
	streams["wifi_quality"] = agent.MonitorStreams{Data: wifiData, Events: wifiEvents}

	_, roamingEvents := wifiRoaming.Streams()
	streams["wifi_roaming"] = agent.MonitorStreams{Events: roamingEvents}

	return streams, nil
}

// speedtestSink forwards one speed-test result to the Fleet Server's
// ingest endpoint over the same shared API key the reporter uses. Failures
// are logged and swallowed: a dropped speed-test sample is not worth
// stalling the monitor's own cycle over.
func speedtestSink(fleetURL, apiKey string, log *logrus.Entry) func(ctx context.Context, result monitors.SpeedTestResult, at time.Time) error {
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context, result monitors.SpeedTestResult, at time.Time) error {
		body, err := json.Marshal(map[string]any{
			"machine_id":    hostnameOrUnknown(),
			"ts":            at.UTC().Format(time.RFC3339),
			"download_mbps": result.DownloadMbps,
			"upload_mbps":   result.UploadMbps,
			"ping_ms":       result.PingMS,
			"jitter_ms":     result.JitterMS,
		})
		if err != nil {
			return fmt.Errorf("speedtest sink: marshal: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fleetURL+"/api/fleet/speedtest", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("speedtest sink: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", apiKey)
		resp, err := client.Do(req)
		if err != nil {
			log.WithError(err).Debug("speedtest sink: post failed")
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			log.WithField("status", resp.StatusCode).Warn("speedtest sink: fleet server rejected result")
		}
		return nil
	}
}

func hostnameOrUnknown() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

func defaultMountPoints() []string { return []string{"/"} }

func defaultPingTargets() []monitors.PingTarget {
	return []monitors.PingTarget{
		{Name: "gateway-dns", Host: "1.1.1.1", Port: 443},
		{Name: "fleet-server", Host: "8.8.8.8", Port: 443},
	}
}

func defaultSaaSEndpoints() []monitors.SaaSEndpoint {
	return []monitors.SaaSEndpoint{
		{Category: "identity", Name: "okta", Host: "okta.com", Port: 443, HTTPPath: "/"},
		{Category: "collab", Name: "slack", Host: "slack.com", Port: 443, HTTPPath: "/"},
	}
}

// buildSnapshotFunc assembles a ReportPayload from the host's static
// descriptor plus a fresh system-level sample. Per-monitor metrics are
// already persisted via each monitor's own CSVStream and served through the
// Agent's history/export endpoints, so the fleet report only needs the
// system-level summary MetricSample requires.
func buildSnapshotFunc(hostname string) agent.SnapshotFunc {
	return func(ctx context.Context) (agent.ReportPayload, error) {
		info := model.MachineInfo{
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			Hostname:     hostname,
			AgentVersion: agent.AgentVersion,
		}
		if hi, err := host.InfoWithContext(ctx); err == nil {
			info.OSVersion = hi.PlatformVersion
		}

		sample := model.MetricSample{Timestamp: time.Now().UTC()}
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			info.TotalMemory = vm.Total
			sample.MemoryUsed = vm.Used
			sample.MemoryTotal = vm.Total
			sample.MemoryPercent = vm.UsedPercent
		}

		return agent.ReportPayload{MachineID: hostname, MachineInfo: info, Metrics: sample}, nil
	}
}

// speedtestAction returns the speed-test monitor's most recent cycle
// result. It does not start a new test; tests run only on the monitor's own
// cadence.
func speedtestAction(registry *monitor.Registry) agent.ActionFunc {
	return func(ctx context.Context, params map[string]any) (any, error) {
		runner, ok := registry.Get("speedtest")
		if !ok {
			return nil, fmt.Errorf("speedtest monitor not registered")
		}
		return runner.LastResult(), nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func decodeKey(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	raw := []byte(value)
	if len(raw) == 32 {
		return raw, nil
	}
	return nil, fmt.Errorf("expected a 32-byte key (base64, hex, or raw)")
}
