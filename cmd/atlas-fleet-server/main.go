// Command atlas-fleet-server runs the Fleet Server: machine registry,
// agent-facing ingest, active probe scheduler, speed-test aggregator, and
// the human admin HTTP surface.
package main

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sraths91/atlas-sub001/internal/configstore"
	"github.com/sraths91/atlas-sub001/internal/fleetserver/auditlog"
	"github.com/sraths91/atlas-sub001/internal/fleetserver/auth"
	"github.com/sraths91/atlas-sub001/internal/fleetserver/httpapi"
	"github.com/sraths91/atlas-sub001/internal/fleetserver/ingest"
	"github.com/sraths91/atlas-sub001/internal/fleetserver/probe"
	"github.com/sraths91/atlas-sub001/internal/fleetserver/store"
	"github.com/sraths91/atlas-sub001/internal/speedtest"
	"github.com/sraths91/atlas-sub001/pkg/logger"
	"github.com/sraths91/atlas-sub001/pkg/telemetry"
)

// Exit codes: 0 normal, 64 config error, 69 service unavailable (listen
// port busy, speed-test store unreachable), 70 internal error. A missing
// at-rest key is not an exit condition: it only logs a warning.
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
	configPath := flag.String("config", "", "path to the Fleet Server's YAML configuration file")
	devModeFlag := flag.Bool("dev-mode", false, "relax the admin session cookie's Secure flag for local development; never the production default")
	flag.Parse()

	if strings.TrimSpace(*configPath) == "" {
		log.Println("config error: --config is required")
		return exitConfigError
	}

	lg := logger.New("atlas-fleet-server", logger.DefaultConfig())
	telem := telemetry.New("atlas-fleet-server")

	atRestKey, err := resolveAtRestKey()
	if err != nil {
		log.Printf("config error: %v", err)
		return exitConfigError
	}

	cfg := configstore.New(defaultConfig())
	if atRestKey != nil {
		cfg.MarkSecret("fleet.api_key")
		cfg.MarkSecret("fleet.encryption_key")
		cfg.MarkSecret("admin.users")
		cfg.MarkSecret("admin.seed_password")
	}
	if err := cfg.Load(*configPath, atRestKey); err != nil {
		log.Printf("config error: load %s: %v", *configPath, err)
		return exitConfigError
	}
	if err := cfg.ApplyEnvOverlays(envOverlays()); err != nil {
		log.Printf("config error: %v", err)
		return exitConfigError
	}
	if *devModeFlag {
		cfg.Set("fleet.dev_mode", true)
	}
	if cfg.GetBool("fleet.dev_mode") {
		lg.Warn("atlas-fleet-server: running in dev_mode; the admin session cookie Secure flag is relaxed (TLS settings and certificate verification are unchanged)")
	}

	if err := validateConfig(cfg); err != nil {
		log.Printf("config error: %v", err)
		return exitConfigError
	}

	apiKey := cfg.GetString("fleet.api_key")
	encKey, err := optionalKey(cfg.GetString("fleet.encryption_key"))
	if err != nil {
		log.Printf("config error: invalid fleet.encryption_key: %v", err)
		return exitConfigError
	}

	dataDir := filepath.Dir(*configPath)
	reportingTimeout := time.Duration(intOr(cfg.GetInt("fleet.reporting_timeout_s"), 60)) * time.Second

	registry := store.New(reportingTimeout)
	registry.SetAgentEndpoint(agentScheme(cfg), intOr(cfg.GetInt("fleet.agent_port"), store.DefaultAgentPort))

	var flusher *store.Flusher
	if atRestKey != nil {
		snapshotPath := firstNonEmpty(cfg.GetString("fleet.snapshot_path"), filepath.Join(dataDir, "fleet-registry.snapshot"))
		flusher = store.NewFlusher(registry, snapshotPath, atRestKey, lg.WithMachine("store"))
		if err := flusher.Load(); err != nil {
			log.Printf("internal error: load registry snapshot: %v", err)
			return exitInternalError
		}
		if err := flusher.Start("@every 30s"); err != nil {
			log.Printf("internal error: start snapshot flusher: %v", err)
			return exitInternalError
		}
	} else {
		lg.Warn("atlas-fleet-server: no at-rest key configured (FLEET_AT_REST_KEY); registry state will not survive a restart")
	}

	audit, err := auditlog.Open(firstNonEmpty(cfg.GetString("fleet.audit_log_path"), filepath.Join(dataDir, "fleet-audit.csv")))
	if err != nil {
		log.Printf("internal error: open audit log: %v", err)
		return exitInternalError
	}

	userStore := auth.NewConfigUserStore(cfg)
	seedUser := firstNonEmpty(cfg.GetString("admin.seed_username"), "admin")
	if seedPassword := cfg.GetString("admin.seed_password"); seedPassword != "" {
		if err := userStore.SeedIfEmpty(seedUser, seedPassword); err != nil {
			log.Printf("internal error: seed admin user: %v", err)
			return exitInternalError
		}
		cfg.Set("admin.seed_password", "")
		if err := cfg.Save(*configPath, atRestKey); err != nil {
			log.Printf("internal error: persist seeded admin user: %v", err)
			return exitInternalError
		}
	}

	var speedStore *speedtest.Store
	if dsn := cfg.GetString("fleet.speedtest_dsn"); dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		speedStore, err = speedtest.Open(ctx, dsn)
		cancel()
		if err != nil {
			log.Printf("service unavailable: open speed-test store: %v", err)
			return exitUnavailable
		}
	}

	ingestHandler := ingest.NewHandler(registry, nil, ingest.Config{
		APIKey:         apiKey,
		EncryptionKey:  encKey,
		MaxReportsPerS: float64(cfg.GetInt("fleet.max_reports_per_s")),
		BurstSize:      intOr(cfg.GetInt("fleet.ingest_burst"), 0),
	}, lg.WithMachine("ingest"))
	if speedStore != nil {
		ingestHandler.SetSpeedTestSink(speedtestSink{speedStore})
	}

	adminHandler := httpapi.NewHandler(httpapi.Config{
		Registry:   registry,
		Sessions:   auth.NewSessionStore(time.Duration(intOr(cfg.GetInt("fleet.session_ttl_s"), int(auth.DefaultSessionTTL.Seconds()))) * time.Second),
		Users:      userStore,
		Config:     cfg,
		Audit:      audit,
		Dispatcher: registry,
		SpeedTest:  speedStore,
		DevMode:    cfg.GetBool("fleet.dev_mode"),
	}, lg.WithMachine("httpapi"))

	scheduler := probe.NewScheduler(registry, registry, probe.Config{
		Period:      time.Duration(intOr(cfg.GetInt("fleet.probe_period_s"), 60)) * time.Second,
		MaxInFlight: intOr(cfg.GetInt("fleet.probe_max_in_flight"), probe.DefaultMaxInFlight),
		Timeout:     probe.DefaultTimeout,
	}, lg.WithMachine("probe"))

	mux := http.NewServeMux()
	ingestHandler.Register(mux)
	mux.Handle("/metrics", telem.Handler())
	mux.Handle("/", adminHandler)

	addr := fmt.Sprintf(":%d", intOr(cfg.GetInt("fleet.port"), 8768))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("service unavailable: listen on %s: %v", addr, err)
		return exitUnavailable
	}

	srv := &http.Server{Handler: mux}
	sslEnabled := cfg.GetBool("fleet.ssl_enabled")
	if sslEnabled {
		certFile := cfg.GetString("fleet.tls_cert_file")
		keyFile := cfg.GetString("fleet.tls_key_file")
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			log.Printf("config error: load TLS cert/key: %v", err)
			return exitConfigError
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			MaxVersion:   tls.VersionTLS13,
		}
	}

	probeCtx, cancelProbe := context.WithCancel(context.Background())
	go scheduler.Run(probeCtx)

	errCh := make(chan error, 1)
	go func() {
		if sslEnabled {
			errCh <- srv.ServeTLS(ln, "", "")
			return
		}
		errCh <- srv.Serve(ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("internal error: http server: %v", err)
			cancelProbe()
			return exitInternalError
		}
	case <-sigCh:
		lg.Info("atlas-fleet-server: shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	cancelProbe()
	if flusher != nil {
		flusher.Stop()
	}

	return exitOK
}

// speedtestSink adapts *speedtest.Store's Result-struct-taking InsertResult
// to the flat-argument shape ingest.SpeedTestSink declares, so the ingest
// package does not need to know the speedtest package's row type.
type speedtestSink struct {
	store *speedtest.Store
}

func (s speedtestSink) InsertResult(ctx context.Context, machineID string, ts time.Time, downloadMbps, uploadMbps, pingMS, jitterMS float64, serverName, isp string) error {
	jitter := jitterMS
	return s.store.InsertResult(ctx, speedtest.Result{
		MachineID:    machineID,
		Ts:           ts,
		DownloadMbps: downloadMbps,
		UploadMbps:   uploadMbps,
		PingMs:       pingMS,
		JitterMs:     &jitter,
		ServerName:   serverName,
		ISP:          isp,
	})
}

// defaultConfig is the compiled-defaults tier of the config store's
// precedence chain.
func defaultConfig() map[string]any {
	return map[string]any{
		"fleet": map[string]any{
			"port":                8768,
			"agent_port":          store.DefaultAgentPort,
			"ssl_enabled":         false,
			"tls_cert_file":       "",
			"tls_key_file":        "",
			"dev_mode":            false,
			"api_key":             "",
			"encryption_key":      "",
			"reporting_timeout_s": 60,
			"session_ttl_s":       int(auth.DefaultSessionTTL.Seconds()),
			"probe_period_s":      60,
			"probe_max_in_flight": probe.DefaultMaxInFlight,
			"max_reports_per_s":   0,
			"ingest_burst":        0,
			"snapshot_path":       "",
			"speedtest_dsn":       "",
			"audit_log_path":      "",
		},
		"admin": map[string]any{
			"min_password_length": 12,
			"seed_username":       "admin",
			"seed_password":       "",
		},
	}
}

// envOverlays binds the Fleet Server's environment-variable overrides, the
// highest-precedence tier.
func envOverlays() []configstore.EnvOverlay {
	return []configstore.EnvOverlay{
		{EnvVar: "FLEET_SERVER_PORT", Path: "fleet.port", Kind: configstore.KindInt},
		{EnvVar: "FLEET_SSL_ENABLED", Path: "fleet.ssl_enabled", Kind: configstore.KindBool},
		{EnvVar: "FLEET_MIN_PASSWORD_LENGTH", Path: "admin.min_password_length", Kind: configstore.KindInt},
		{EnvVar: "FLEET_API_KEY", Path: "fleet.api_key", Kind: configstore.KindString},
		{EnvVar: "FLEET_ENCRYPTION_KEY", Path: "fleet.encryption_key", Kind: configstore.KindString},
		{EnvVar: "FLEET_SESSION_TTL_S", Path: "fleet.session_ttl_s", Kind: configstore.KindInt},
	}
}

// validateConfig enforces the startup refusal rules: a misconfigured Fleet
// Server should fail fast at exitConfigError rather than serve with a
// weakened security posture.
func validateConfig(cfg *configstore.Store) error {
	if auth.BcryptCost < 12 {
		return fmt.Errorf("bcrypt cost %d is below the minimum of 12", auth.BcryptCost)
	}
	port := cfg.GetInt("fleet.port")
	if port < 1 || port > 65535 {
		return fmt.Errorf("fleet.port %d is outside [1,65535]", port)
	}
	if minLen := cfg.GetInt("admin.min_password_length"); minLen < 0 {
		return fmt.Errorf("admin.min_password_length must not be negative")
	}
	if encKey := cfg.GetString("fleet.encryption_key"); encKey != "" {
		if _, err := decodeKey(encKey); err != nil {
			return fmt.Errorf("fleet.encryption_key: %w", err)
		}
	}
	if cfg.GetBool("fleet.ssl_enabled") {
		certFile := cfg.GetString("fleet.tls_cert_file")
		keyFile := cfg.GetString("fleet.tls_key_file")
		if certFile == "" || keyFile == "" {
			return fmt.Errorf("fleet.ssl_enabled is true but tls_cert_file/tls_key_file are not both set")
		}
		if _, err := os.Stat(certFile); err != nil {
			return fmt.Errorf("tls_cert_file: %w", err)
		}
		if _, err := os.Stat(keyFile); err != nil {
			return fmt.Errorf("tls_key_file: %w", err)
		}
	}
	return nil
}

func agentScheme(cfg *configstore.Store) string {
	if cfg.GetBool("fleet.ssl_enabled") {
		return "https"
	}
	return "http"
}

func optionalKey(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	return decodeKey(value)
}

// resolveAtRestKey reads the registry-snapshot / config-at-rest encryption
// key from the environment. Unlike fleet.api_key/fleet.encryption_key, this
// key cannot itself live inside the (possibly encrypted) config tree: it is
// what the tree is decrypted with.
func resolveAtRestKey() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv("FLEET_AT_REST_KEY"))
	if raw == "" {
		return nil, nil
	}
	key, err := decodeKey(raw)
	if err != nil {
		return nil, fmt.Errorf("FLEET_AT_REST_KEY: %w", err)
	}
	return key, nil
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

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func intOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
