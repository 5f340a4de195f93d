// Package ingest implements the Fleet Server's agent-facing intake
// surface: report ingestion, widget-log ingestion, speed-test result
// ingestion, and long-poll command delivery. Every route here
// authenticates with a static shared API key, never a human session.
package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sraths91/atlas-sub001/internal/envelope"
	"github.com/sraths91/atlas-sub001/internal/model"
)

// Store is the subset of store.Registry ingest depends on, kept narrow so
// this package does not import the concrete store type and can be tested
// against a fake.
type Store interface {
	UpsertReport(machineID string, info model.MachineInfo, sample model.MetricSample, localIP string, now time.Time) error
	DrainCommands(machineID string) ([]model.CommandEnvelope, error)
	EnqueueCommand(machineID string, cmd model.CommandEnvelope) error
	AckCommand(machineID, commandID string, result any, now time.Time) error
}

// SpeedTestSink records one speed-test sample forwarded by an Agent's
// speed-test monitor, feeding the fleet-wide aggregator.
type SpeedTestSink interface {
	InsertResult(ctx context.Context, machineID string, ts time.Time, downloadMbps, uploadMbps, pingMS, jitterMS float64, serverName, isp string) error
}

// WidgetLogSink records widget-submitted diagnostic log batches. Separate
// from Store because the Fleet Server may route these to a different
// backend (disk, external log service) than the machine registry.
type WidgetLogSink interface {
	Ingest(machineID string, entries []json.RawMessage) error
}

// longPollWait bounds how long GET /api/fleet/commands/<machine_id> blocks
// waiting for a command to arrive before returning an empty list.
const longPollWait = 30 * time.Second

// pollInterval is how often the long-poll handler re-checks the queue
// while waiting; there is no push wakeup since commands are enqueued by a
// separate HTTP request and this package has no reason to add
// cross-request signaling infrastructure for a 30s bound.
const pollInterval = 200 * time.Millisecond

// Handler is the ingest HTTP surface.
type Handler struct {
	store      Store
	widgetLogs WidgetLogSink
	speedtest  SpeedTestSink // nil: speed-test results are dropped silently (still answered 202)
	apiKey     string
	encKey     []byte // nil: reports arrive as plaintext JSON
	limiter    *rate.Limiter
	log        *logrus.Entry
}

// Config configures a Handler.
type Config struct {
	APIKey         string
	EncryptionKey  []byte
	MaxReportsPerS float64 // shed load above this rate; 0 disables shedding
	BurstSize      int
}

// NewHandler builds the ingest Handler.
func NewHandler(store Store, widgetLogs WidgetLogSink, cfg Config, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	var limiter *rate.Limiter
	if cfg.MaxReportsPerS > 0 {
		burst := cfg.BurstSize
		if burst <= 0 {
			burst = int(cfg.MaxReportsPerS)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxReportsPerS), burst)
	}
	return &Handler{store: store, widgetLogs: widgetLogs, apiKey: cfg.APIKey, encKey: cfg.EncryptionKey, limiter: limiter, log: log}
}

// SetSpeedTestSink wires the speed-test aggregator after construction, kept
// separate from NewHandler since it is optional and the Fleet Server may run
// without a SQL backing store configured.
func (h *Handler) SetSpeedTestSink(sink SpeedTestSink) {
	h.speedtest = sink
}

// Register mounts ingest routes on mux under the given prefix-free paths.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/fleet/report", h.withAPIKey(h.report))
	mux.HandleFunc("POST /api/fleet/widget-logs", h.withAPIKey(h.widgetLogsIngest))
	mux.HandleFunc("POST /api/fleet/speedtest", h.withAPIKey(h.speedtestIngest))
	mux.HandleFunc("GET /api/fleet/commands/{machine_id}", h.withAPIKey(h.longPollCommands))
	mux.HandleFunc("POST /api/fleet/commands/{machine_id}/ack", h.withAPIKey(h.ackCommand))
}

// withAPIKey enforces the shared agent API key and, when a limiter is
// configured, sheds load with 503 + Retry-After rather than queuing
// unboundedly.
func (h *Handler) withAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey != "" && r.Header.Get("X-API-Key") != h.apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if h.limiter != nil && !h.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		next(w, r)
	}
}

type reportEnvelope struct {
	MachineID   string             `json:"machine_id"`
	MachineInfo model.MachineInfo  `json:"machine_info"`
	Metrics     model.MetricSample `json:"metrics"`
}

// report handles POST /api/fleet/report: decrypt (if configured), validate,
// then upsert into the registry.
func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	plain, err := h.decodeBody(r)
	if err != nil {
		h.log.WithError(err).Debug("ingest: report decode/decrypt failed")
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	var payload reportEnvelope
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if payload.MachineID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	localIP := clientIP(r)
	if err := h.store.UpsertReport(payload.MachineID, payload.MachineInfo, payload.Metrics, localIP, time.Now().UTC()); err != nil {
		h.log.WithError(err).Warn("ingest: upsert report failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) decodeBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(h.encKey) == 0 {
		return raw, nil
	}

	var wire model.EncryptedPayload
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("ingest: body is not a valid envelope: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(wire.Nonce)
	if err != nil {
		return nil, fmt.Errorf("ingest: bad nonce encoding: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(wire.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ingest: bad ciphertext encoding: %w", err)
	}
	return envelope.Open(h.encKey, nonce, ciphertext, []byte(model.ReportAAD))
}

func (h *Handler) widgetLogsIngest(w http.ResponseWriter, r *http.Request) {
	var entries []json.RawMessage
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&entries); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	machineID := r.URL.Query().Get("machine_id")
	if h.widgetLogs != nil {
		if err := h.widgetLogs.Ingest(machineID, entries); err != nil {
			h.log.WithError(err).Warn("ingest: widget log sink rejected batch")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// longPollCommands implements GET /api/fleet/commands/<machine_id>: block
// up to longPollWait for a queued command, return [] rather than erroring
// if none arrives.
func (h *Handler) longPollCommands(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("machine_id")

	ctx, cancel := context.WithTimeout(r.Context(), longPollWait)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		cmds, err := h.store.DrainCommands(machineID)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if len(cmds) > 0 {
			writeJSON(w, cmds)
			return
		}
		select {
		case <-ctx.Done():
			writeJSON(w, []model.CommandEnvelope{})
			return
		case <-ticker.C:
		}
	}
}

type ackRequest struct {
	CommandID string `json:"command_id"`
	Result    any    `json:"result"`
}

// ackCommand handles POST /api/fleet/commands/<machine_id>/ack.
func (h *Handler) ackCommand(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("machine_id")
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CommandID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.store.AckCommand(machineID, req.CommandID, req.Result, time.Now().UTC()); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type speedTestReport struct {
	MachineID    string  `json:"machine_id"`
	Ts           string  `json:"ts"`
	DownloadMbps float64 `json:"download_mbps"`
	UploadMbps   float64 `json:"upload_mbps"`
	PingMS       float64 `json:"ping_ms"`
	JitterMS     float64 `json:"jitter_ms"`
	ServerName   string  `json:"server_name"`
	ISP          string  `json:"isp"`
}

// speedtestIngest handles POST /api/fleet/speedtest: a speed-test
// monitor's result, forwarded by its Agent, feeding the fleet-wide
// aggregator.
func (h *Handler) speedtestIngest(w http.ResponseWriter, r *http.Request) {
	var req speedTestReport
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MachineID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ts, err := time.Parse(time.RFC3339, req.Ts)
	if err != nil {
		ts = time.Now().UTC()
	}
	if h.speedtest == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := h.speedtest.InsertResult(r.Context(), req.MachineID, ts.UTC(), req.DownloadMbps, req.UploadMbps, req.PingMS, req.JitterMS, req.ServerName, req.ISP); err != nil {
		h.log.WithError(err).Warn("ingest: speed-test insert failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
