package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/csvstream"
	"github.com/sraths91/atlas-sub001/internal/monitor"
)

// AgentVersion is reported on the health endpoint and in every report.
const AgentVersion = "1.0.0"

// actionTimeout is the deadline of the context each dispatched monitor
// action runs under.
const actionTimeout = 30 * time.Second

// MonitorStreams names the CSVStreams a monitor exposes for status/history/
// export, keyed by monitor name.
type MonitorStreams struct {
	Data   *csvstream.Stream
	Events *csvstream.Stream
}

// ActionFunc executes a POST /api/<monitor>/action request body and
// returns a result recorded against the action id.
type ActionFunc func(ctx context.Context, params map[string]any) (any, error)

// Handler bundles the Agent's local HTTP endpoints.
type Handler struct {
	hostname  string
	fleetURL  string
	startedAt time.Time
	registry  *monitor.Registry
	streams   map[string]MonitorStreams
	actions   map[string]ActionFunc
	reporter  *Reporter
	log       *logrus.Entry

	widgetLogMu sync.Mutex
	widgetLogs  []json.RawMessage

	pool *actionPool
}

// HandlerOption customizes Handler construction via the functional-option
// pattern.
type HandlerOption func(*Handler)

// WithReporter wires the reporter whose status feeds the health endpoint.
func WithReporter(r *Reporter) HandlerOption {
	return func(h *Handler) { h.reporter = r }
}

// WithMonitorStreams registers a monitor's CSVStreams for read endpoints.
func WithMonitorStreams(name string, streams MonitorStreams) HandlerOption {
	return func(h *Handler) { h.streams[name] = streams }
}

// WithAction registers a triggerable action for a monitor.
func WithAction(name string, fn ActionFunc) HandlerOption {
	return func(h *Handler) { h.actions[name] = fn }
}

// NewHandler returns the Agent's HTTP surface. registry may be nil (health
// then reports empty monitor status).
func NewHandler(hostname, fleetURL string, registry *monitor.Registry, log *logrus.Entry, opts ...HandlerOption) http.Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	h := &Handler{
		hostname:  hostname,
		fleetURL:  fleetURL,
		startedAt: time.Now(),
		registry:  registry,
		streams:   map[string]MonitorStreams{},
		actions:   map[string]ActionFunc{},
		log:       log,
		pool:      newActionPool(8),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mountRoutes(mux,
		route{pattern: "/api/agent/health", method: http.MethodGet, handler: h.health},
		route{pattern: "/api/widget-logs", method: http.MethodPost, handler: h.widgetLogsIngest},
	)
	mux.HandleFunc("GET /api/{monitor}/status", h.monitorStatus)
	mux.HandleFunc("GET /api/{monitor}/history", h.monitorHistory)
	mux.HandleFunc("GET /api/{monitor}/export", h.monitorExport)
	mux.HandleFunc("POST /api/{monitor}/action", h.monitorAction)
	mux.HandleFunc("GET /api/actions/{id}", h.actionStatus)
	return mux
}

// healthResponse is the exact shape the Agent health endpoint returns.
type healthResponse struct {
	Status             string        `json:"status"`
	AgentVersion       string        `json:"agent_version"`
	UptimeS            int64         `json:"uptime_s"`
	Hostname           string        `json:"hostname"`
	Timestamp          time.Time     `json:"timestamp"`
	FleetServerURL     string        `json:"fleet_server_url"`
	LastFleetReportTS  *time.Time    `json:"last_fleet_report_ts,omitempty"`
	Monitors           map[string]bool `json:"monitors"`
	System             healthSystem  `json:"system"`
	Responsive         bool          `json:"responsive"`
}

type healthSystem struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	MemAvailGB float64 `json:"mem_avail_gb"`
}

// health never blocks on a monitor cycle: it only reads cached registry
// state and takes near-instant system snapshots.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		AgentVersion:   AgentVersion,
		UptimeS:        int64(time.Since(h.startedAt).Seconds()),
		Hostname:       h.hostname,
		Timestamp:      time.Now().UTC(),
		FleetServerURL: h.fleetURL,
		Monitors:       map[string]bool{},
		Responsive:     true,
	}

	if h.registry != nil {
		resp.Monitors = h.registry.StatusSnapshot()
	}
	if h.reporter != nil {
		status := h.reporter.Status()
		resp.LastFleetReportTS = status.LastReportTS
		if status.Stopped {
			resp.Status = "degraded"
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		resp.System.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resp.System.MemPercent = vm.UsedPercent
		resp.System.MemAvailGB = float64(vm.Available) / (1 << 30)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) monitorStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("monitor")
	if h.registry == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown monitor %q", name))
		return
	}
	runner, ok := h.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown monitor %q", name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        runner.Name(),
		"state":       runner.State().String(),
		"last_result": runner.LastResult(),
	})
}

func (h *Handler) monitorHistory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("monitor")
	streams, ok := h.streams[name]
	if !ok || streams.Data == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown monitor %q", name))
		return
	}
	writeJSON(w, http.StatusOK, streams.Data.Tail())
}

func (h *Handler) monitorExport(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("monitor")
	streams, ok := h.streams[name]
	if !ok || streams.Data == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown monitor %q", name))
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", name))
	http.ServeFile(w, r, streams.Data.Path())
}

// monitorAction dispatches a long-running action to the worker pool and
// returns 202 immediately with a polling id. An idempotency key is
// required so retries do not double-trigger actions.
func (h *Handler) monitorAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("monitor")
	action, ok := h.actions[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no action for monitor %q", name))
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("Idempotency-Key header is required"))
		return
	}

	var params map[string]any
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &params); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	actionID, _ := h.pool.dispatch(idempotencyKey, func(ctx context.Context) (any, error) {
		return action(ctx, params)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"action_id": actionID})
}

func (h *Handler) actionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, done, ok := h.pool.status(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action id"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"done": done, "result": result})
}

func (h *Handler) widgetLogsIngest(w http.ResponseWriter, r *http.Request) {
	var events []json.RawMessage
	if err := decodeJSON(r.Body, &events); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.widgetLogMu.Lock()
	h.widgetLogs = append(h.widgetLogs, events...)
	h.widgetLogMu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "ref": uuid.NewString()})
}

// actionPool tracks dispatched long-running actions by id, bounded by a
// fixed worker count. An action runs until it returns or its actionTimeout
// context expires; there is no operation to cancel an action by id.
type actionPool struct {
	sem chan struct{}

	mu      sync.Mutex
	byKey   map[string]string // idempotency key -> action id
	results map[string]*actionRecord
}

type actionRecord struct {
	done   bool
	result any
	err    error
}

func newActionPool(concurrency int) *actionPool {
	return &actionPool{
		sem:     make(chan struct{}, concurrency),
		byKey:   map[string]string{},
		results: map[string]*actionRecord{},
	}
}

func (p *actionPool) dispatch(idempotencyKey string, fn func(ctx context.Context) (any, error)) (actionID string, duplicate bool) {
	p.mu.Lock()
	if existing, ok := p.byKey[idempotencyKey]; ok {
		p.mu.Unlock()
		return existing, true
	}
	id := uuid.NewString()
	p.byKey[idempotencyKey] = id
	p.results[id] = &actionRecord{}
	p.mu.Unlock()

	go func() {
		p.sem <- struct{}{}
		defer func() { <-p.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		result, err := fn(ctx)

		p.mu.Lock()
		p.results[id] = &actionRecord{done: true, result: result, err: err}
		p.mu.Unlock()
	}()

	return id, false
}

func (p *actionPool) status(id string) (result any, done bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, exists := p.results[id]
	if !exists {
		return nil, false, false
	}
	if rec.err != nil {
		return map[string]string{"error": rec.err.Error()}, rec.done, true
	}
	return rec.result, rec.done, true
}

// Hostname resolves the local hostname, falling back to "unknown" rather
// than failing composition root startup over a cosmetic detail.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
