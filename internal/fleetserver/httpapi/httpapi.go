// Package httpapi implements the Fleet Server's human admin surface:
// machine list/detail, fleet summary, audit log, config read/write, and
// per-machine action dispatch; there is no alert-stream route. Every state-changing route
// requires a valid session plus a matching CSRF token; read routes
// require only a valid session.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/fleetserver/auth"
	"github.com/sraths91/atlas-sub001/internal/fleetserver/store"
	"github.com/sraths91/atlas-sub001/internal/model"
	"github.com/sraths91/atlas-sub001/internal/speedtest"
)

// ConfigStore is the narrow contract httpapi needs from
// internal/configstore, so this package does not depend on its concrete
// type.
type ConfigStore interface {
	Get(path string) (any, bool)
	Set(path string, value any)
	Snapshot() map[string]any
}

// AuditLog records admin actions for later review.
type AuditLog interface {
	Record(username, action, detail string, at time.Time)
	Recent(limit int) []AuditEntry
}

// AuditEntry is one row in the audit log.
type AuditEntry struct {
	Timestamp time.Time `json:"ts"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
}

// CommandDispatcher queues an action command for a machine, used by the
// admin "trigger monitor action on machine" route.
type CommandDispatcher interface {
	EnqueueCommand(machineID string, cmd model.CommandEnvelope) error
}

// Handler is the admin HTTP surface.
type Handler struct {
	registry   *store.Registry
	sessions   *auth.SessionStore
	users      auth.UserStore
	config     ConfigStore
	audit      AuditLog
	dispatcher CommandDispatcher
	speedtest  *speedtest.Store // nil: speed-test routes return 503
	devMode    bool
	log        *logrus.Entry
}

// Config configures a Handler.
type Config struct {
	Registry   *store.Registry
	Sessions   *auth.SessionStore
	Users      auth.UserStore
	Config     ConfigStore
	Audit      AuditLog
	Dispatcher CommandDispatcher
	SpeedTest  *speedtest.Store
	DevMode    bool
}

// NewHandler builds the admin Handler and mounts its routes on a fresh
// gorilla/mux.Router.
func NewHandler(cfg Config, log *logrus.Entry) http.Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	h := &Handler{
		registry:   cfg.Registry,
		sessions:   cfg.Sessions,
		users:      cfg.Users,
		config:     cfg.Config,
		audit:      cfg.Audit,
		dispatcher: cfg.Dispatcher,
		speedtest:  cfg.SpeedTest,
		devMode:    cfg.DevMode,
		log:        log,
	}
	if h.devMode {
		h.log.Warn("fleet server admin surface running in dev_mode: session cookie Secure flag is relaxed")
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/auth/login", h.login).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", h.sessions.RequireSession(h.logout)).Methods(http.MethodPost)

	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.HandleFunc("/machines", h.sessions.RequireSession(h.listMachines)).Methods(http.MethodGet)
	admin.HandleFunc("/machines/{id}", h.sessions.RequireSession(h.getMachine)).Methods(http.MethodGet)
	admin.HandleFunc("/fleet/summary", h.sessions.RequireSession(h.fleetSummary)).Methods(http.MethodGet)
	admin.HandleFunc("/audit", h.sessions.RequireSession(h.auditLog)).Methods(http.MethodGet)
	admin.HandleFunc("/config", h.sessions.RequireSession(h.getConfig)).Methods(http.MethodGet)
	admin.HandleFunc("/config", h.sessions.RequireCSRF(h.setConfig)).Methods(http.MethodPut)
	admin.HandleFunc("/machines/{id}/actions", h.sessions.RequireCSRF(h.dispatchAction)).Methods(http.MethodPost)

	admin.HandleFunc("/fleet/speedtest/summary", h.sessions.RequireSession(h.speedtestSummary)).Methods(http.MethodGet)
	admin.HandleFunc("/fleet/speedtest/comparison", h.sessions.RequireSession(h.speedtestComparison)).Methods(http.MethodGet)
	admin.HandleFunc("/fleet/speedtest/machine/{id}", h.sessions.RequireSession(h.speedtestMachine)).Methods(http.MethodGet)
	admin.HandleFunc("/fleet/speedtest/anomalies/{id}", h.sessions.RequireSession(h.speedtestAnomalies)).Methods(http.MethodGet)
	admin.HandleFunc("/fleet/speedtest/recent", h.sessions.RequireSession(h.speedtestRecent)).Methods(http.MethodGet)

	return r
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ok, err := auth.VerifyAndMigrate(h.users, req.Username, req.Password)
	if err != nil {
		h.log.WithError(err).Warn("httpapi: login verification error")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	sess, err := h.sessions.Issue(w, req.Username, !h.devMode)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.recordAudit(req.Username, "login", "")
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": sess.CSRFToken})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Revoke(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listMachines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.FleetSummary(time.Now().UTC()))
}

func (h *Handler) getMachine(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, liveness, ok := h.registry.Get(id, time.Now().UTC())
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machine": m, "liveness": liveness})
}

func (h *Handler) fleetSummary(w http.ResponseWriter, r *http.Request) {
	summary := h.registry.FleetSummary(time.Now().UTC())
	counts := map[model.Liveness]int{}
	for _, s := range summary {
		counts[s.Liveness]++
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(summary), "by_liveness": counts, "machines": summary})
}

func (h *Handler) auditLog(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, http.StatusOK, []AuditEntry{})
		return
	}
	writeJSON(w, http.StatusOK, h.audit.Recent(200))
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	if h.config == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, h.config.Snapshot())
}

type setConfigRequest struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

func (h *Handler) setConfig(w http.ResponseWriter, r *http.Request) {
	var req setConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if h.config == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	h.config.Set(req.Path, req.Value)
	h.recordAudit(sessionUsername(h.sessions, r), "set_config", req.Path)
	w.WriteHeader(http.StatusNoContent)
}

type actionRequest struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

func (h *Handler) dispatchAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	cmd := model.CommandEnvelope{CommandID: uuid.NewString(), Type: req.Type, Params: req.Params, IssuedTS: time.Now().UTC()}
	if err := h.dispatcher.EnqueueCommand(id, cmd); err != nil {
		if errors.Is(err, store.ErrQueueFull) {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.recordAudit(sessionUsername(h.sessions, r), "dispatch_action", id+":"+req.Type)
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": cmd.CommandID})
}

// windowHours parses the ?window_hours= query param, defaulting to 24h.
func windowHours(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("window_hours")
	if raw == "" {
		return 24 * time.Hour
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(hours) * time.Hour
}

func (h *Handler) speedtestSummary(w http.ResponseWriter, r *http.Request) {
	if h.speedtest == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	summary, err := h.speedtest.FleetSummary(r.Context(), windowHours(r))
	if err != nil {
		h.log.WithError(err).Warn("httpapi: speedtest fleet summary failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) speedtestComparison(w http.ResponseWriter, r *http.Request) {
	if h.speedtest == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	cmp, err := h.speedtest.Comparison(r.Context(), windowHours(r))
	if err != nil {
		h.log.WithError(err).Warn("httpapi: speedtest comparison failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (h *Handler) speedtestMachine(w http.ResponseWriter, r *http.Request) {
	if h.speedtest == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	stats, err := h.speedtest.MachineStats(r.Context(), id, windowHours(r))
	if err != nil {
		h.log.WithError(err).Warn("httpapi: speedtest machine stats failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) speedtestAnomalies(w http.ResponseWriter, r *http.Request) {
	if h.speedtest == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	threshold := speedtest.DefaultAnomalyThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			threshold = parsed
		}
	}
	anomalies, err := h.speedtest.Anomalies(r.Context(), id, windowHours(r), threshold)
	if err != nil {
		h.log.WithError(err).Warn("httpapi: speedtest anomalies failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, anomalies)
}

func (h *Handler) speedtestRecent(w http.ResponseWriter, r *http.Request) {
	if h.speedtest == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	machineID := r.URL.Query().Get("machine_id")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	results, err := h.speedtest.Recent(r.Context(), machineID, windowHours(r), limit)
	if err != nil {
		h.log.WithError(err).Warn("httpapi: speedtest recent failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) recordAudit(username, action, detail string) {
	if h.audit != nil {
		h.audit.Record(username, action, detail, time.Now().UTC())
	}
}

func sessionUsername(sessions *auth.SessionStore, r *http.Request) string {
	if sess, ok := sessions.Lookup(r); ok {
		return sess.Username
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
