package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sraths91/atlas-sub001/internal/fleetserver/auth"
	"github.com/sraths91/atlas-sub001/internal/fleetserver/store"
	"github.com/sraths91/atlas-sub001/internal/model"
)

type fakeUsers struct {
	hash string
}

func (f *fakeUsers) GetUser(username string) (auth.UserRecord, bool) {
	if username != "admin" {
		return auth.UserRecord{}, false
	}
	return auth.UserRecord{Username: "admin", BcryptHash: f.hash}, true
}

func (f *fakeUsers) SetBcryptHash(username, hash string) error {
	f.hash = hash
	return nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeDispatcher) EnqueueCommand(machineID string, cmd model.CommandEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if machineID == "ghost" {
		return fmt.Errorf("unknown machine")
	}
	if machineID == "full" {
		return store.ErrQueueFull
	}
	f.calls = append(f.calls, machineID+":"+cmd.Type)
	return nil
}

func newTestHandler(t *testing.T) (http.Handler, *fakeUsers, *auth.SessionStore) {
	t.Helper()
	hash, err := auth.HashPassword("s3cret-pass")
	require.NoError(t, err)
	users := &fakeUsers{hash: hash}
	sessions := auth.NewSessionStore(0)
	registry := store.New(time.Minute)
	require.NoError(t, registry.UpsertReport("m-1", model.MachineInfo{Hostname: "alpha"}, model.MetricSample{}, "", time.Now().UTC()))

	h := NewHandler(Config{
		Registry:   registry,
		Sessions:   sessions,
		Users:      users,
		Dispatcher: &fakeDispatcher{},
		DevMode:    true,
	}, nil)
	return h, users, sessions
}

func loginAndGetCookieCSRF(t *testing.T, h http.Handler, srv *httptest.Server) ([]*http.Cookie, string) {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Username: "admin", Password: "s3cret-pass"})
	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.Cookies(), out["csrf_token"]
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	h, _, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	body, _ := json.Marshal(loginRequest{Username: "admin", Password: "wrong"})
	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListMachinesRequiresSession(t *testing.T) {
	h, _, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/admin/machines")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListMachinesSucceedsWithSession(t *testing.T) {
	h, _, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	cookies, _ := loginAndGetCookieCSRF(t, h, srv)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/admin/machines", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var rows []store.MachineSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "alpha", rows[0].Hostname)
}

func TestDispatchActionRequiresCSRFToken(t *testing.T) {
	h, _, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	cookies, _ := loginAndGetCookieCSRF(t, h, srv)

	body, _ := json.Marshal(actionRequest{Type: "restart_monitor"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/admin/machines/m-1/actions", bytes.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDispatchActionReturnsConflictWhenQueueFull(t *testing.T) {
	h, _, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	cookies, csrf := loginAndGetCookieCSRF(t, h, srv)

	body, _ := json.Marshal(actionRequest{Type: "restart_monitor"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/admin/machines/full/actions", bytes.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	req.Header.Set("X-CSRF-Token", csrf)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSpeedTestSummaryReturnsUnavailableWithoutBackingStore(t *testing.T) {
	h, _, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	cookies, _ := loginAndGetCookieCSRF(t, h, srv)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/admin/fleet/speedtest/summary", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDispatchActionSucceedsWithCSRFToken(t *testing.T) {
	h, _, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	cookies, csrf := loginAndGetCookieCSRF(t, h, srv)

	body, _ := json.Marshal(actionRequest{Type: "restart_monitor"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/admin/machines/m-1/actions", bytes.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	req.Header.Set("X-CSRF-Token", csrf)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}
