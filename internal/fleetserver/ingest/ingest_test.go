package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sraths91/atlas-sub001/internal/envelope"
	"github.com/sraths91/atlas-sub001/internal/model"
)

type fakeStore struct {
	mu       sync.Mutex
	reports  []model.MetricSample
	commands map[string][]model.CommandEnvelope
	unknown  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{commands: map[string][]model.CommandEnvelope{}, unknown: map[string]bool{}}
}

func (f *fakeStore) UpsertReport(machineID string, info model.MachineInfo, sample model.MetricSample, localIP string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, sample)
	return nil
}

func (f *fakeStore) DrainCommands(machineID string) ([]model.CommandEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unknown[machineID] {
		return nil, fmt.Errorf("unknown machine")
	}
	cmds := f.commands[machineID]
	f.commands[machineID] = nil
	return cmds, nil
}

func (f *fakeStore) EnqueueCommand(machineID string, cmd model.CommandEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands[machineID] = append(f.commands[machineID], cmd)
	return nil
}

func (f *fakeStore) AckCommand(machineID, commandID string, result any, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unknown[machineID] {
		return fmt.Errorf("unknown machine")
	}
	return nil
}

func TestReportRequiresAPIKey(t *testing.T) {
	h := NewHandler(newFakeStore(), nil, Config{APIKey: "secret"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/fleet/report", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReportAcceptsPlaintextPayloadWithValidKey(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(store, nil, Config{APIKey: "secret"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body, err := json.Marshal(reportEnvelope{
		MachineID: "m-1",
		Metrics:   model.MetricSample{CPUPercent: 50},
	})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/fleet/report", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, store.reports, 1)
	assert.Equal(t, 50.0, store.reports[0].CPUPercent)
}

func TestReportRejectsMissingMachineID(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(store, nil, Config{APIKey: "secret"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body, _ := json.Marshal(reportEnvelope{Metrics: model.MetricSample{CPUPercent: 1}})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/fleet/report", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, store.reports)
}

// TestReportAcceptsEnvelopeSealedWithTheSharedAAD guards the Agent/Fleet
// Server pairing: both sides must seal and open under the same additional
// authenticated data, or every encrypted report fails tag verification.
func TestReportAcceptsEnvelopeSealedWithTheSharedAAD(t *testing.T) {
	store := newFakeStore()
	key := make([]byte, envelope.KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	h := NewHandler(store, nil, Config{APIKey: "secret", EncryptionKey: key}, nil)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	plain, err := json.Marshal(reportEnvelope{
		MachineID: "m-sealed",
		Metrics:   model.MetricSample{CPUPercent: 42},
	})
	require.NoError(t, err)
	nonce, ciphertext, err := envelope.Seal(key, plain, []byte(model.ReportAAD))
	require.NoError(t, err)
	body, err := json.Marshal(model.EncryptedPayload{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/fleet/report", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, store.reports, 1)
	assert.Equal(t, 42.0, store.reports[0].CPUPercent)
}

// TestReportRejectsEnvelopeSealedWithMismatchedAAD pins the failure mode a
// wrong AAD produces: a rejected tag, not a silently-accepted payload.
func TestReportRejectsEnvelopeSealedWithMismatchedAAD(t *testing.T) {
	store := newFakeStore()
	key := make([]byte, envelope.KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	h := NewHandler(store, nil, Config{APIKey: "secret", EncryptionKey: key}, nil)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	plain, err := json.Marshal(reportEnvelope{MachineID: "m-wrong-aad", Metrics: model.MetricSample{CPUPercent: 1}})
	require.NoError(t, err)
	nonce, ciphertext, err := envelope.Seal(key, plain, []byte("m-wrong-aad"))
	require.NoError(t, err)
	body, err := json.Marshal(model.EncryptedPayload{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/fleet/report", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Empty(t, store.reports)
}

func TestLongPollReturnsImmediatelyWhenCommandAlreadyQueued(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.EnqueueCommand("m-1", model.CommandEnvelope{CommandID: "c-1", Type: "restart_monitor"}))

	h := NewHandler(store, nil, Config{APIKey: "secret"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/fleet/commands/m-1", nil)
	req.Header.Set("X-API-Key", "secret")

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	elapsed := time.Since(start)

	var cmds []model.CommandEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cmds))
	require.Len(t, cmds, 1)
	assert.Equal(t, "c-1", cmds[0].CommandID)
	assert.Less(t, elapsed, 5*time.Second, "a queued command must return immediately, not wait out the long-poll window")
}

func TestLongPollReturnsNotFoundForUnknownMachine(t *testing.T) {
	store := newFakeStore()
	store.unknown["ghost"] = true

	h := NewHandler(store, nil, Config{APIKey: "secret"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/fleet/commands/ghost", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAckCommandRequiresCommandID(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(store, nil, Config{APIKey: "secret"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/fleet/commands/m-1/ack", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAckCommandAcceptsValidRequest(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(store, nil, Config{APIKey: "secret"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body, _ := json.Marshal(ackRequest{CommandID: "c-1", Result: "ok"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/fleet/commands/m-1/ack", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type fakeSpeedTestSink struct {
	mu      sync.Mutex
	inserts []string
}

func (f *fakeSpeedTestSink) InsertResult(ctx context.Context, machineID string, ts time.Time, download, upload, ping, jitter float64, serverName, isp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, machineID)
	return nil
}

func TestSpeedTestIngestForwardsToSink(t *testing.T) {
	sink := &fakeSpeedTestSink{}
	h := NewHandler(newFakeStore(), nil, Config{APIKey: "secret"}, nil)
	h.SetSpeedTestSink(sink)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body, _ := json.Marshal(speedTestReport{MachineID: "m-1", Ts: time.Now().UTC().Format(time.RFC3339), DownloadMbps: 100})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/fleet/speedtest", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, sink.inserts, 1)
	assert.Equal(t, "m-1", sink.inserts[0])
}

type fakeWidgetSink struct {
	mu      sync.Mutex
	batches [][]json.RawMessage
}

func (f *fakeWidgetSink) Ingest(machineID string, entries []json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, entries)
	return nil
}

func TestWidgetLogsIngestForwardsToSink(t *testing.T) {
	sink := &fakeWidgetSink{}
	h := NewHandler(newFakeStore(), sink, Config{APIKey: "secret"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/fleet/widget-logs?machine_id=m-1", bytes.NewReader([]byte(`[{"level":"info"}]`)))
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, sink.batches, 1)
}
