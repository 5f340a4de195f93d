// Package agent implements the Agent-side composition: the periodic
// reporter that pushes metric snapshots to the Fleet Server, and the local
// HTTP surface exposing health/monitor status.
package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/envelope"
	"github.com/sraths91/atlas-sub001/internal/model"
)

// ReportPayload is the unencrypted body of one report.
type ReportPayload struct {
	MachineID   string              `json:"machine_id"`
	MachineInfo model.MachineInfo   `json:"machine_info"`
	Metrics     model.MetricSample  `json:"metrics"`
}

// SnapshotFunc produces the next report payload. Supplied by the
// composition root, which owns the monitor registry and machine identity.
type SnapshotFunc func(ctx context.Context) (ReportPayload, error)

// ReporterConfig configures a Reporter.
type ReporterConfig struct {
	FleetURL      string
	APIKey        string
	EncryptionKey []byte // nil disables envelope sealing (plaintext report)
	Interval      time.Duration
	MaxBackoff    time.Duration
}

// reporterErrKind classifies the last reporting failure for the health
// endpoint to surface via the health endpoint.
type reporterErrKind int32

const (
	reporterErrNone reporterErrKind = iota
	reporterErrTransient
	reporterErrAuth
	reporterErrDecryptRejected
)

// Reporter implements snapshot -> seal -> pooled HTTPS POST, with
// exponential-backoff-with-jitter retry capped at the report interval,
// last-writer-wins queuing (depth 1), and a hard stop on 401/403/decrypt-
// rejected rather than endless retry.
type Reporter struct {
	cfg      ReporterConfig
	snapshot SnapshotFunc
	client   *http.Client
	log      *logrus.Entry

	queue chan ReportPayload

	lastErrKind  atomic.Int32
	lastReportAt atomic.Int64 // unix nanos, 0 if never
	stopped      atomic.Bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewReporter builds a Reporter using a single pooled *http.Client, to
// avoid per-request handshakes.
func NewReporter(cfg ReporterConfig, snapshot SnapshotFunc, log *logrus.Entry) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = cfg.Interval
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Reporter{
		cfg: cfg,
		snapshot: snapshot,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log:   log,
		queue: make(chan ReportPayload, 1), // last-writer-wins depth
	}
}

// Start spawns the snapshot-producer loop and the sender loop as separate
// goroutines so a slow/backing-off send never delays the next snapshot; the
// depth-1 channel enforces last-writer-wins.
func (r *Reporter) Start(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(2)
	go r.produceLoop(cctx)
	go r.sendLoop(cctx)
}

// Stop cancels both loops and waits for them to exit.
func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reporter) produceLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.stopped.Load() {
				continue
			}
			payload, err := r.snapshot(ctx)
			if err != nil {
				r.log.WithError(err).Warn("reporter: snapshot failed")
				continue
			}
			// Drain any stale queued payload first: oldest unsent is
			// dropped in favor of newest.
			select {
			case <-r.queue:
			default:
			}
			select {
			case r.queue <- payload:
			default:
			}
		}
	}
}

func (r *Reporter) sendLoop(ctx context.Context) {
	defer r.wg.Done()
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-r.queue:
			if r.stopped.Load() {
				continue
			}
			err := r.send(ctx, payload)
			if err == nil {
				r.lastErrKind.Store(int32(reporterErrNone))
				r.lastReportAt.Store(time.Now().UnixNano())
				backoff = time.Second
				continue
			}

			switch classifyReportErr(err) {
			case reporterErrAuth, reporterErrDecryptRejected:
				r.lastErrKind.Store(int32(classifyReportErr(err)))
				r.stopped.Store(true)
				r.log.WithError(err).Error("reporter: stopping after auth/decrypt rejection")
			default:
				r.lastErrKind.Store(int32(reporterErrTransient))
				r.log.WithError(err).Debug("reporter: transient send failure, backing off")
				jittered := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
				if jittered > r.cfg.MaxBackoff {
					jittered = r.cfg.MaxBackoff
				}
				select {
				case <-time.After(jittered):
				case <-ctx.Done():
					return
				}
				backoff *= 2
				if backoff > r.cfg.MaxBackoff {
					backoff = r.cfg.MaxBackoff
				}
			}
		}
	}
}

// reportAuthError and reportDecryptError let send tag the specific
// terminal failure kinds the loop must stop on.
type reportAuthError struct{ status int }

func (e *reportAuthError) Error() string { return fmt.Sprintf("reporter: auth rejected (status %d)", e.status) }

type reportDecryptError struct{}

func (e *reportDecryptError) Error() string { return "reporter: fleet server rejected envelope (decrypt)" }

func classifyReportErr(err error) reporterErrKind {
	switch err.(type) {
	case *reportAuthError:
		return reporterErrAuth
	case *reportDecryptError:
		return reporterErrDecryptRejected
	default:
		return reporterErrTransient
	}
}

func (r *Reporter) send(ctx context.Context, payload ReportPayload) error {
	body, err := r.buildBody(payload)
	if err != nil {
		return fmt.Errorf("reporter: build body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.FleetURL+"/api/fleet/report", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", r.cfg.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return err // network-shaped: dial/timeout/reset
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &reportAuthError{status: resp.StatusCode}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return &reportDecryptError{}
	case resp.StatusCode >= 500:
		return fmt.Errorf("reporter: server error %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("reporter: rejected with status %d", resp.StatusCode)
	}
	return nil
}

func (r *Reporter) buildBody(payload ReportPayload) ([]byte, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if len(r.cfg.EncryptionKey) == 0 {
		return plain, nil
	}

	nonce, ciphertext, err := envelope.Seal(r.cfg.EncryptionKey, plain, []byte(model.ReportAAD))
	if err != nil {
		return nil, fmt.Errorf("seal report: %w", err)
	}
	wire := model.EncryptedPayload{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	return json.Marshal(wire)
}

// Status is the reporter's contribution to the Agent health endpoint:
// last report time and whether reporting has stopped.
type Status struct {
	Stopped      bool
	LastErrKind  string
	LastReportTS *time.Time
}

func (r *Reporter) Status() Status {
	status := Status{Stopped: r.stopped.Load()}
	switch reporterErrKind(r.lastErrKind.Load()) {
	case reporterErrAuth:
		status.LastErrKind = "auth_rejected"
	case reporterErrDecryptRejected:
		status.LastErrKind = "decrypt_rejected"
	case reporterErrTransient:
		status.LastErrKind = "transient"
	}
	if ns := r.lastReportAt.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		status.LastReportTS = &t
	}
	return status
}
