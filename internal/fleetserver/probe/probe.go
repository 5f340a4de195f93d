// Package probe implements the Fleet Server's active health-probe
// scheduler: the server periodically calls each known machine's own
// /api/agent/health endpoint and records the result, independent of
// whether that machine is also pushing reports.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/model"
)

// Target is one machine to probe: its id and where to reach its Agent.
type Target struct {
	MachineID string
	URL       string // e.g. "https://10.0.0.5:8767"
}

// TargetLister supplies the current probe targets each cycle; grounded on
// the Fleet Server's registry, kept as an interface so the scheduler does
// not import the concrete store package.
type TargetLister interface {
	ProbeTargets() []Target
}

// ResultRecorder persists one probe's outcome.
type ResultRecorder interface {
	RecordProbeResult(machineID string, result model.HealthProbeResult) error
}

// DefaultPeriod is how often the scheduler re-probes the whole fleet.
const DefaultPeriod = 60 * time.Second

// DefaultMaxInFlight bounds concurrent in-flight probes via a semaphore.
const DefaultMaxInFlight = 32

// DefaultTimeout bounds a single probe call.
const DefaultTimeout = 5 * time.Second

// Scheduler runs one probe cycle across every target on a fixed period,
// bounding concurrency with a semaphore rather than spawning one goroutine
// per machine unconditionally.
type Scheduler struct {
	lister      TargetLister
	recorder    ResultRecorder
	client      *http.Client
	period      time.Duration
	maxInFlight int
	timeout     time.Duration
	log         *logrus.Entry
}

// Config configures a Scheduler; zero values fall back to the package
// defaults above.
type Config struct {
	Period      time.Duration
	MaxInFlight int
	Timeout     time.Duration
}

// NewScheduler builds a Scheduler.
func NewScheduler(lister TargetLister, recorder ResultRecorder, cfg Config, log *logrus.Entry) *Scheduler {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Scheduler{
		lister:      lister,
		recorder:    recorder,
		client:      &http.Client{Timeout: cfg.Timeout},
		period:      cfg.Period,
		maxInFlight: cfg.MaxInFlight,
		timeout:     cfg.Timeout,
		log:         log,
	}
}

// Run blocks, probing the fleet every period until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	targets := s.lister.ProbeTargets()
	if len(targets) == 0 {
		return
	}

	sem := make(chan struct{}, s.maxInFlight)
	done := make(chan struct{})
	remaining := len(targets)

	for _, target := range targets {
		target := target
		sem <- struct{}{}
		go func() {
			defer func() {
				<-sem
				done <- struct{}{}
			}()
			result := s.probeOne(ctx, target)
			if err := s.recorder.RecordProbeResult(target.MachineID, result); err != nil {
				s.log.WithError(err).WithField("machine_id", target.MachineID).Debug("probe: record result failed")
			}
		}()
	}

	for i := 0; i < remaining; i++ {
		<-done
	}
}

// agentHealthResponse mirrors the subset of internal/agent's health
// response the scheduler needs to classify a probe outcome.
type agentHealthResponse struct {
	Status       string `json:"status"`
	AgentVersion string `json:"agent_version"`
	UptimeS      int64  `json:"uptime_s"`
	Responsive   bool   `json:"responsive"`
}

func (s *Scheduler) probeOne(ctx context.Context, target Target) model.HealthProbeResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL+"/api/agent/health", nil)
	if err != nil {
		return model.HealthProbeResult{Status: model.HealthError, LastCheckTS: start, Error: err.Error()}
	}

	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		status := model.HealthUnreachable
		if ctx.Err() != nil {
			status = model.HealthTimeout
		}
		return model.HealthProbeResult{Status: status, LastCheckTS: start, LatencyMS: float64(latency.Milliseconds()), Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.HealthProbeResult{
			Status:      model.HealthUnhealthy,
			LastCheckTS: start,
			LatencyMS:   float64(latency.Milliseconds()),
			Error:       fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}

	var body agentHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.HealthProbeResult{Status: model.HealthError, LastCheckTS: start, LatencyMS: float64(latency.Milliseconds()), Error: err.Error()}
	}

	status := model.HealthReachable
	if !body.Responsive {
		status = model.HealthUnhealthy
	}
	return model.HealthProbeResult{
		Status:       status,
		LastCheckTS:  start,
		LatencyMS:    float64(latency.Milliseconds()),
		AgentVersion: body.AgentVersion,
		AgentUptimeS: uint64(body.UptimeS),
		Responsive:   body.Responsive,
	}
}
