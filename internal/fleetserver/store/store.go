// Package store implements the Fleet Server's in-memory machine registry:
// a bounded per-machine history and command queue behind a two-tier lock
// (a registry-wide RWMutex for membership, a per-machine Mutex for
// serialized writes), with liveness always derived on read.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sraths91/atlas-sub001/internal/fleetserver/probe"
	"github.com/sraths91/atlas-sub001/internal/model"
)

// ErrQueueFull is returned by EnqueueCommand when machineID's command queue
// is already at model.MaxCommandQueue: a full queue means the machine isn't
// draining commands, and the caller (an admin dispatching an action) needs
// to know the command was rejected, not silently dropped behind it.
var ErrQueueFull = errors.New("store: command queue full")

// machineEntry pairs a Machine record with the lock that serializes writes
// to it. Holding the registry lock only to look up the entry, then this
// lock to mutate it, means one machine's slow write never blocks reads of
// another machine.
type machineEntry struct {
	mu sync.Mutex
	m  model.Machine
}

// DefaultAgentPort is the Agent HTTP port assumed when deriving probe
// targets, absent a configured override.
const DefaultAgentPort = 8767

// Registry is the Fleet Server's authoritative machine set.
type Registry struct {
	reportingTimeout time.Duration

	mu       sync.RWMutex
	machines map[string]*machineEntry

	agentScheme string
	agentPort   int
}

// New returns an empty Registry. reportingTimeout is passed through to
// model.DeriveLiveness on every read; 0 uses model.ReportingTimeout.
func New(reportingTimeout time.Duration) *Registry {
	if reportingTimeout <= 0 {
		reportingTimeout = model.ReportingTimeout
	}
	return &Registry{
		reportingTimeout: reportingTimeout,
		machines:         map[string]*machineEntry{},
		agentScheme:      "https",
		agentPort:        DefaultAgentPort,
	}
}

// SetAgentEndpoint overrides the scheme/port used to build probe target
// URLs from each machine's last-reported local_ip. Call before probing
// starts; it is not safe to call concurrently with ProbeTargets.
func (r *Registry) SetAgentEndpoint(scheme string, port int) {
	if scheme == "" {
		scheme = "https"
	}
	if port <= 0 {
		port = DefaultAgentPort
	}
	r.agentScheme, r.agentPort = scheme, port
}

// ProbeTargets implements probe.TargetLister: one target per machine whose
// local_ip is known, reachable at <scheme>://<local_ip>:<agent_port>.
func (r *Registry) ProbeTargets() []probe.Target {
	r.mu.RLock()
	entries := make([]*machineEntry, 0, len(r.machines))
	for _, e := range r.machines {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]probe.Target, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		id, ip := e.m.MachineID, e.m.LocalIP
		e.mu.Unlock()
		if ip == "" {
			continue
		}
		out = append(out, probe.Target{
			MachineID: id,
			URL:       fmt.Sprintf("%s://%s:%d", r.agentScheme, ip, r.agentPort),
		})
	}
	return out
}

// UpsertReport records a new metric sample for machineID, creating the
// machine record on first contact. History is capped at
// model.MaxMetricHistory, oldest dropped first.
func (r *Registry) UpsertReport(machineID string, info model.MachineInfo, sample model.MetricSample, localIP string, now time.Time) error {
	if machineID == "" {
		return fmt.Errorf("store: machine_id is required")
	}
	entry := r.entryFor(machineID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.m.MachineID == "" {
		entry.m.MachineID = machineID
		entry.m.FirstSeen = now
	}
	entry.m.Info = info
	entry.m.LastSeen = now
	entry.m.LocalIP = localIP
	entry.m.History = append(entry.m.History, sample)
	if len(entry.m.History) > model.MaxMetricHistory {
		entry.m.History = entry.m.History[len(entry.m.History)-model.MaxMetricHistory:]
	}
	return nil
}

// RecordProbeResult stores the outcome of an active health probe. Unlike
// UpsertReport, it never creates a new machine: a machine that has never
// reported is not something the probe scheduler should have been
// targeting.
func (r *Registry) RecordProbeResult(machineID string, probeResult model.HealthProbeResult) error {
	entry, ok := r.lookup(machineID)
	if !ok {
		return fmt.Errorf("store: unknown machine %q", machineID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.m.Probe = probeResult
	return nil
}

// EnqueueCommand appends a command to machineID's queue, bounded at
// model.MaxCommandQueue. A full queue rejects with ErrQueueFull rather than
// dropping the oldest entry: a dispatched command silently discarding an
// earlier one would be indistinguishable from success to the caller.
func (r *Registry) EnqueueCommand(machineID string, cmd model.CommandEnvelope) error {
	entry, ok := r.lookup(machineID)
	if !ok {
		return fmt.Errorf("store: unknown machine %q", machineID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if len(entry.m.Commands) >= model.MaxCommandQueue {
		return ErrQueueFull
	}
	entry.m.Commands = append(entry.m.Commands, cmd)
	return nil
}

// DrainCommands returns and clears machineID's pending (unacknowledged)
// command queue, for long-poll delivery.
func (r *Registry) DrainCommands(machineID string) ([]model.CommandEnvelope, error) {
	entry, ok := r.lookup(machineID)
	if !ok {
		return nil, fmt.Errorf("store: unknown machine %q", machineID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	pending := entry.m.Commands
	entry.m.Commands = nil
	return pending, nil
}

// AckCommand records a command's result and ack timestamp. Commands already
// drained (no longer in the queue) are not kept anywhere, so an ack for a
// drained command is a no-op rather than an error: the
// agent may ack after the server already considers the command delivered.
func (r *Registry) AckCommand(machineID, commandID string, result any, now time.Time) error {
	entry, ok := r.lookup(machineID)
	if !ok {
		return fmt.Errorf("store: unknown machine %q", machineID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	for i := range entry.m.Commands {
		if entry.m.Commands[i].CommandID == commandID {
			entry.m.Commands[i].AckTS = &now
			entry.m.Commands[i].Result = result
		}
	}
	return nil
}

// Get returns a snapshot copy of one machine record plus its derived
// liveness, or false if unknown.
func (r *Registry) Get(machineID string, now time.Time) (model.Machine, model.Liveness, bool) {
	entry, ok := r.lookup(machineID)
	if !ok {
		return model.Machine{}, "", false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	snap := entry.m
	snap.History = append([]model.MetricSample(nil), entry.m.History...)
	snap.Commands = append([]model.CommandEnvelope(nil), entry.m.Commands...)
	return snap, model.DeriveLiveness(snap, now, r.reportingTimeout), true
}

// MachineSummary is one row of a FleetSummary listing.
type MachineSummary struct {
	MachineID string         `json:"machine_id"`
	Hostname  string         `json:"hostname"`
	Liveness  model.Liveness `json:"liveness"`
	LastSeen  time.Time      `json:"last_seen"`
}

// FleetSummary computes combined liveness for every machine on read
// (liveness is derived, never persisted), in no particular order.
func (r *Registry) FleetSummary(now time.Time) []MachineSummary {
	r.mu.RLock()
	entries := make([]*machineEntry, 0, len(r.machines))
	for _, e := range r.machines {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]MachineSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, MachineSummary{
			MachineID: e.m.MachineID,
			Hostname:  e.m.Info.Hostname,
			Liveness:  model.DeriveLiveness(e.m, now, r.reportingTimeout),
			LastSeen:  e.m.LastSeen,
		})
		e.mu.Unlock()
	}
	return out
}

func (r *Registry) entryFor(machineID string) *machineEntry {
	r.mu.RLock()
	entry, ok := r.machines[machineID]
	r.mu.RUnlock()
	if ok {
		return entry
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.machines[machineID]; ok {
		return entry
	}
	entry = &machineEntry{}
	r.machines[machineID] = entry
	return entry
}

func (r *Registry) lookup(machineID string) (*machineEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.machines[machineID]
	return entry, ok
}

// snapshotDoc is the on-disk persisted shape: a periodic snapshot to
// survive restarts, rebuilt wholesale rather than incrementally.
type snapshotDoc struct {
	Machines map[string]model.Machine `json:"machines"`
}

// Snapshot serializes the whole registry to JSON for sealing by
// internal/envelope before it is written to disk.
func (r *Registry) Snapshot() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc := snapshotDoc{Machines: make(map[string]model.Machine, len(r.machines))}
	for id, e := range r.machines {
		e.mu.Lock()
		doc.Machines[id] = e.m
		e.mu.Unlock()
	}
	return json.Marshal(doc)
}

// Restore replaces the registry's contents from a snapshot produced by
// Snapshot. Intended for startup only; not safe to call concurrently with
// other registry access.
func (r *Registry) Restore(data []byte) error {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("store: restore: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.machines = make(map[string]*machineEntry, len(doc.Machines))
	for id, m := range doc.Machines {
		r.machines[id] = &machineEntry{m: m}
	}
	return nil
}
