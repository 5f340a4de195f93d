// Package model defines the tagged, explicit-schema records shared across
// the Agent and the Fleet Server: Machine, MetricSample,
// HealthProbeResult, Liveness (the derived combined-liveness state),
// Alert, CommandEnvelope, and EncryptedPayload. JSON is the interchange format; this package is the
// internal model it is decoded into and encoded from.
package model

import "time"

// HealthStatus is the classification of an active health probe result.
type HealthStatus string

const (
	HealthReachable HealthStatus = "reachable"
	HealthTimeout HealthStatus = "timeout"
	HealthUnreachable HealthStatus = "unreachable"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthError HealthStatus = "error"
)

// Liveness is the derived combined-liveness state for a machine.
type Liveness string

const (
	LivenessHealthy Liveness = "healthy"
	LivenessReportingButUnreachable Liveness = "reporting_but_unreachable"
	LivenessReachableButNotReporting Liveness = "reachable_but_not_reporting"
	LivenessOffline Liveness = "offline"
	LivenessUnhealthy Liveness = "unhealthy"
	LivenessSlowResponse Liveness = "slow_response"
)

// MachineInfo is the static/slow-changing descriptor an Agent reports about
// its host.
type MachineInfo struct {
	OS string `json:"os"`
	Arch string `json:"arch"`
	OSVersion string `json:"os_version"`
	Hostname string `json:"hostname"`
	TotalMemory uint64 `json:"total_memory_bytes"`
	HardwareSerial string `json:"hardware_serial,omitempty"`
	AgentVersion string `json:"agent_version"`
	LocalIP string `json:"local_ip,omitempty"`
}

// BatteryState describes the optional battery reading in a MetricSample.
type BatteryState struct {
	Percent float64 `json:"percent"`
	Plugged bool `json:"plugged"`
}

// MetricSample is a timestamped immutable record for one machine.
type MetricSample struct {
	Timestamp time.Time `json:"ts"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryUsed uint64 `json:"memory_used_bytes"`
	MemoryTotal uint64 `json:"memory_total_bytes"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskUsed uint64 `json:"disk_used_bytes"`
	DiskTotal uint64 `json:"disk_total_bytes"`
	DiskPercent float64 `json:"disk_percent"`
	NetBytesSent uint64 `json:"net_bytes_sent"`
	NetBytesRecv uint64 `json:"net_bytes_recv"`
	Battery *BatteryState `json:"battery,omitempty"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	UptimeSeconds *uint64 `json:"uptime_s,omitempty"`
}

// HealthProbeResult is the outcome of one active probe against an Agent's
// health endpoint.
type HealthProbeResult struct {
	Status HealthStatus `json:"status"`
	LastCheckTS time.Time `json:"last_check_ts"`
	LatencyMS float64 `json:"latency_ms"`
	Error string `json:"error,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	AgentUptimeS uint64 `json:"agent_uptime_s,omitempty"`
	Responsive bool `json:"responsive"`
	Inner any `json:"inner_payload,omitempty"`
}

// Alert is produced by monitors/the server when a threshold is crossed.
type Alert struct {
	Timestamp time.Time `json:"ts"`
	AlertType string `json:"alert_type"`
	Value float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Severity string `json:"severity"`
	Message string `json:"message"`
	MachineID string `json:"machine_id,omitempty"`
}

// CommandEnvelope is one queued, acknowledgeable command for a machine.
type CommandEnvelope struct {
	CommandID string `json:"command_id"`
	Type string `json:"type"`
	Params map[string]any `json:"params,omitempty"`
	IssuedTS time.Time `json:"issued_ts"`
	AckTS *time.Time `json:"ack_ts,omitempty"`
	Result any `json:"result,omitempty"`
}

// EncryptedPayload is the wire shape of an AEAD-sealed envelope.
type EncryptedPayload struct {
	Nonce string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag string `json:"tag,omitempty"`
}

// ReportAAD is the additional authenticated data both the Agent and the
// Fleet Server bind an encrypted report envelope to. It is a fixed purpose
// tag rather than the reporting machine's id: the machine id travels inside
// the encrypted body, not alongside the envelope, so it is not available to
// the Fleet Server until after a successful Open — a fixed tag is the only
// value both sides can supply before decryption.
const ReportAAD = "fleet.report.v1"

// Machine is the server's registry record for one endpoint.
type Machine struct {
	MachineID string `json:"machine_id"`
	Info MachineInfo `json:"machine_info"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen time.Time `json:"last_seen"`
	LocalIP string `json:"local_ip,omitempty"`
	History []MetricSample `json:"metrics_history"`
	Probe HealthProbeResult `json:"health_probe"`
	Commands []CommandEnvelope `json:"commands,omitempty"`
}

// ReportingTimeout is the default age at which a machine is considered
// no-longer-reporting absent any other signal (Combined liveness).
const ReportingTimeout = 60 * time.Second

// DeriveLiveness combines an Agent's last active-probe status with its
// report recency into one liveness verdict. now and reportingTimeout are
// explicit parameters so the derivation stays a pure function of the
// machine and the caller's clock/policy; liveness is computed on read,
// never stored.
func DeriveLiveness(m Machine, now time.Time, reportingTimeout time.Duration) Liveness {
	age := now.Sub(m.LastSeen)
	reporting := age < reportingTimeout

	switch m.Probe.Status {
	case HealthUnhealthy:
		return LivenessUnhealthy
	case HealthTimeout:
		if reporting {
			return LivenessSlowResponse
		}
		return LivenessOffline
	case HealthReachable:
		if reporting {
			return LivenessHealthy
		}
		return LivenessReachableButNotReporting
	case HealthUnreachable:
		if reporting {
			return LivenessReportingButUnreachable
		}
		return LivenessOffline
	default:
		// No probe has ever completed: liveness is driven by report age alone.
		if reporting {
			return LivenessHealthy
		}
		return LivenessOffline
	}
}

const (
	// MaxMetricHistory bounds per-machine metric history.
	MaxMetricHistory = 100
	// MaxCommandQueue bounds per-machine command queue depth.
	MaxCommandQueue = 50
)
