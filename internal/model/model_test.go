package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveLivenessTable(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	timeout := 60 * time.Second

	cases := []struct {
		name     string
		age      time.Duration
		probe    HealthStatus
		expected Liveness
	}{
		{"healthy", 10 * time.Second, HealthReachable, LivenessHealthy},
		{"reporting but unreachable", 10 * time.Second, HealthUnreachable, LivenessReportingButUnreachable},
		{"reachable but not reporting", 120 * time.Second, HealthReachable, LivenessReachableButNotReporting},
		{"offline via unreachable", 120 * time.Second, HealthUnreachable, LivenessOffline},
		{"offline via timeout", 120 * time.Second, HealthTimeout, LivenessOffline},
		{"unhealthy overrides age", 10 * time.Second, HealthUnhealthy, LivenessUnhealthy},
		{"slow response while still reporting", 10 * time.Second, HealthTimeout, LivenessSlowResponse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Machine{
				LastSeen: now.Add(-tc.age),
				Probe:    HealthProbeResult{Status: tc.probe},
			}
			assert.Equal(t, tc.expected, DeriveLiveness(m, now, timeout))
		})
	}
}

func TestDeriveLivenessNoProbeYet(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	timeout := 60 * time.Second

	fresh := Machine{LastSeen: now.Add(-5 * time.Second)}
	assert.Equal(t, LivenessHealthy, DeriveLiveness(fresh, now, timeout))

	stale := Machine{LastSeen: now.Add(-5 * time.Minute)}
	assert.Equal(t, LivenessOffline, DeriveLiveness(stale, now, timeout))
}
