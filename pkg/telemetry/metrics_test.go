package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectorsWithoutPanicking(t *testing.T) {
	reg := New("agent")
	require.NotNil(t, reg)

	reg.HTTPRequestsTotal.WithLabelValues("GET", "/api/agent/health", "200").Inc()
	reg.MonitorCyclesTotal.WithLabelValues("ping").Inc()
	reg.MachinesKnown.Set(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	reg.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "atlas_http_requests_total")
	assert.Contains(t, rec.Body.String(), "atlas_machines_known 3")
}

func TestTwoRegistriesDoNotCollide(t *testing.T) {
	a := New("agent")
	b := New("server")
	assert.NotPanics(t, func() {
		a.MachinesKnown.Set(1)
		b.MachinesKnown.Set(2)
	})
}
