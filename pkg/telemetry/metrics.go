// Package telemetry provides the Prometheus metrics collectors shared by
// the Agent and the Fleet Server.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the collectors common to both processes plus a registerer
// so callers can add process-specific collectors without a global.
type Registry struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	MonitorCyclesTotal    *prometheus.CounterVec
	MonitorCycleDuration  *prometheus.HistogramVec
	MonitorCycleSkipped   *prometheus.CounterVec
	MonitorCycleErrors    *prometheus.CounterVec

	ReportsTotal   *prometheus.CounterVec
	ReportsDropped prometheus.Counter

	ProbesTotal  *prometheus.CounterVec
	MachinesKnown prometheus.Gauge
}

// New constructs a Registry registered against a fresh, process-local
// registry (never the global DefaultRegisterer, so Agent and Server in the
// same test binary never collide).
func New(service string) *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		Registerer: reg,
		Gatherer:   reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_http_requests_total",
			Help: "Total HTTP requests served.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atlas_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"method", "path"}),

		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atlas_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
			ConstLabels: prometheus.Labels{"service": service},
		}),

		MonitorCyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_monitor_cycles_total",
			Help: "Completed monitor run_cycle invocations.",
		}, []string{"monitor"}),

		MonitorCycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atlas_monitor_cycle_duration_seconds",
			Help:    "Duration of a monitor run_cycle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"monitor"}),

		MonitorCycleSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_monitor_cycle_skipped_total",
			Help: "Monitor cycles skipped because the previous cycle overran its period.",
		}, []string{"monitor"}),

		MonitorCycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_monitor_cycle_errors_total",
			Help: "Monitor run_cycle invocations that returned an error.",
		}, []string{"monitor", "kind"}),

		ReportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_reports_total",
			Help: "Fleet reports processed, by outcome.",
		}, []string{"outcome"}),

		ReportsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atlas_reports_dropped_total",
			Help: "Reporter payloads dropped in favor of a newer one (last-writer-wins).",
		}),

		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_probes_total",
			Help: "Active health probes issued by the Fleet Server, by classification.",
		}, []string{"status"}),

		MachinesKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atlas_machines_known",
			Help: "Machines currently known to the registry.",
		}),
	}

	reg.MustRegister(
		r.HTTPRequestsTotal, r.HTTPRequestDuration, r.HTTPRequestsInFlight,
		r.MonitorCyclesTotal, r.MonitorCycleDuration, r.MonitorCycleSkipped, r.MonitorCycleErrors,
		r.ReportsTotal, r.ReportsDropped, r.ProbesTotal, r.MachinesKnown,
	)
	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer, promhttp.HandlerOpts{})
}
