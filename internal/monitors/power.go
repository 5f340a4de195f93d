package monitors

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/csvstream"
	"github.com/sraths91/atlas-sub001/internal/monitor"
)

// PowerReading is one shim's snapshot of battery/thermal state. No portable
// Go API exposes cycle count, design/max capacity, or thermal pressure;
// these come from `system_profiler SPPowerDataType` on macOS.
type PowerReading struct {
	HealthPercent      float64
	CycleCount         int
	DesignCapacityMAh  int
	MaxCapacityMAh     int
	ThermalPressure    string // "nominal", "moderate", "heavy", "critical"
	ThrottleEventCount int    // rolling count over the last 24h, shim-tracked
}

// PowerParseFunc turns raw `system_profiler SPPowerDataType` output into a
// PowerReading.
type PowerParseFunc func(raw []byte) (PowerReading, error)

// PowerMonitor samples battery health, cycle count, capacities, thermal
// pressure, and throttle event count on a 120s cadence, obeying the
// >=120s / >=10min-cache system_profiler constraint.
type PowerMonitor struct {
	parse   PowerParseFunc
	limiter *monitor.ProbeLimiter
	binary  monitor.BinaryAvailability
	stream  *csvstream.Stream
	log     *logrus.Entry
}

func NewPowerMonitor(dataPath string, parse PowerParseFunc, log *logrus.Entry) (*PowerMonitor, error) {
	stream, err := csvstream.Open(dataPath, []string{
		csvstream.TimestampField, "health_pct", "cycle_count", "design_capacity_mah", "max_capacity_mah", "thermal_pressure", "throttle_events_24h",
	}, 100, 30)
	if err != nil {
		return nil, fmt.Errorf("power monitor: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &PowerMonitor{
		parse:   parse,
		limiter: monitor.NewProbeLimiter(monitor.MinIntervalSPPower, monitor.CacheTTLSPPower),
		stream:  stream,
		log:     log,
	}, nil
}

func (m *PowerMonitor) Name() string { return "power" }

func (m *PowerMonitor) DefaultInterval() time.Duration { return 120 * time.Second }

func (m *PowerMonitor) Streams() (data, events *csvstream.Stream) { return m.stream, nil }

func (m *PowerMonitor) RunCycle(ctx context.Context) (any, error) {
	if !m.binary.Check("system_profiler") || m.parse == nil {
		return nil, asTransient(ErrNoShim)
	}

	raw, err := m.limiter.Invoke(func() (any, error) {
		return monitor.RunBounded(ctx, boundedTimeout, "system_profiler", "SPPowerDataType")
	})
	if err != nil {
		return nil, asTransient(err)
	}

	rawBytes, _ := raw.([]byte)
	reading, err := m.parse(rawBytes)
	if err != nil {
		return nil, fmt.Errorf("power monitor: parse: %w", err)
	}

	appendOrLog(m.log, m.stream, m.Name(), nowRecord(map[string]string{
		"health_pct":          fmt.Sprintf("%.1f", reading.HealthPercent),
		"cycle_count":         strconv.Itoa(reading.CycleCount),
		"design_capacity_mah": strconv.Itoa(reading.DesignCapacityMAh),
		"max_capacity_mah":    strconv.Itoa(reading.MaxCapacityMAh),
		"thermal_pressure":    reading.ThermalPressure,
		"throttle_events_24h": strconv.Itoa(reading.ThrottleEventCount),
	}))

	return reading, nil
}
