package monitors

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/csvstream"
	"github.com/sraths91/atlas-sub001/internal/monitor"
)

// SMARTStatus is a disk's SMART health verdict. Reading real SMART
// attributes requires `ioreg`/IOKit access gopsutil does not expose; a
// shim supplies it via SMARTProbeFunc, defaulting to "unknown".
type SMARTStatus string

const (
	SMARTPassed  SMARTStatus = "passed"
	SMARTFailing SMARTStatus = "failing"
	SMARTUnknown SMARTStatus = "unknown"
)

// DiskReading combines gopsutil's portable capacity figures with an
// optional shim-supplied SMART verdict.
type DiskReading struct {
	MountPoint  string
	UsedBytes   uint64
	TotalBytes  uint64
	UsedPercent float64
	SMART       SMARTStatus
}

// SMARTProbeFunc returns the SMART verdict for mountPoint, or SMARTUnknown
// if no shim is wired.
type SMARTProbeFunc func(ctx context.Context, mountPoint string) SMARTStatus

// DiskHealthMonitor samples, on a 300s cadence, SMART status plus
// capacity for each configured mount point, rate-limited the same as
// other ioreg-class probes.
type DiskHealthMonitor struct {
	mountPoints []string
	smartProbe  SMARTProbeFunc
	limiters    map[string]*monitor.ProbeLimiter // one per mount point: each is its own ioreg-class probe
	stream      *csvstream.Stream
	log         *logrus.Entry
}

func NewDiskHealthMonitor(dataPath string, mountPoints []string, smartProbe SMARTProbeFunc, log *logrus.Entry) (*DiskHealthMonitor, error) {
	stream, err := csvstream.Open(dataPath, []string{
		csvstream.TimestampField, "mount", "used_bytes", "total_bytes", "used_pct", "smart_status",
	}, 100, 30)
	if err != nil {
		return nil, fmt.Errorf("disk health monitor: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	limiters := make(map[string]*monitor.ProbeLimiter, len(mountPoints))
	for _, mp := range mountPoints {
		limiters[mp] = monitor.NewProbeLimiter(monitor.MinIntervalIOReg, monitor.CacheTTLIOReg)
	}
	return &DiskHealthMonitor{
		mountPoints: mountPoints,
		smartProbe:  smartProbe,
		limiters:    limiters,
		stream:      stream,
		log:         log,
	}, nil
}

func (m *DiskHealthMonitor) Name() string { return "disk_health" }

func (m *DiskHealthMonitor) DefaultInterval() time.Duration { return 300 * time.Second }

// Streams returns this monitor's data stream and, where it has none, a nil
// events stream — the shape the HTTP surface needs to serve history/export.
func (m *DiskHealthMonitor) Streams() (data, events *csvstream.Stream) { return m.stream, nil }

func (m *DiskHealthMonitor) RunCycle(ctx context.Context) (any, error) {
	readings := make([]DiskReading, 0, len(m.mountPoints))

	for _, mp := range m.mountPoints {
		usage, err := disk.UsageWithContext(ctx, mp)
		if err != nil {
			m.log.WithField("monitor", m.Name()).WithError(err).Debug("disk usage unavailable")
			continue
		}

		status := SMARTUnknown
		if m.smartProbe != nil {
			if limiter, ok := m.limiters[mp]; ok {
				cached, err := limiter.Invoke(func() (any, error) {
					return m.smartProbe(ctx, mp), nil
				})
				if err == nil {
					if s, ok := cached.(SMARTStatus); ok {
						status = s
					}
				}
			}
		}

		reading := DiskReading{
			MountPoint:  mp,
			UsedBytes:   usage.Used,
			TotalBytes:  usage.Total,
			UsedPercent: usage.UsedPercent,
			SMART:       status,
		}
		readings = append(readings, reading)

		appendOrLog(m.log, m.stream, m.Name(), nowRecord(map[string]string{
			"mount":        mp,
			"used_bytes":   strconv.FormatUint(usage.Used, 10),
			"total_bytes":  strconv.FormatUint(usage.Total, 10),
			"used_pct":     fmt.Sprintf("%.2f", usage.UsedPercent),
			"smart_status": string(status),
		}))
	}

	return readings, nil
}
