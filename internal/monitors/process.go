package monitors

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/csvstream"
)

// TopN bounds how many processes are recorded per ranking: top-N by CPU
// and by memory.
const TopN = 10

// StuckCPUThresholdPct and StuckStreak implement the "stuck process"
// flag: > 95% CPU for 3 consecutive samples. Whether the process makes
// progress is not checked.
const (
	StuckCPUThresholdPct = 95.0
	StuckStreak          = 3
)

// ProcessSnapshot is one process's reading for a cycle.
type ProcessSnapshot struct {
	PID        int32
	Name       string
	CPUPercent float64
	MemPercent float32
	Zombie     bool
}

// ProcessCycleResult is the RunCycle output.
type ProcessCycleResult struct {
	TopByCPU []ProcessSnapshot
	TopByMem []ProcessSnapshot
	Zombies  []ProcessSnapshot
	Stuck    []ProcessSnapshot
}

// ProcessMonitor samples, on a 5s cadence, top-N by CPU and by memory,
// flags zombies and stuck processes, using
// github.com/shirou/gopsutil/v3/process as the portable sample source.
type ProcessMonitor struct {
	stream *csvstream.Stream
	log    *logrus.Entry

	mu            sync.Mutex
	highCPUStreak map[int32]int
}

func NewProcessMonitor(dataPath string, log *logrus.Entry) (*ProcessMonitor, error) {
	stream, err := csvstream.Open(dataPath, []string{
		csvstream.TimestampField, "pid", "name", "cpu_percent", "mem_percent", "zombie", "stuck",
	}, 500, 7)
	if err != nil {
		return nil, fmt.Errorf("process monitor: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &ProcessMonitor{stream: stream, log: log, highCPUStreak: map[int32]int{}}, nil
}

func (m *ProcessMonitor) Name() string { return "process" }

func (m *ProcessMonitor) DefaultInterval() time.Duration { return 5 * time.Second }

func (m *ProcessMonitor) Streams() (data, events *csvstream.Stream) { return m.stream, nil }

func (m *ProcessMonitor) RunCycle(ctx context.Context) (any, error) {
	procs, err := gopsprocess.ProcessesWithContext(ctx)
	if err != nil {
		return nil, asTransient(fmt.Errorf("list processes: %w", err))
	}

	snapshots := make([]ProcessSnapshot, 0, len(procs))
	seen := map[int32]bool{}

	for _, p := range procs {
		cpuPct, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			continue
		}
		memPct, err := p.MemoryPercentWithContext(ctx)
		if err != nil {
			memPct = 0
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			name = ""
		}
		status, _ := p.StatusWithContext(ctx)
		zombie := false
		for _, s := range status {
			if s == "Z" || s == "zombie" {
				zombie = true
			}
		}

		snapshot := ProcessSnapshot{PID: p.Pid, Name: name, CPUPercent: cpuPct, MemPercent: memPct, Zombie: zombie}
		snapshots = append(snapshots, snapshot)
		seen[p.Pid] = true
	}

	m.mu.Lock()
	stuck := updateStuckStreaks(m.highCPUStreak, snapshots, seen)
	m.mu.Unlock()

	result := ProcessCycleResult{
		TopByCPU: topN(snapshots, func(s ProcessSnapshot) float64 { return s.CPUPercent }),
		TopByMem: topN(snapshots, func(s ProcessSnapshot) float64 { return float64(s.MemPercent) }),
		Stuck:    stuck,
	}
	for _, s := range snapshots {
		if s.Zombie {
			result.Zombies = append(result.Zombies, s)
		}
	}

	for _, s := range result.TopByCPU {
		appendOrLog(m.log, m.stream, m.Name(), nowRecord(map[string]string{
			"pid":         strconv.Itoa(int(s.PID)),
			"name":        s.Name,
			"cpu_percent": fmt.Sprintf("%.2f", s.CPUPercent),
			"mem_percent": fmt.Sprintf("%.2f", s.MemPercent),
			"zombie":      strconv.FormatBool(s.Zombie),
			"stuck":       strconv.FormatBool(m.highCPUStreak[s.PID] >= StuckStreak),
		}))
	}

	return result, nil
}

// updateStuckStreaks advances each seen PID's consecutive-high-CPU count,
// drops bookkeeping for PIDs no longer present, and returns the snapshots
// that have now crossed StuckStreak.
func updateStuckStreaks(streaks map[int32]int, snapshots []ProcessSnapshot, seen map[int32]bool) []ProcessSnapshot {
	for pid := range streaks {
		if !seen[pid] {
			delete(streaks, pid)
		}
	}
	var stuck []ProcessSnapshot
	for _, s := range snapshots {
		if s.CPUPercent > StuckCPUThresholdPct {
			streaks[s.PID]++
		} else {
			streaks[s.PID] = 0
		}
		if streaks[s.PID] >= StuckStreak {
			stuck = append(stuck, s)
		}
	}
	return stuck
}

func topN(snapshots []ProcessSnapshot, key func(ProcessSnapshot) float64) []ProcessSnapshot {
	sorted := append([]ProcessSnapshot(nil), snapshots...)
	sort.Slice(sorted, func(i, j int) bool { return key(sorted[i]) > key(sorted[j]) })
	if len(sorted) > TopN {
		sorted = sorted[:TopN]
	}
	return sorted
}
