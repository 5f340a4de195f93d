// Package monitors implements the fleet's concrete monitor contracts on
// top of the abstract framework in internal/monitor.
//
// Every macOS-only signal (WiFi internals, VPN interface classification,
// peripheral inventory, security posture, battery/thermal data, disk SMART
// data) has no portable Go API behind it, so each such monitor instead
// takes a pluggable probe or parse function that a real platform shim can
// supply. Absent one, the cycle ends with a transient ErrNoShim (disk
// health instead records an "unknown" SMART verdict) rather than
// fabricating readings; only the WiFi quality monitor also writes a
// zeroed no-data row, the others write no row for that cycle. Monitors
// with a genuinely portable signal (process table, disk capacity) use
// github.com/shirou/gopsutil/v3.
package monitors

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/csvstream"
	"github.com/sraths91/atlas-sub001/internal/monitor"
)

// ErrNoShim is returned from a monitor cycle when no platform shim is
// wired. The monitor framework treats it as transient (DEBUG, not ERROR);
// the cycle produces no result instead of crashing.
var ErrNoShim = fmt.Errorf("monitors: no platform shim wired for this probe")

// asTransient wraps err so the monitor.Runner logs it at DEBUG rather than
// ERROR — used for the expected "no shim"/"network unreachable" cases that
// are not contract violations.
func asTransient(err error) error {
	if err == nil {
		return nil
	}
	return &monitor.TransientError{Err: err}
}

// nowRecord stamps the current time onto fields using csvstream's
// canonical layout.
func nowRecord(fields map[string]string) csvstream.Record {
	rec := csvstream.Record{csvstream.TimestampField: time.Now().UTC().Format(csvstream.TimeLayout)}
	for k, v := range fields {
		rec[k] = v
	}
	return rec
}

// appendOrLog appends rec to s and logs (does not fail the cycle) on error:
// a write failure to the ring-log is a contract violation worth surfacing,
// but losing one sample must never stop the monitor.
func appendOrLog(log *logrus.Entry, s *csvstream.Stream, name string, rec csvstream.Record) {
	if s == nil {
		return
	}
	if err := s.Append(rec); err != nil {
		log.WithField("monitor", name).WithError(err).Warn("failed to append monitor record")
	}
}

// boundedTimeout is the default ceiling for any single network/subprocess
// probe inside a monitor cycle: a probe must never block the monitor
// worker indefinitely.
const boundedTimeout = 5 * time.Second

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, boundedTimeout)
}
