// Package auditlog implements the Fleet Server's admin audit trail: every
// state-changing admin action is recorded with its actor, at a fixed
// retention, surviving restarts the same way monitor history does — an
// append-only CSV ring-log (internal/csvstream) rather than a bespoke log
// format.
package auditlog

import (
	"time"

	"github.com/sraths91/atlas-sub001/internal/csvstream"
	"github.com/sraths91/atlas-sub001/internal/fleetserver/httpapi"
)

// maxTail and retentionDays are this stream's own values (the
// internal/monitors streams keep 100-500 rows for 7-30 days): enough tail
// to answer the admin UI's recent view without re-scanning the file,
// pruned well past any plausible review window.
const (
	maxTail       = 500
	retentionDays = 90
)

// Log is the concrete httpapi.AuditLog backing store.
type Log struct {
	stream *csvstream.Stream
}

// Open creates or validates the audit CSV at path and returns a ready Log.
func Open(path string) (*Log, error) {
	stream, err := csvstream.Open(path, []string{csvstream.TimestampField, "username", "action", "detail"}, maxTail, retentionDays)
	if err != nil {
		return nil, err
	}
	return &Log{stream: stream}, nil
}

// Record implements httpapi.AuditLog. A write failure is swallowed to a
// no-op: the audit log must never be the reason an otherwise valid admin
// action fails, the same tradeoff internal/monitors makes for monitor
// CSVStreams via appendOrLog.
func (l *Log) Record(username, action, detail string, at time.Time) {
	_ = l.stream.Append(csvstream.Record{
		csvstream.TimestampField: csvstream.FormatTime(at),
		"username":               username,
		"action":                 action,
		"detail":                 detail,
	})
}

// Recent implements httpapi.AuditLog: the newest limit entries, newest
// last, matching csvstream.Stream.Tail's own ordering.
func (l *Log) Recent(limit int) []httpapi.AuditEntry {
	tail := l.stream.Tail()
	if limit > 0 && limit < len(tail) {
		tail = tail[len(tail)-limit:]
	}
	out := make([]httpapi.AuditEntry, 0, len(tail))
	for _, r := range tail {
		ts, _ := time.Parse(csvstream.TimeLayout, r[csvstream.TimestampField])
		out = append(out, httpapi.AuditEntry{
			Timestamp: ts,
			Username:  r["username"],
			Action:    r["action"],
			Detail:    r["detail"],
		})
	}
	return out
}
