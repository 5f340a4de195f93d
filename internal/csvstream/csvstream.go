// Package csvstream implements the CSV ring-log contract shared by every
// monitor: an append-only per-monitor-record CSV file with a bounded
// in-memory tail and age-based retention pruning. It is the only way
// monitors persist time-series data, replacing ad-hoc CSV I/O duplicated
// per monitor.
package csvstream

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one row, keyed by field name. Every record carries a UTC
// ISO-8601 timestamp under TimestampField as its first column.
type Record map[string]string

// TimestampField is the name of the field every MonitorRecord declares first.
const TimestampField = "ts"

// TimeLayout is the on-disk timestamp format: ISO-8601 UTC, seconds precision.
const TimeLayout = "2006-01-02T15:04:05Z"

// Stream is one owned CSV-backed sink for a single MonitorRecord type.
// A Stream is meant to be owned by exactly one monitor within one process;
// concurrent appends from multiple goroutines within that owner are safe,
// but cross-process concurrent writers to the same path are not supported.
type Stream struct {
	path          string
	fields        []string
	fieldIndex    map[string]int
	maxTail       int
	retentionDays int

	mu   sync.Mutex
	tail []Record
}

// Open creates the stream's file if absent (writing the header), or
// validates an existing file's header against fields. A header mismatch is
// a fatal error the caller should treat as a non-recoverable startup
// failure for this stream: do not silently migrate schema.
func Open(path string, fields []string, maxTail, retentionDays int) (*Stream, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("csvstream: at least one field is required")
	}
	if maxTail <= 0 {
		maxTail = 100
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}

	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		idx[f] = i
	}

	s := &Stream{
		path:          path,
		fields:        append([]string(nil), fields...),
		fieldIndex:    idx,
		maxTail:       maxTail,
		retentionDays: retentionDays,
	}

	if err := s.ensureFile(); err != nil {
		return nil, err
	}
	if err := s.loadTail(); err != nil {
		return nil, err
	}
	if err := s.pruneLocked(time.Now().UTC()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stream) ensureFile() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("csvstream: create data dir: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_RDONLY, 0o644)
	if os.IsNotExist(err) {
		return s.writeNewFile()
	}
	if err != nil {
		return fmt.Errorf("csvstream: open %s: %w", s.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err == io.EOF {
		// Empty file: treat as missing header, rewrite it.
		return s.writeNewFile()
	}
	if err != nil {
		return fmt.Errorf("csvstream: read header of %s: %w", s.path, err)
	}
	if !equalFields(header, s.fields) {
		return fmt.Errorf("csvstream: header mismatch in %s: file has %v, stream declares %v", s.path, header, s.fields)
	}
	return nil
}

func (s *Stream) writeNewFile() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("csvstream: create %s: %w", s.path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(s.fields); err != nil {
		return fmt.Errorf("csvstream: write header of %s: %w", s.path, err)
	}
	w.Flush()
	return w.Error()
}

func equalFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Stream) loadTail() error {
	rows, err := s.readAllRows()
	if err != nil {
		return err
	}
	if len(rows) > s.maxTail {
		rows = rows[len(rows)-s.maxTail:]
	}
	s.mu.Lock()
	s.tail = rows
	s.mu.Unlock()
	return nil
}

func (s *Stream) readAllRows() ([]Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("csvstream: open %s: %w", s.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csvstream: read header of %s: %w", s.path, err)
	}

	var rows []Record
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csvstream: read row of %s: %w", s.path, err)
		}
		rec := make(Record, len(header))
		for i, name := range header {
			if i < len(fields) {
				rec[name] = fields[i]
			} else {
				rec[name] = ""
			}
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// Append writes record to the end of the file, then to the in-memory tail.
// Fields declared for this stream that are missing from record are written
// as empty strings; fields present in record but not declared are rejected.
// A failed append never corrupts the in-memory tail or leaves a partial row
// in the file: the row is fully built in memory before any I/O happens, and
// the file write is a single Write call.
func (s *Stream) Append(record Record) error {
	for k := range record {
		if _, ok := s.fieldIndex[k]; !ok {
			return fmt.Errorf("csvstream: field %q is not declared for this stream", k)
		}
	}

	row := make([]string, len(s.fields))
	for i, f := range s.fields {
		row[i] = record[f]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csvstream: open %s for append: %w", s.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(row); err != nil {
		return fmt.Errorf("csvstream: append to %s: %w", s.path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("csvstream: flush %s: %w", s.path, err)
	}

	rec := make(Record, len(s.fields))
	for i, f := range s.fields {
		rec[f] = row[i]
	}
	s.tail = append(s.tail, rec)
	if len(s.tail) > s.maxTail {
		s.tail = s.tail[len(s.tail)-s.maxTail:]
	}
	return nil
}

// Tail returns a snapshot copy of the in-memory tail, newest-last.
func (s *Stream) Tail() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.tail))
	copy(out, s.tail)
	return out
}

// Predicate filters rows during Query.
type Predicate func(Record) bool

// Query scans the whole file — not only the tail — and returns every row
// matching pred, in file order. Query is defined on the file, not only the
// tail.
func (s *Stream) Query(pred Predicate) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.readAllRows()
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return rows, nil
	}
	var out []Record
	for _, r := range rows {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// TimeRange returns a Predicate matching rows whose TimestampField parses
// and falls within [from, to] inclusive.
func TimeRange(from, to time.Time) Predicate {
	return func(r Record) bool {
		ts, err := time.Parse(TimeLayout, r[TimestampField])
		if err != nil {
			return false
		}
		return !ts.Before(from) && !ts.After(to)
	}
}

// PruneNow removes rows older than retentionDays, rewriting the file
// atomically (write to a temp file, then rename over the original). It is
// idempotent: pruning an already-pruned file is a no-op rewrite.
func (s *Stream) PruneNow() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(time.Now().UTC())
}

func (s *Stream) pruneLocked(now time.Time) error {
	cutoff := now.AddDate(0, 0, -s.retentionDays)
	rows, err := s.readAllRows()
	if err != nil {
		return err
	}

	kept := rows[:0:0]
	for _, r := range rows {
		ts, err := time.Parse(TimeLayout, r[TimestampField])
		if err != nil || !ts.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(rows) {
		return nil
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("csvstream: create temp file for prune: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(s.fields); err != nil {
		f.Close()
		return fmt.Errorf("csvstream: write pruned header: %w", err)
	}
	for _, r := range kept {
		row := make([]string, len(s.fields))
		for i, field := range s.fields {
			row[i] = r[field]
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("csvstream: write pruned row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("csvstream: flush pruned file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("csvstream: close pruned file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("csvstream: rename pruned file into place: %w", err)
	}

	if len(kept) > s.maxTail {
		kept = kept[len(kept)-s.maxTail:]
	}
	s.tail = kept
	return nil
}

// Fields returns the declared field list, in order.
func (s *Stream) Fields() []string {
	return append([]string(nil), s.fields...)
}

// Path returns the backing file path.
func (s *Stream) Path() string { return s.path }

// Now formats the current time the way every MonitorRecord timestamp is written.
func Now() string { return time.Now().UTC().Format(TimeLayout) }

// FormatTime formats t per TimeLayout, for producers that carry their own clock.
func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }
