package csvstream

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStream(t *testing.T, maxTail, retentionDays int) *Stream {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ping.csv")
	s, err := Open(path, []string{"ts", "target", "latency_ms"}, maxTail, retentionDays)
	require.NoError(t, err)
	return s
}

func TestAppendAndTail(t *testing.T) {
	s := newTestStream(t, 3, 30)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(Record{"ts": Now(), "target": "8.8.8.8", "latency_ms": "12"}))
	}

	tail := s.Tail()
	assert.Len(t, tail, 3, "tail must not exceed maxTail")
}

func TestAppendRejectsUndeclaredField(t *testing.T) {
	s := newTestStream(t, 10, 30)
	err := s.Append(Record{"ts": Now(), "bogus_field": "x"})
	assert.Error(t, err)
}

func TestAppendFillsMissingFieldsWithEmptyString(t *testing.T) {
	s := newTestStream(t, 10, 30)
	require.NoError(t, s.Append(Record{"ts": Now(), "target": "8.8.8.8"}))

	rows, err := s.Query(nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "", rows[0]["latency_ms"])
}

func TestHeaderMismatchOnOpenIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.csv")
	_, err := Open(path, []string{"ts", "a"}, 10, 30)
	require.NoError(t, err)

	_, err = Open(path, []string{"ts", "b"}, 10, 30)
	assert.Error(t, err)
}

func TestQueryScansFileNotJustTail(t *testing.T) {
	s := newTestStream(t, 2, 30)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(Record{"ts": Now(), "target": "t", "latency_ms": "1"}))
	}
	rows, err := s.Query(nil)
	require.NoError(t, err)
	assert.Len(t, rows, 5, "query must see rows evicted from the tail")
}

func TestPruneNowRemovesOldRows(t *testing.T) {
	s := newTestStream(t, 10, 1)

	old := Now()
	_ = old
	oldTS := FormatTime(time.Now().UTC().AddDate(0, 0, -5))
	require.NoError(t, s.Append(Record{"ts": oldTS, "target": "old", "latency_ms": "1"}))
	require.NoError(t, s.Append(Record{"ts": Now(), "target": "new", "latency_ms": "1"}))

	require.NoError(t, s.PruneNow())

	rows, err := s.Query(nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0]["target"])
}

func TestPruneIsIdempotent(t *testing.T) {
	s := newTestStream(t, 10, 30)
	require.NoError(t, s.Append(Record{"ts": Now(), "target": "a", "latency_ms": "1"}))
	require.NoError(t, s.PruneNow())
	require.NoError(t, s.PruneNow())

	rows, err := s.Query(nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestReopenRestoresTailFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ping.csv")
	s, err := Open(path, []string{"ts", "target", "latency_ms"}, 10, 30)
	require.NoError(t, err)
	require.NoError(t, s.Append(Record{"ts": Now(), "target": "8.8.8.8", "latency_ms": "9"}))

	reopened, err := Open(path, []string{"ts", "target", "latency_ms"}, 10, 30)
	require.NoError(t, err)
	assert.Len(t, reopened.Tail(), 1)
}
