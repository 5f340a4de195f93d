package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToInfoLevel(t *testing.T) {
	l := New("agent", Config{Level: "bogus", Format: "text", Output: "stdout"})
	assert.Equal(t, "info", l.GetLevel().String())
}

func TestWithContextCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New("agent", DefaultConfig())
	l.SetOutput(&buf)

	ctx := context.WithValue(context.Background(), TraceIDKey, "abc123")
	ctx = context.WithValue(ctx, MachineIDKey, "m1")

	entry := l.WithContext(ctx)
	require.Equal(t, "abc123", entry.Data["trace_id"])
	require.Equal(t, "m1", entry.Data["machine_id"])
	assert.Equal(t, "agent", entry.Data["service"])
}

func TestWithMachine(t *testing.T) {
	l := New("agent", DefaultConfig())
	entry := l.WithMachine("m2")
	assert.Equal(t, "m2", entry.Data["machine_id"])
}

func TestJSONFormatUsesCustomFieldNames(t *testing.T) {
	var buf bytes.Buffer
	l := New("server", Config{Level: "info", Format: "json", Output: "stdout"})
	l.SetOutput(&buf)
	l.WithContext(context.Background()).Info("hello")
	assert.Contains(t, buf.String(), `"message":"hello"`)
}
