// Package logger provides the structured logging wrapper shared by the
// Agent and the Fleet Server.
package logger

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type used for values carried on a context.Context.
type ContextKey string

const (
	// TraceIDKey is the context key under which a request/report trace id is stored.
	TraceIDKey ContextKey = "trace_id"
	// MachineIDKey is the context key under which a machine id is stored.
	MachineIDKey ContextKey = "machine_id"
	// ServiceKey is the context key under which the owning service name is stored.
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with a fixed service name and context-aware helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// Config controls logger construction.
type Config struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
}

// DefaultConfig returns sane defaults: info level, text format, stdout.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text", Output: "stdout"}
}

// New builds a Logger for the given service name.
func New(service string, cfg Config) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	switch strings.ToLower(cfg.Output) {
	case "stderr":
		base.SetOutput(os.Stderr)
	default:
		base.SetOutput(os.Stdout)
	}

	return &Logger{Logger: base, service: service}
}

// WithContext returns an entry carrying trace/machine/service fields pulled
// from ctx, falling back to the logger's own service name.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{"service": l.service}
	if v, ok := ctx.Value(TraceIDKey).(string); ok && v != "" {
		fields["trace_id"] = v
	}
	if v, ok := ctx.Value(MachineIDKey).(string); ok && v != "" {
		fields["machine_id"] = v
	}
	return l.Logger.WithFields(fields)
}

// WithMachine returns an entry scoped to a single machine id, for monitor
// and reporter call sites that don't carry a context.
func (l *Logger) WithMachine(machineID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "machine_id": machineID})
}
