package store

import (
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/sraths91/atlas-sub001/internal/envelope"
)

// Flusher periodically persists a Registry snapshot to disk, sealed with
// internal/envelope, so the Fleet Server's in-memory registry survives a
// restart. Write is atomic (temp file + rename), matching the
// write-safety pattern used throughout this repository's file stores.
type Flusher struct {
	registry *Registry
	path     string
	key      []byte
	log      *logrus.Entry

	cron *cron.Cron
}

// NewFlusher builds a Flusher. key must be 32 bytes (AES-256) and is used
// as given: no key derivation happens here.
func NewFlusher(registry *Registry, path string, key []byte, log *logrus.Entry) *Flusher {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Flusher{registry: registry, path: path, key: key, log: log}
}

// Start schedules a flush on spec, e.g. "@every 30s", using robfig/cron.
func (f *Flusher) Start(spec string) error {
	f.cron = cron.New()
	if _, err := f.cron.AddFunc(spec, f.flushLogged); err != nil {
		return fmt.Errorf("store: schedule flush: %w", err)
	}
	f.cron.Start()
	return nil
}

// Stop halts the scheduler and performs one final synchronous flush so a
// graceful shutdown never loses the last interval's worth of state.
func (f *Flusher) Stop() {
	if f.cron != nil {
		ctx := f.cron.Stop()
		<-ctx.Done()
	}
	if err := f.Flush(); err != nil {
		f.log.WithError(err).Error("store: final flush before shutdown failed")
	}
}

func (f *Flusher) flushLogged() {
	if err := f.Flush(); err != nil {
		f.log.WithError(err).Warn("store: periodic flush failed")
	}
}

// Flush writes one sealed snapshot to path, atomically.
func (f *Flusher) Flush() error {
	plain, err := f.registry.Snapshot()
	if err != nil {
		return fmt.Errorf("store: snapshot: %w", err)
	}
	sealed, err := envelope.StrictSeal(f.key, plain, []byte("fleet-registry-snapshot"))
	if err != nil {
		return fmt.Errorf("store: seal snapshot: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("store: write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("store: rename snapshot into place: %w", err)
	}
	return nil
}

// Load restores the registry from the sealed snapshot at path. A missing
// file is not an error: the Fleet Server simply starts with an empty
// registry on first boot.
func (f *Flusher) Load() error {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read snapshot: %w", err)
	}
	plain, err := envelope.StrictOpen(f.key, raw, []byte("fleet-registry-snapshot"))
	if err != nil {
		return fmt.Errorf("store: open snapshot: %w", err)
	}
	return f.registry.Restore(plain)
}
