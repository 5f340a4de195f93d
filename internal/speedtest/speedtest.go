// Package speedtest implements the fleet-wide speed-test rollup store: a
// secondary, SQL-backed time series specialized for periodic speed-test
// results, separate from the per-machine CSVStream history the rest of the
// monitors use. It reaches for database/sql directly rather than an ORM,
// layered with sqlx for struct scanning, and applies schema through
// golang-migrate rather than a home-grown embed.FS runner.
package speedtest

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Result is one speed-test sample, keyed by (machine_id, ts).
type Result struct {
	MachineID    string    `db:"machine_id" json:"machine_id"`
	Ts           time.Time `db:"ts" json:"ts"`
	DownloadMbps float64   `db:"download_mbps" json:"download_mbps"`
	UploadMbps   float64   `db:"upload_mbps" json:"upload_mbps"`
	PingMs       float64   `db:"ping_ms" json:"ping_ms"`
	JitterMs     *float64  `db:"jitter_ms" json:"jitter_ms,omitempty"`
	ServerName   string    `db:"server_name" json:"server_name,omitempty"`
	ISP          string    `db:"isp" json:"isp,omitempty"`
}

// Store is the speed-test aggregator's Postgres-backed store.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn, applies pending migrations, and returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("speedtest: connect: %w", err)
	}
	if err := applyMigrations(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// New wraps an already-open, already-migrated sqlx.DB, for callers (and
// tests) that manage the connection lifecycle themselves.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func applyMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("speedtest: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("speedtest: postgres driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("speedtest: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("speedtest: apply migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertResult records one speed-test sample, idempotent on (machine_id, ts).
func (s *Store) InsertResult(ctx context.Context, r Result) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO speedtest_results
			(machine_id, ts, download_mbps, upload_mbps, ping_ms, jitter_ms, server_name, isp)
		VALUES
			(:machine_id, :ts, :download_mbps, :upload_mbps, :ping_ms, :jitter_ms, :server_name, :isp)
		ON CONFLICT (machine_id, ts) DO NOTHING
	`, r)
	if err != nil {
		return fmt.Errorf("speedtest: insert result: %w", err)
	}
	return nil
}
