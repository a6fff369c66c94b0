// Package store is the durable persistence layer for tasks, audit entries,
// templates, and schedules (spec §4.1). It owns the single embedded SQL
// database file and every other component holds only a non-owning
// reference to a *Store, per spec §9 "Ownership & lifecycles".
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openskelo/openskelo/internal/model"
	_ "modernc.org/sqlite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

//go:embed migrations/0001_init.sql
var initSchema string

const schemaVersion = 1

// Store wraps a WAL-mode SQLite database opened through the pure-Go
// modernc.org/sqlite driver. All single-row writes run in a transaction;
// pipeline creation wraps many rows in one outer transaction (spec §4.1).
type Store struct {
	db     *sqlx.DB
	log    *slog.Logger
	writeLatency metric.Float64Histogram
	readLatency  metric.Float64Histogram

	onTransition func(before, after model.Task)
}

// OnTransition registers fn to run after every committed Transition, with
// the task's state immediately before and after the change. Used to drive
// best-effort webhook delivery (spec §6.4) without Store depending on the
// webhook package directly.
func (s *Store) OnTransition(fn func(before, after model.Task)) {
	s.onTransition = fn
}

// Open opens (creating if absent) the SQLite file at path in WAL mode and
// applies the embedded schema if the database is new or behind.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqldb.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; single conn avoids SQLITE_BUSY churn
	db := sqlx.NewDb(sqldb, "sqlite")
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: slog.Default().With("component", "store")}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}

	meter := otel.GetMeterProvider().Meter("openskelo")
	s.writeLatency, _ = meter.Float64Histogram("openskelo_store_write_latency_ms")
	s.readLatency, _ = meter.Float64Histogram("openskelo_store_read_latency_ms")
	return s, nil
}

// OpenInMemory opens a private, non-shared in-memory database. Used by
// component tests that need Store semantics without a temp file.
func OpenInMemory(ctx context.Context) (*Store, error) {
	return Open(ctx, ":memory:")
}

func (s *Store) migrate(ctx context.Context) error {
	var current int
	if err := s.db.GetContext(ctx, &current, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, initSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("bump user_version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	s.log.Info("schema migrated", "version", schemaVersion)
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle to sibling packages (queue.GetNext and
// queue.Reorder, audit logging from httpapi and watchdog) that issue their
// own SQL against store-owned tables. It is the one deliberate seam in the
// "Store owns all persistent state" rule: statements run through it bypass
// Store's validated row helpers.
func (s *Store) DB() *sqlx.DB { return s.db }

func nowUTC() time.Time { return time.Now().UTC() }
