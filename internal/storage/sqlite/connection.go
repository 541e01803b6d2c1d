// Package sqlite is the embedded/local-mode implementation of every store
// contract the engine depends on, with its own goose-managed embedded
// migrations (the postgres schema recast in SQLite column types) and
// database/sql in place of pgx, over
// modernc.org/sqlite (a pure-Go driver, so enginectl and tests need no cgo
// toolchain).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store composes the engine's persistence contracts on a single database/sql
// handle. SQLite's single-writer model means concurrent Advance/Tick callers
// serialize at the database level; this is intended for local development,
// enginectl's ephemeral mode, and tests, not high-concurrency production use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dsn and applies
// pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection avoids SQLITE_BUSY from concurrent writers; the
	// engine's own per-tenant semaphore and goroutine-per-Advance-caller
	// model already serialize writes above this layer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
