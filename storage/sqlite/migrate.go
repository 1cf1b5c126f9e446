package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	syncErrors "github.com/dgarrido/glucosync/errors"
)

// migration is one additive schema step. Steps are applied in version order
// inside a transaction each; removing or rewriting a shipped step would break
// installed databases, so steps are append-only.
type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "create readings, sync_queue and appointments collections",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS readings (
				local_id        TEXT PRIMARY KEY,
				backend_id      INTEGER,
				user_id         INTEGER NOT NULL DEFAULT 0,
				value           REAL NOT NULL,
				units           TEXT NOT NULL,
				meal_context    TEXT NOT NULL,
				clinical_time   TIMESTAMP NOT NULL,
				notes           TEXT NOT NULL DEFAULT '',
				status          TEXT NOT NULL,
				synced          INTEGER NOT NULL DEFAULT 0,
				local_only      INTEGER NOT NULL DEFAULT 1,
				local_stored_at TIMESTAMP NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_readings_backend_id
				ON readings (backend_id) WHERE backend_id IS NOT NULL`,
			`CREATE INDEX IF NOT EXISTS idx_readings_clinical_time ON readings (clinical_time)`,
			`CREATE INDEX IF NOT EXISTS idx_readings_user_id ON readings (user_id)`,
			`CREATE TABLE IF NOT EXISTS sync_queue (
				id               TEXT PRIMARY KEY,
				operation        TEXT NOT NULL,
				reading_local_id TEXT NOT NULL DEFAULT '',
				payload          TEXT NOT NULL DEFAULT '',
				enqueued_at      TIMESTAMP NOT NULL,
				retry_count      INTEGER NOT NULL DEFAULT 0,
				last_error       TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sync_queue_enqueued_at ON sync_queue (enqueued_at)`,
			`CREATE TABLE IF NOT EXISTS appointments (
				id           INTEGER PRIMARY KEY,
				user_id      INTEGER NOT NULL DEFAULT 0,
				scheduled_at TIMESTAMP,
				status       TEXT NOT NULL DEFAULT '',
				data         TEXT NOT NULL DEFAULT '',
				cached_at    TIMESTAMP NOT NULL
			)`,
		},
	},
	{
		version:     2,
		description: "index queue items by operation for diagnostics queries",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_sync_queue_operation ON sync_queue (operation)`,
		},
	},
}

// migrate applies pending schema steps. Additive only: existing data is
// never rewritten or dropped by a migration.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY CHECK (version > 0),
			applied_at  TIMESTAMP NOT NULL,
			description TEXT NOT NULL
		)`)
	if err != nil {
		return classify(syncErrors.OpMigrate, err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return classify(syncErrors.OpMigrate, err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "applied schema migration",
			slog.Int("version", m.version),
			slog.String("description", m.description),
		)
	}

	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(syncErrors.OpMigrate, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return classify(syncErrors.OpMigrate, fmt.Errorf("migration %d: %w", m.version, err))
		}
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)`,
		m.version, time.Now(), m.description); err != nil {
		return classify(syncErrors.OpMigrate, err)
	}

	if err = tx.Commit(); err != nil {
		return classify(syncErrors.OpMigrate, err)
	}
	return nil
}

// SchemaVersion returns the current schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return 0, classify(syncErrors.OpMigrate, err)
	}
	return version, nil
}
