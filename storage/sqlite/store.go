// Package sqlite provides the durable on-device store backing the glucosync
// data layer: glucose readings, the outbound sync queue, and the cached
// appointment state, inside one versioned SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/dgarrido/glucosync/errors"
	"github.com/dgarrido/glucosync/logging"

	// Go SQLite driver
	"github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opAdd     = "sqlite.AddReading"
	opSafeAdd = "sqlite.SafeAddReading"
	opUpdate  = "sqlite.UpdateReading"
	opDelete  = "sqlite.DeleteReading"
	opBulkAdd = "sqlite.BulkAddReadings"
	opQuery   = "sqlite.Query"
	opEnqueue = "sqlite.Enqueue"
	opQueue   = "sqlite.Queue"
	opPrune   = "sqlite.PruneOldData"
	opStats   = "sqlite.Stats"
	opClear   = "sqlite.ClearAllData"
)

// DatabaseName is the fixed identity of the local database, reported by
// Stats for diagnostics.
const DatabaseName = "glucosync"

// DefaultRetentionDays is the retention window applied when a write fails
// with a quota-exceeded error.
const DefaultRetentionDays = 60

// PruneIgnoresSyncStatus documents that pruning deletes readings purely by
// age: an old unsynced reading is removed exactly like a synced one, and is
// then permanently lost. Established behavior, kept for compatibility;
// product has not decided otherwise.
const PruneIgnoresSyncStatus = true

var (
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("store is closed")
)

// Config holds configuration options for the Store.
type Config struct {
	// Path is the filesystem location of the database file.
	Path string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// Enabled by default.
	EnableWAL bool

	// RetentionDays is the window applied by HandleQuotaExceeded.
	// Defaults to DefaultRetentionDays.
	RetentionDays int

	// MaxReadings, when positive, is a soft cap on the readings collection.
	// An insert that would exceed it fails with a quota-exceeded error, the
	// same class raised when SQLite itself reports a full database.
	MaxReadings int

	// Connection pool settings.
	// Defaults: MaxOpen=1 (single writer), Lifetime=1h.
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.RetentionDays == 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 1
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(path string) *Config {
	config := &Config{
		Path:      path,
		EnableWAL: true,
	}
	config.setDefaults()
	return config
}

// Store is the single source of truth for all locally persisted state. The
// sync engine holds no private copies; every operation reads and writes
// through here.
type Store struct {
	db            *sql.DB
	mu            stdSync.RWMutex
	closed        bool
	logger        *logging.Logger
	retentionDays int
	maxReadings   int
}

// New opens (creating if necessary) the local database and applies pending
// schema migrations.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.setDefaults()

	if config.Path == "" {
		return nil, fmt.Errorf("Path is required")
	}

	logger := logging.WithComponent(logging.Component("sqlite-store"))

	dsn := config.Path
	if config.EnableWAL && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{
		db:            db,
		logger:        logger,
		retentionDays: config.RetentionDays,
		maxReadings:   config.MaxReadings,
	}

	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}

	logger.InfoContext(context.Background(), "local store opened",
		slog.String("path", config.Path),
		slog.Bool("wal_enabled", config.EnableWAL),
		slog.Int("retention_days", config.RetentionDays),
	)
	return store, nil
}

// checkOpen returns ErrStoreClosed after Close.
func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// classify maps driver errors onto the store's error taxonomy. Quota
// exhaustion is a distinguished kind so SafeAddReading can special-case it;
// everything else propagates as a storage failure.
func classify(op syncErrors.Operation, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull:
			return syncErrors.NewQuotaError(op, err)
		case sqlite3.ErrConstraint:
			return syncErrors.NewConstraintError(op, err)
		}
	}
	return syncErrors.NewStorageError(op, err)
}

// PruneOldData deletes all readings whose clinical time is older than
// now - daysToKeep, returning the number deleted. Deletion is by age only;
// sync status is not consulted (see PruneIgnoresSyncStatus).
func (s *Store) PruneOldData(ctx context.Context, daysToKeep int) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -daysToKeep)
	res, err := s.db.ExecContext(ctx, `DELETE FROM readings WHERE clinical_time < ?`, cutoff)
	if err != nil {
		return 0, classify(syncErrors.OpPrune, err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, classify(syncErrors.OpPrune, err)
	}

	if deleted > 0 {
		s.logger.InfoContext(ctx, "pruned old readings",
			slog.Int64("deleted", deleted),
			slog.Int("days_kept", daysToKeep),
		)
	}
	return int(deleted), nil
}

// HandleQuotaExceeded applies the configured retention window. Invoked when
// a write fails because storage is full.
func (s *Store) HandleQuotaExceeded(ctx context.Context) error {
	deleted, err := s.PruneOldData(ctx, s.retentionDays)
	if err != nil {
		return err
	}
	s.logger.WarnContext(ctx, "storage quota exceeded, applied retention window",
		slog.Int("deleted", deleted),
		slog.Int("retention_days", s.retentionDays),
	)
	return nil
}

// Stats reports per-collection counts plus the store identity and schema
// version, for diagnostics.
type Stats struct {
	DatabaseName  string
	SchemaVersion int
	Readings      int
	QueueItems    int
	Appointments  int
}

// Stats computes store statistics on demand.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if err := s.checkOpen(); err != nil {
		return Stats{}, err
	}

	stats := Stats{DatabaseName: DatabaseName}

	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM readings`, &stats.Readings},
		{`SELECT COUNT(*) FROM sync_queue`, &stats.QueueItems},
		{`SELECT COUNT(*) FROM appointments`, &stats.Appointments},
		{`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`, &stats.SchemaVersion},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return Stats{}, classify(syncErrors.OpQuery, err)
		}
	}

	return stats, nil
}

// ClearAllData wipes all three collections. Used on logout and in test
// teardown.
func (s *Store) ClearAllData(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(syncErrors.OpDelete, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, table := range []string{"readings", "sync_queue", "appointments"} {
		if _, err = tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return classify(syncErrors.OpDelete, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return classify(syncErrors.OpDelete, err)
	}

	s.logger.InfoContext(ctx, "cleared all local data")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
