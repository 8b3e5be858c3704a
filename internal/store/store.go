// Package store persists issues, their logs, the webhook audit trail and
// project mappings in SQLite through bun.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrProjectExists is returned when creating a project whose slug is taken.
	ErrProjectExists = errors.New("project already exists")
)

// Store is the durable state of the engine.
type Store struct {
	db     *bun.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open opens or creates the database at path. A path starting with "file:"
// is passed to the driver unchanged, which tests use for in-memory databases.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: database path is required")
	}

	dsn := path
	inMemory := strings.Contains(path, "mode=memory")
	if !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("store: creating database directory: %w", err)
		}
		dsn = fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection serializes statements
	// and keeps shared-cache memory databases alive.
	sqlDB.SetMaxOpenConns(1)

	db := bun.NewDB(sqlDB, sqlitedialect.New())
	db.AddQueryHook(&metricsHook{})

	s := &Store{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}

	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: set journal mode: %w", err)
		}
	}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	models := []any{
		(*Issue)(nil),
		(*LogEntry)(nil),
		(*AuditEntry)(nil),
		(*Project)(nil),
		(*issueClaim)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("store: create table %T: %w", model, err)
		}
	}

	if _, err := s.db.NewCreateIndex().
		Model((*LogEntry)(nil)).
		Index("idx_logs_issue").
		Column("sentry_issue_id").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("store: create log index: %w", err)
	}
	return s.addMissingColumns(ctx)
}

// addMissingColumns upgrades tables created before a column existed.
func (s *Store) addMissingColumns(ctx context.Context) error {
	var cols []struct {
		Name string `bun:"name"`
	}
	if err := s.db.NewRaw("SELECT name FROM pragma_table_info('issues')").Scan(ctx, &cols); err != nil {
		return fmt.Errorf("store: inspect issues table: %w", err)
	}
	for _, c := range cols {
		if c.Name == "last_error" {
			return nil
		}
	}
	if _, err := s.db.ExecContext(ctx, "ALTER TABLE issues ADD COLUMN last_error VARCHAR"); err != nil {
		return fmt.Errorf("store: add issues.last_error: %w", err)
	}
	s.logger.Info("store schema upgraded", zap.String("column", "issues.last_error"))
	return nil
}

// DB exposes the underlying bun handle.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed")
}
