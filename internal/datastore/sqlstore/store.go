// Package sqlstore implements datastore.DataStore over database/sql for
// SQLite (mattn/go-sqlite3) and Postgres (pgx).
//
// Entity tables are created by an external migration step; Migrate only
// manages the runtime's own system tables (_audit_log, _gurih_sequences).
// Every table and column name is checked with datastore.CheckIdentifier
// before it is written into SQL text, and every value is bound.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/gurih/internal/query"
)

// Store is a SQL-backed DataStore and Sequencer.
type Store struct {
	db      *sql.DB
	dialect query.Dialect
	logger  *slog.Logger
	newID   func() string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for statement tracing at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithIDGenerator overrides record id generation (UUIDv7 by default).
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// New wraps an open database. It neither pings nor migrates.
func New(db *sql.DB, dialect query.Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		logger:  slog.New(slog.DiscardHandler),
		newID:   newUUIDv7,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// OpenSQLite opens (creating if needed) a SQLite database at path, applies
// the runtime pragmas and runs migrations.
//
// SQLite allows one writer at a time, so the pool is limited to a single
// connection.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	s := New(db, query.SQLite, opts...)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects through the pgx stdlib driver and runs migrations.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := New(db, query.Postgres, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Open dispatches on dialect.
func Open(ctx context.Context, dialect query.Dialect, dsn string, opts ...Option) (*Store, error) {
	switch dialect {
	case query.SQLite:
		return OpenSQLite(ctx, dsn, opts...)
	case query.Postgres:
		return OpenPostgres(ctx, dsn, opts...)
	}
	return nil, fmt.Errorf("unsupported dialect %q", dialect)
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the store's SQL dialect.
func (s *Store) Dialect() query.Dialect { return s.dialect }
