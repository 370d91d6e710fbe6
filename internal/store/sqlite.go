package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0o700
	// DefaultReaderConns bounds the reader pool.
	DefaultReaderConns = 4

	writerParams = "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=FULL&_txlock=immediate"
	readerParams = "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_query_only=true"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the LocalStore backed by SQLite in WAL mode. A single-connection writer
// pool serializes every mutation; a separate reader pool serves queries concurrently.
type SQLiteStore struct {
	writer *sql.DB
	reader *sql.DB
	sealer Sealer
	hub    *hub
}

// Compile-time check that SQLiteStore implements OutboxStore.
var _ OutboxStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database file named by the DSN option.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: opening local store", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	if cfg.Sealer == nil {
		return nil, ErrNoSealer
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	writer, err := sql.Open("sqlite3", "file:"+cfg.DSN+"?"+writerParams)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	if err := writer.Ping(); err != nil {
		writer.Close()
		slog.Error("SQLiteStore.NewSQLiteStore: ping failed", "error", err)
		return nil, err
	}
	if _, err := writer.Exec(sqliteMigrations); err != nil {
		writer.Close()
		slog.Error("SQLiteStore.NewSQLiteStore: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: migrations applied")

	reader, err := sql.Open("sqlite3", "file:"+cfg.DSN+"?"+readerParams)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(DefaultReaderConns)
	if err := reader.Ping(); err != nil {
		writer.Close()
		reader.Close()
		return nil, err
	}

	return &SQLiteStore{writer: writer, reader: reader, sealer: cfg.Sealer, hub: newHub()}, nil
}

// Close closes both connection pools and ends every open Read stream.
func (s *SQLiteStore) Close() error {
	slog.Debug("SQLiteStore.Close: closing database connections")
	s.hub.close()
	werr := s.writer.Close()
	rerr := s.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// withTx runs fn in a write transaction. The writer pool has one connection, so
// transactions are serialized and _txlock=immediate takes the write lock up front.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("SQLiteStore.withTx: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
