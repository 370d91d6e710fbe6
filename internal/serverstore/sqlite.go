package serverstore

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteRepo is a single-file repo for small deployments and tests.
type SQLiteRepo struct {
	sqlRepo
}

var _ Repo = (*SQLiteRepo)(nil)

// NewSQLiteRepo opens (and migrates) a SQLite repo.
func NewSQLiteRepo(opts ...Option) (*SQLiteRepo, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, ErrDSNNotSet
	}
	slog.Debug("SQLiteRepo.NewSQLiteRepo: opening database", "dsn", cfg.DSN)

	if dir := filepath.Dir(cfg.DSN); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}
	dsn := cfg.DSN + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		slog.Error("SQLiteRepo.NewSQLiteRepo: migrations failed", "dsn", cfg.DSN, "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteRepo.NewSQLiteRepo: migrations applied", "dsn", cfg.DSN)
	return &SQLiteRepo{sqlRepo{db: db, name: "SQLiteRepo"}}, nil
}
