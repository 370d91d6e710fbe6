package serverstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Connection pool limits for the Postgres repo.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
	// connectTimeout bounds the initial ping and migration run.
	connectTimeout = 30 * time.Second
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresRepo serves several server replicas from one database. Row locks taken with
// SELECT ... FOR UPDATE serialize concurrent operations on the same record.
type PostgresRepo struct {
	sqlRepo
}

var _ Repo = (*PostgresRepo)(nil)

// NewPostgresRepo connects, verifies the connection and migrates the schema.
func NewPostgresRepo(opts ...Option) (*PostgresRepo, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, ErrDSNNotSet
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresMigrations); err != nil {
		db.Close()
		slog.Error("PostgresRepo.NewPostgresRepo: migrations failed", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresRepo.NewPostgresRepo: ready", "max_open_conns", DefaultMaxOpenConns)
	return &PostgresRepo{sqlRepo{db: db, name: "PostgresRepo", postgres: true}}, nil
}
