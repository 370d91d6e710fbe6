// Package serverstore provides storage backends for the reference sync server.
//
// A repo keeps the authoritative copy of every record and a ledger of applied
// operations keyed by idempotency key, operation kind and base version, so a resubmitted
// operation is acknowledged again instead of being applied twice.
package serverstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

var (
	// ErrNotFound is returned when the server has never seen a record.
	ErrNotFound = errors.New("record not found")
	// ErrDSNNotSet is returned when a repo is opened without a DSN.
	ErrDSNNotSet = errors.New("database DSN not set")
)

// ConflictError reports an operation whose base version does not match the server copy.
type ConflictError struct {
	Current models.ServerState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: server version %d", e.Current.RecordID, e.Current.Version)
}

// ApplyResult is the outcome of an accepted operation.
type ApplyResult struct {
	Ack   models.ServerAck
	State models.ServerState
	// Replayed is set when the operation had already been applied.
	Replayed bool
	// Changed is set when the record was modified and should be broadcast.
	Changed bool
}

// Repo is the server's record store.
type Repo interface {
	// Apply applies op atomically. A repeated op returns the original acknowledgement.
	// A stale base version returns *ConflictError.
	Apply(ctx context.Context, op models.Operation, deviceID string) (ApplyResult, error)
	// Get returns the current state. Deleted records are returned with Deleted set.
	Get(ctx context.Context, recordID string) (models.ServerState, error)
	// ChangedSince returns every record, tombstones included, whose server timestamp
	// is at or after since, oldest first. A zero since returns all records.
	ChangedSince(ctx context.Context, since time.Time) ([]models.ServerState, error)
	Close() error
}

// Opts holds configuration options for repo implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for repo implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// Open picks the backend from the DSN: a postgres:// URL or key=value string selects
// Postgres, anything else is a SQLite file path.
func Open(dsn string) (Repo, error) {
	if DetectPostgres(dsn) {
		repo, err := NewPostgresRepo(WithPostgresDSN(dsn))
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	repo, err := NewSQLiteRepo(WithSQLiteDSN(dsn))
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// PayloadDigest fingerprints an operation payload for the applied-operation ledger.
func PayloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
