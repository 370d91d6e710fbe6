// Package store implements the local store: the durable, encrypted source of truth for
// SyncPipe records and the outbox of sync tasks that replays them against the server.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

var (
	// ErrLiveTaskExists is returned when a record already has a queued or in-flight task.
	ErrLiveTaskExists = errors.New("record already has a live sync task")
	// ErrTaskNotInFlight is returned when a transition requires an in-flight task.
	ErrTaskNotInFlight = errors.New("sync task is not in flight")
	// ErrTaskNotQueued is returned when a claim finds the task already taken or finished.
	ErrTaskNotQueued = errors.New("sync task is not queued")
	// ErrNoSealer is returned when the store is opened without a payload sealer.
	ErrNoSealer = errors.New("store requires a payload sealer")
)

// Sealer encrypts payloads before they reach disk. The record ID is bound to the blob so
// it cannot be replayed onto another row. *crypt.RecordSealer implements it.
type Sealer interface {
	Seal(recordID string, payload []byte) (blob []byte, origin uint8, err error)
	Open(recordID string, blob []byte) ([]byte, error)
}

// DecryptionError reports a stored payload that could not be opened, either because the
// key is gone or the blob fails authentication. It is fatal for that record.
type DecryptionError struct {
	RecordID string
	Err      error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt record %s: %v", e.RecordID, e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// LocalStore is the record contract used by the facade.
type LocalStore interface {
	// Write persists a record and its outbox task in one transaction and returns the ID.
	Write(ctx context.Context, rec models.Record, kind models.OperationKind) (string, error)
	Get(ctx context.Context, id string) (models.Record, error)
	List(ctx context.Context, q models.Query) ([]models.Record, error)
	// Read replays the records matching q and then yields every later change until ctx
	// is cancelled or the consumer stops.
	Read(ctx context.Context, q models.Query) iter.Seq2[models.Record, error]
	MarkSyncing(ctx context.Context, id string) error
	MarkSynced(ctx context.Context, id string, ack models.ServerAck) error
	MarkFailed(ctx context.Context, id string, reason string) error
	Enqueue(ctx context.Context, task models.SyncTask) (models.SyncTask, error)
	DequeueEligible(ctx context.Context, now time.Time, limit int) ([]models.SyncTask, error)
	CompleteTask(ctx context.Context, taskID string) error
	AbandonTask(ctx context.Context, taskID string, reason string) error
}

// OutboxStore adds the transitions the sync engine drives. Each runs in one transaction.
type OutboxStore interface {
	LocalStore
	ClaimTask(ctx context.Context, taskID string, now time.Time) (models.SyncTask, error)
	ConfirmTask(ctx context.Context, taskID string, ack models.ServerAck) error
	RescheduleTask(ctx context.Context, taskID string, attempt int, next time.Time, lastErr string) error
	ReleaseTask(ctx context.Context, taskID string) error
	ApplyServerState(ctx context.Context, taskID string, state models.ServerState) error
	HoldForReview(ctx context.Context, taskID, reason string, state models.ServerState) error
	ApplyServerUpdate(ctx context.Context, state models.ServerState) (bool, error)
	RequeueFailed(ctx context.Context, id string) (models.SyncTask, error)
	RecoverInFlight(ctx context.Context) (int, error)
	NextEligibleAt(ctx context.Context) (time.Time, bool, error)
	GetTask(ctx context.Context, taskID string) (models.SyncTask, error)
	LiveTask(ctx context.Context, recordID string) (models.SyncTask, error)
	PurgeTerminalTasks(ctx context.Context, before time.Time) (int, error)
	Edit(ctx context.Context, id string, payload []byte) (models.Record, error)
	Delete(ctx context.Context, id string) error
	Wipe(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats summarizes the local store for status output.
type Stats struct {
	Records        map[models.SyncState]int  `json:"records"`
	Tasks          map[models.TaskStatus]int `json:"tasks"`
	Tombstones     int                       `json:"tombstones"`
	NextEligibleAt *time.Time                `json:"next_eligible_at,omitempty"`
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN    string // file path of the SQLite database
	Sealer Sealer
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSealer sets the payload sealer.
func WithSealer(s Sealer) Option {
	return func(o *Opts) {
		o.Sealer = s
	}
}
