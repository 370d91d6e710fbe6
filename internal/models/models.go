// Package models defines the core data structures for SyncPipe.
//
// It includes the locally owned records, the outbox tasks that drive synchronization and
// the wire types exchanged with the sync server, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// SyncState describes how far a record has progressed towards the server.
type SyncState string

const (
	// SyncStatePending indicates the record has a queued task waiting for the network.
	SyncStatePending SyncState = "pending"
	// SyncStateSyncing indicates the record's task is currently in flight.
	SyncStateSyncing SyncState = "syncing"
	// SyncStateSynced indicates the server has confirmed the record.
	SyncStateSynced SyncState = "synced"
	// SyncStateFailed indicates synchronization was abandoned and needs an explicit retry.
	SyncStateFailed SyncState = "failed"
)

// IsValidSyncState checks if the given sync state is known.
func IsValidSyncState(s SyncState) bool {
	switch s {
	case SyncStatePending, SyncStateSyncing, SyncStateSynced, SyncStateFailed:
		return true
	default:
		return false
	}
}

// OperationKind identifies the remote mutation a task performs.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// IsValidOperationKind checks if the given operation kind is supported.
func IsValidOperationKind(k OperationKind) bool {
	switch k {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// TaskStatus represents the lifecycle state of an outbox task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusInFlight  TaskStatus = "in_flight"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusAbandoned TaskStatus = "abandoned"
)

// IsLive reports whether a task in this status still drives network activity.
func (s TaskStatus) IsLive() bool {
	return s == TaskStatusQueued || s == TaskStatusInFlight
}

// Validation constants for input validation
const (
	// MaxPayloadLength defines the maximum allowed size of a record payload in bytes
	MaxPayloadLength = 256 * 1024
	// MaxRecordIDLength defines the maximum allowed length of a client-generated record ID
	MaxRecordIDLength = 128
)

// Error variables for better error handling and testability
var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrTaskNotFound    = errors.New("sync task not found")
	ErrRecordExists    = errors.New("record already exists")
	ErrEmptyRecordID   = errors.New("record ID cannot be empty")
	ErrRecordIDTooLong = errors.New("record ID exceeds maximum length")
	ErrEmptyPayload    = errors.New("payload cannot be empty")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum length")
	ErrRecordBusy      = errors.New("record has a sync call in flight")
	ErrRecordNotFailed = errors.New("record is not in failed state")
	ErrRecordFailed    = errors.New("record is in failed state; retry it first")
)

// Record is a locally owned entity (for example a message). The store is the source of
// truth for it; the server fields are populated once the remote accepts it.
type Record struct {
	ID              string    `json:"id"`
	Seq             int64     `json:"seq"`
	Payload         []byte    `json:"payload,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	SyncState       SyncState `json:"sync_state"`
	ServerID        string    `json:"server_id,omitempty"`
	ServerTimestamp time.Time `json:"server_timestamp,omitempty"`
	ServerVersion   int64     `json:"server_version"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	Deleted         bool      `json:"deleted,omitempty"` // tombstone: pending remote delete or removed
}

// ServerFields returns the server-assigned fields of the record as an acknowledgement.
func (r Record) ServerFields() ServerAck {
	return ServerAck{ServerID: r.ServerID, ServerTimestamp: r.ServerTimestamp, Version: r.ServerVersion}
}

// SyncTask is one unit of pending outbox work for a record.
type SyncTask struct {
	ID             string        `json:"id"`
	Seq            int64         `json:"seq"`
	RecordID       string        `json:"record_id"`
	Kind           OperationKind `json:"operation_kind"`
	AttemptCount   int           `json:"attempt_count"`
	NextEligibleAt time.Time     `json:"next_eligible_at"`
	Status         TaskStatus    `json:"status"`
	BaseVersion    int64         `json:"base_version"`
	Dispatched     bool          `json:"dispatched"`
	LastError      string        `json:"last_error,omitempty"`
	LockedAt       *time.Time    `json:"locked_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Query selects records for listing and observation. The zero value matches every
// non-deleted record.
type Query struct {
	States         []SyncState `json:"states,omitempty"`
	IDs            []string    `json:"ids,omitempty"`
	IncludeDeleted bool        `json:"include_deleted,omitempty"`
	Limit          int         `json:"limit,omitempty"`
}

// Matches reports whether the record satisfies the query filters (Limit is ignored).
func (q Query) Matches(r Record) bool {
	if r.Deleted && !q.IncludeDeleted {
		return false
	}
	if len(q.States) > 0 && !slices.Contains(q.States, r.SyncState) {
		return false
	}
	if len(q.IDs) > 0 && !slices.Contains(q.IDs, r.ID) {
		return false
	}
	return true
}

// ValidateRecordID checks a client-generated record ID.
func ValidateRecordID(id string) error {
	if id == "" {
		return ErrEmptyRecordID
	}
	if len(id) > MaxRecordIDLength {
		return ErrRecordIDTooLong
	}
	return nil
}

// ValidatePayload performs the size checks shared by the client and the server.
func ValidatePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if len(payload) > MaxPayloadLength {
		return ErrPayloadTooLarge
	}
	return nil
}

// ValidationError reports a payload or operation rejected by validation. It is never
// retried: locally it rejects the command before a task exists, remotely it fails the record.
type ValidationError struct {
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError wraps err as a ValidationError using its message as the reason.
func NewValidationError(err error) *ValidationError {
	return &ValidationError{Reason: err.Error(), Err: err}
}
