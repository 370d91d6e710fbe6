package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/mattn/go-sqlite3"
)

const recordColumns = `seq, id, payload, created_at, updated_at, sync_state, server_id, server_timestamp, server_version, failure_reason, deleted`

const taskColumns = `seq, task_id, record_id, operation_kind, attempt_count, next_eligible_at, status, dispatched, base_version, last_error, locked_at, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

func nullableNanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

// storedRecord is a records row with the payload still sealed.
type storedRecord struct {
	models.Record
	blob []byte
}

func scanRecord(row rowScanner) (storedRecord, error) {
	var r storedRecord
	var serverID, failureReason sql.NullString
	var serverTS sql.NullInt64
	var createdAt, updatedAt int64
	var state string
	var deleted int
	err := row.Scan(
		&r.Seq, &r.ID, &r.blob, &createdAt, &updatedAt, &state, &serverID, &serverTS,
		&r.ServerVersion, &failureReason, &deleted,
	)
	if err != nil {
		return r, err
	}
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	r.SyncState = models.SyncState(state)
	r.ServerID = serverID.String
	if serverTS.Valid {
		r.ServerTimestamp = fromNanos(serverTS.Int64)
	}
	r.FailureReason = failureReason.String
	r.Deleted = deleted != 0
	return r, nil
}

func scanTask(row rowScanner) (models.SyncTask, error) {
	var t models.SyncTask
	var kind, status string
	var lastError sql.NullString
	var lockedAt sql.NullInt64
	var next, createdAt, updatedAt int64
	var dispatched int
	err := row.Scan(
		&t.Seq, &t.ID, &t.RecordID, &kind, &t.AttemptCount, &next, &status, &dispatched,
		&t.BaseVersion, &lastError, &lockedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return t, err
	}
	t.Kind = models.OperationKind(kind)
	t.Status = models.TaskStatus(status)
	t.NextEligibleAt = fromNanos(next)
	t.Dispatched = dispatched != 0
	t.LastError = lastError.String
	if lockedAt.Valid {
		l := fromNanos(lockedAt.Int64)
		t.LockedAt = &l
	}
	t.CreatedAt = fromNanos(createdAt)
	t.UpdatedAt = fromNanos(updatedAt)
	return t, nil
}

// open decrypts the payload of a stored record.
func (s *SQLiteStore) open(r storedRecord) (models.Record, error) {
	rec := r.Record
	if len(r.blob) == 0 {
		return rec, nil
	}
	payload, err := s.sealer.Open(rec.ID, r.blob)
	if err != nil {
		return models.Record{ID: rec.ID}, &DecryptionError{RecordID: rec.ID, Err: err}
	}
	rec.Payload = payload
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
