package serverstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/util"
)

// sqlRepo holds the SQL shared by the SQLite and Postgres repos. Queries are written
// with ? placeholders and rebound for Postgres.
type sqlRepo struct {
	db       *sql.DB
	name     string
	postgres bool
}

// appliedOp is one row of the applied-operation ledger.
type appliedOp struct {
	digest   string
	deviceID string
	taskID   string
	serverID string
	version  int64
	serverTS int64
}

func (r *sqlRepo) q(query string) string {
	if r.postgres {
		return rebind(query)
	}
	return query
}

// forUpdate locks selected rows on Postgres; SQLite transactions already hold the
// write lock.
func (r *sqlRepo) forUpdate() string {
	if r.postgres {
		return " FOR UPDATE"
	}
	return ""
}

func (r *sqlRepo) Close() error {
	slog.Debug(r.name + ".Close: closing database")
	return r.db.Close()
}

func (r *sqlRepo) Get(ctx context.Context, recordID string) (models.ServerState, error) {
	st, found, err := r.load(ctx, r.db, recordID, "")
	if err != nil {
		return models.ServerState{}, err
	}
	if !found {
		return models.ServerState{}, ErrNotFound
	}
	return st, nil
}

func (r *sqlRepo) ChangedSince(ctx context.Context, since time.Time) ([]models.ServerState, error) {
	var from int64
	if !since.IsZero() {
		from = toNanos(since)
	}
	rows, err := r.db.QueryContext(ctx,
		r.q(`SELECT record_id, server_id, payload, version, server_ts, deleted FROM records
		     WHERE server_ts >= ? ORDER BY server_ts, record_id`),
		from,
	)
	if err != nil {
		return nil, fmt.Errorf("list changes failed: %w", err)
	}
	defer rows.Close()

	var out []models.ServerState
	for rows.Next() {
		var (
			st      models.ServerState
			payload []byte
			ts      int64
		)
		if err := rows.Scan(&st.RecordID, &st.ServerID, &payload, &st.Version, &ts, &st.Deleted); err != nil {
			return nil, fmt.Errorf("scan change failed: %w", err)
		}
		st.Payload = payload
		st.ServerTimestamp = fromNanos(ts)
		out = append(out, st)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *sqlRepo) load(ctx context.Context, q queryer, recordID, suffix string) (models.ServerState, bool, error) {
	var (
		st      models.ServerState
		payload []byte
		ts      int64
	)
	err := q.QueryRowContext(ctx,
		r.q(`SELECT record_id, server_id, payload, version, server_ts, deleted FROM records WHERE record_id = ?`+suffix),
		recordID,
	).Scan(&st.RecordID, &st.ServerID, &payload, &st.Version, &ts, &st.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ServerState{}, false, nil
	}
	if err != nil {
		return models.ServerState{}, false, fmt.Errorf("load record %s failed: %w", recordID, err)
	}
	st.Payload = payload
	st.ServerTimestamp = fromNanos(ts)
	return st, true, nil
}

func (r *sqlRepo) Apply(ctx context.Context, op models.Operation, deviceID string) (ApplyResult, error) {
	if err := op.Validate(); err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			return ApplyResult{}, ve
		}
		return ApplyResult{}, models.NewValidationError(err)
	}
	res, err := r.apply(ctx, op, deviceID)
	if isUniqueViolation(err) {
		// A concurrent create of the same record won; the retry sees its row.
		slog.Debug(r.name+".Apply: concurrent insert, retrying", "recordID", op.RecordID)
		res, err = r.apply(ctx, op, deviceID)
	}
	return res, err
}

func (r *sqlRepo) apply(ctx context.Context, op models.Operation, deviceID string) (ApplyResult, error) {
	digest := PayloadDigest(op.Payload)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("begin transaction failed: %w", err)
	}
	defer tx.Rollback()

	prior, seen, err := r.loadApplied(ctx, tx, op)
	if err != nil {
		return ApplyResult{}, err
	}
	cur, exists, err := r.load(ctx, tx, op.RecordID, r.forUpdate())
	if err != nil {
		return ApplyResult{}, err
	}

	if seen && prior.digest == digest {
		slog.Debug(r.name+".Apply: replaying applied operation", "recordID", op.RecordID, "kind", op.Kind, "version", prior.version)
		ack := models.ServerAck{ServerID: prior.serverID, ServerTimestamp: fromNanos(prior.serverTS), Version: prior.version}
		state := cur
		if !exists {
			state = models.ServerState{RecordID: op.RecordID, ServerID: prior.serverID, Version: prior.version, Deleted: true}
		}
		return ApplyResult{Ack: ack, State: state, Replayed: true}, nil
	}

	kind, base := op.Kind, op.BaseVersion
	if seen && resubmitted(prior, op, deviceID) && exists && !cur.Deleted && cur.Version == prior.version && op.Kind != models.OperationDelete {
		// The task was edited after an acknowledgement its device never recorded.
		// Nothing has touched the record since, so apply the new payload on top.
		kind, base = models.OperationUpdate, cur.Version
	}

	now := time.Now()
	next := models.ServerState{RecordID: op.RecordID, ServerTimestamp: now}
	switch kind {
	case models.OperationCreate:
		if exists && !cur.Deleted {
			return ApplyResult{}, &ConflictError{Current: cur}
		}
		next.ServerID = util.NewServerID()
		if exists {
			next.ServerID = cur.ServerID
		}
		next.Version = cur.Version + 1
		next.Payload = op.Payload
	case models.OperationUpdate:
		if !exists || cur.Deleted {
			return ApplyResult{}, &ConflictError{Current: tombstone(op.RecordID, cur)}
		}
		if base != cur.Version {
			return ApplyResult{}, &ConflictError{Current: cur}
		}
		next.ServerID = cur.ServerID
		next.Version = cur.Version + 1
		next.Payload = op.Payload
	case models.OperationDelete:
		if !exists || cur.Deleted {
			// Deleting what is already gone succeeds.
			st := tombstone(op.RecordID, cur)
			ack := models.ServerAck{ServerID: st.ServerID, ServerTimestamp: now, Version: st.Version}
			return ApplyResult{Ack: ack, State: st}, nil
		}
		if base != 0 && base != cur.Version {
			return ApplyResult{}, &ConflictError{Current: cur}
		}
		next.ServerID = cur.ServerID
		next.Version = cur.Version + 1
		next.Deleted = true
	}

	if err := r.writeRecord(ctx, tx, next, exists, deviceID); err != nil {
		return ApplyResult{}, err
	}
	if _, err := tx.ExecContext(ctx, r.q(
		`INSERT INTO applied_ops (idempotency_key, operation_kind, base_version, digest, device_id, task_id, server_id, version, server_ts, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key, operation_kind, base_version)
		 DO UPDATE SET digest = excluded.digest, device_id = excluded.device_id, task_id = excluded.task_id, server_id = excluded.server_id,
		     version = excluded.version, server_ts = excluded.server_ts, applied_at = excluded.applied_at`),
		op.IdempotencyKey, op.Kind, op.BaseVersion, digest, deviceID, op.TaskID, next.ServerID, next.Version, toNanos(now), toNanos(now),
	); err != nil {
		return ApplyResult{}, fmt.Errorf("record applied operation failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("commit failed: %w", err)
	}

	slog.Debug(r.name+".Apply: operation applied", "recordID", op.RecordID, "kind", kind, "version", next.Version, "deviceID", deviceID)
	return ApplyResult{Ack: next.Ack(), State: next, Changed: true}, nil
}

func (r *sqlRepo) loadApplied(ctx context.Context, tx *sql.Tx, op models.Operation) (appliedOp, bool, error) {
	var a appliedOp
	err := tx.QueryRowContext(ctx, r.q(
		`SELECT digest, device_id, task_id, server_id, version, server_ts FROM applied_ops
		 WHERE idempotency_key = ? AND operation_kind = ? AND base_version = ?`),
		op.IdempotencyKey, op.Kind, op.BaseVersion,
	).Scan(&a.digest, &a.deviceID, &a.taskID, &a.serverID, &a.version, &a.serverTS)
	if errors.Is(err, sql.ErrNoRows) {
		return appliedOp{}, false, nil
	}
	if err != nil {
		return appliedOp{}, false, fmt.Errorf("load applied operation failed: %w", err)
	}
	return a, true, nil
}

// resubmitted reports whether op repeats the outbox task recorded in the ledger. Only
// that task may change its payload under an already applied key.
func resubmitted(prior appliedOp, op models.Operation, deviceID string) bool {
	return op.TaskID != "" && prior.taskID == op.TaskID && prior.deviceID == deviceID
}

func (r *sqlRepo) writeRecord(ctx context.Context, tx *sql.Tx, st models.ServerState, exists bool, deviceID string) error {
	var payload []byte
	if !st.Deleted {
		payload = st.Payload
	}
	var err error
	if exists {
		_, err = tx.ExecContext(ctx, r.q(
			`UPDATE records SET server_id = ?, payload = ?, version = ?, server_ts = ?, deleted = ?, device_id = ? WHERE record_id = ?`),
			st.ServerID, payload, st.Version, toNanos(st.ServerTimestamp), st.Deleted, deviceID, st.RecordID)
	} else {
		_, err = tx.ExecContext(ctx, r.q(
			`INSERT INTO records (record_id, server_id, payload, version, server_ts, deleted, device_id) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			st.RecordID, st.ServerID, payload, st.Version, toNanos(st.ServerTimestamp), st.Deleted, deviceID)
	}
	if err != nil {
		return fmt.Errorf("write record %s failed: %w", st.RecordID, err)
	}
	return nil
}

// tombstone describes a record that is absent or deleted on the server.
func tombstone(recordID string, cur models.ServerState) models.ServerState {
	st := cur
	st.RecordID = recordID
	st.Payload = nil
	st.Deleted = true
	return st
}
