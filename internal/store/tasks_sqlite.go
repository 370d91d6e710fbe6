package store

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

// insertTask adds a queued task. The partial unique index rejects a second live task.
func insertTask(ctx context.Context, tx *sql.Tx, t models.SyncTask, now time.Time) error {
	if t.ID == "" {
		t.ID = util.NewTaskID()
	}
	if t.NextEligibleAt.IsZero() {
		t.NextEligibleAt = now
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sync_tasks (task_id, record_id, operation_kind, attempt_count, next_eligible_at, status, dispatched, base_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		t.ID, t.RecordID, t.Kind, t.AttemptCount, toNanos(t.NextEligibleAt), t.BaseVersion, toNanos(now), toNanos(now),
	)
	if isUniqueViolation(err) {
		return ErrLiveTaskExists
	}
	if err != nil {
		return fmt.Errorf("insert sync task failed: %w", err)
	}
	return nil
}

func loadTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (models.SyncTask, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM sync_tasks WHERE task_id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return t, models.ErrTaskNotFound
	}
	if err != nil {
		return t, fmt.Errorf("load sync task failed: %w", err)
	}
	return t, nil
}

func liveTaskTx(ctx context.Context, tx *sql.Tx, recordID string) (models.SyncTask, bool, error) {
	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks WHERE record_id = ? AND status IN ('queued', 'in_flight')`, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return t, false, nil
	}
	if err != nil {
		return t, false, fmt.Errorf("load live task failed: %w", err)
	}
	return t, true, nil
}

// Enqueue adds a task for an existing record and moves the record back to Pending.
func (s *SQLiteStore) Enqueue(ctx context.Context, task models.SyncTask) (models.SyncTask, error) {
	if !models.IsValidOperationKind(task.Kind) {
		return task, &models.ValidationError{Reason: fmt.Sprintf("unknown operation kind %q", task.Kind)}
	}
	if task.ID == "" {
		task.ID = util.NewTaskID()
	}
	now := time.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := loadRecordTx(ctx, tx, task.RecordID); err != nil {
			return err
		}
		if err := insertTask(ctx, tx, task, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE records SET sync_state = 'pending', failure_reason = NULL, updated_at = ? WHERE id = ?`,
			toNanos(now), task.RecordID)
		return err
	})
	if err != nil {
		return task, err
	}
	s.hub.publish(task.RecordID)
	return s.GetTask(ctx, task.ID)
}

// DequeueEligible returns queued tasks due at now, earliest deadline first and then in
// creation order. It does not claim them.
func (s *SQLiteStore) DequeueEligible(ctx context.Context, now time.Time, limit int) ([]models.SyncTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks WHERE status = 'queued' AND next_eligible_at <= ?
		 ORDER BY next_eligible_at ASC, seq ASC LIMIT ?`,
		toNanos(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("dequeue eligible tasks failed: %w", err)
	}
	defer rows.Close()

	var tasks []models.SyncTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync task failed: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dequeue iteration failed: %w", err)
	}
	return tasks, nil
}

// CompleteTask finishes a task. Done tasks are not retained.
func (s *SQLiteStore) CompleteTask(ctx context.Context, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sync_tasks WHERE task_id = ?`, taskID)
		if err != nil {
			return fmt.Errorf("complete sync task failed: %w", err)
		}
		return expectOne(res, models.ErrTaskNotFound)
	})
}

// AbandonTask makes the task terminal and fails its record with reason.
func (s *SQLiteStore) AbandonTask(ctx context.Context, taskID string, reason string) error {
	var recordID string
	now := toNanos(time.Now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := loadTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		recordID = t.RecordID
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_tasks SET status = 'abandoned', last_error = ?, locked_at = NULL, updated_at = ? WHERE task_id = ?`,
			reason, now, taskID,
		); err != nil {
			return fmt.Errorf("abandon sync task failed: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET sync_state = 'failed', failure_reason = ?, updated_at = ? WHERE id = ?`,
			reason, now, recordID)
		return err
	})
	if err != nil {
		return err
	}
	slog.Info("SQLiteStore.AbandonTask", "taskID", taskID, "recordID", recordID, "reason", reason)
	s.hub.publish(recordID)
	return nil
}

// ClaimTask moves a queued task to InFlight and its record to Syncing.
func (s *SQLiteStore) ClaimTask(ctx context.Context, taskID string, now time.Time) (models.SyncTask, error) {
	var t models.SyncTask
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if t, err = loadTaskTx(ctx, tx, taskID); err != nil {
			return err
		}
		if t.Status != models.TaskStatusQueued {
			return ErrTaskNotQueued
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_tasks SET status = 'in_flight', dispatched = 1, locked_at = ?, updated_at = ? WHERE task_id = ?`,
			toNanos(now), toNanos(now), taskID,
		); err != nil {
			return fmt.Errorf("claim sync task failed: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET sync_state = 'syncing', updated_at = ? WHERE id = ?`, toNanos(now), t.RecordID)
		return err
	})
	if err != nil {
		return t, err
	}
	t.Status = models.TaskStatusInFlight
	t.Dispatched = true
	t.LockedAt = &now
	s.hub.publish(t.RecordID)
	return t, nil
}

// ConfirmTask applies a server acknowledgement: the record becomes Synced with the
// server fields, or disappears for a Delete, and the task is done.
func (s *SQLiteStore) ConfirmTask(ctx context.Context, taskID string, ack models.ServerAck) error {
	var t models.SyncTask
	now := toNanos(time.Now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if t, err = loadTaskTx(ctx, tx, taskID); err != nil {
			return err
		}
		if t.Status != models.TaskStatusInFlight {
			return ErrTaskNotInFlight
		}
		if t.Kind == models.OperationDelete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, t.RecordID); err != nil {
				return fmt.Errorf("remove deleted record failed: %w", err)
			}
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET sync_state = 'synced', server_id = ?, server_timestamp = ?, server_version = ?, failure_reason = NULL, updated_at = ? WHERE id = ?`,
			nilIfEmpty(ack.ServerID), nullableNanos(ack.ServerTimestamp), ack.Version, now, t.RecordID,
		); err != nil {
			return fmt.Errorf("mark record synced failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_tasks WHERE task_id = ?`, taskID); err != nil {
			return fmt.Errorf("complete sync task failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Debug("SQLiteStore.ConfirmTask", "taskID", taskID, "recordID", t.RecordID, "kind", t.Kind, "version", ack.Version)
	s.hub.publish(t.RecordID)
	return nil
}

// RescheduleTask returns an in-flight task to the queue after a retryable failure.
func (s *SQLiteStore) RescheduleTask(ctx context.Context, taskID string, attempt int, next time.Time, lastErr string) error {
	return s.requeueInFlight(ctx, taskID,
		`UPDATE sync_tasks SET status = 'queued', attempt_count = ?, next_eligible_at = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE task_id = ?`,
		attempt, toNanos(next), lastErr, toNanos(time.Now()), taskID)
}

// ReleaseTask returns an in-flight task to the queue without consuming an attempt. Used
// when a call is cancelled locally rather than failed remotely.
func (s *SQLiteStore) ReleaseTask(ctx context.Context, taskID string) error {
	return s.requeueInFlight(ctx, taskID,
		`UPDATE sync_tasks SET status = 'queued', locked_at = NULL, updated_at = ? WHERE task_id = ?`,
		toNanos(time.Now()), taskID)
}

func (s *SQLiteStore) requeueInFlight(ctx context.Context, taskID, query string, args ...any) error {
	var recordID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := loadTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != models.TaskStatusInFlight {
			return ErrTaskNotInFlight
		}
		recordID = t.RecordID
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("requeue sync task failed: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET sync_state = 'pending', updated_at = ? WHERE id = ?`, toNanos(time.Now()), recordID)
		return err
	})
	if err != nil {
		return err
	}
	s.hub.publish(recordID)
	return nil
}

// ApplyServerState resolves a conflict in the server's favour: the record is overwritten
// with state exactly (or removed for a server tombstone) and the task is abandoned.
func (s *SQLiteStore) ApplyServerState(ctx context.Context, taskID string, state models.ServerState) error {
	var t models.SyncTask
	now := time.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if t, err = loadTaskTx(ctx, tx, taskID); err != nil {
			return err
		}
		if state.Deleted {
			_, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, t.RecordID)
			return err
		}
		if err := s.overwriteTx(ctx, tx, t.RecordID, state, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sync_tasks SET status = 'abandoned', last_error = ?, locked_at = NULL, updated_at = ? WHERE task_id = ?`,
			fmt.Sprintf("conflict: replaced by server version %d", state.Version), toNanos(now), taskID)
		return err
	})
	if err != nil {
		return err
	}
	slog.Info("SQLiteStore.ApplyServerState", "taskID", taskID, "recordID", t.RecordID, "version", state.Version, "deleted", state.Deleted)
	s.hub.publish(t.RecordID)
	return nil
}

// HoldForReview abandons a conflicted task but keeps the local payload, failing the
// record with reason. The task is rewritten against the server state so that a later
// RequeueFailed submits the local copy on top of it.
func (s *SQLiteStore) HoldForReview(ctx context.Context, taskID, reason string, state models.ServerState) error {
	var recordID string
	now := toNanos(time.Now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := loadTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		recordID = t.RecordID
		kind := models.OperationUpdate
		switch {
		case state.Deleted && t.Kind == models.OperationDelete:
			kind = models.OperationDelete
		case state.Deleted:
			kind = models.OperationCreate
		case t.Kind == models.OperationDelete:
			kind = models.OperationDelete
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_tasks SET status = 'abandoned', operation_kind = ?, base_version = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE task_id = ?`,
			kind, state.Version, reason, now, taskID,
		); err != nil {
			return fmt.Errorf("hold sync task for review failed: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET sync_state = 'failed', failure_reason = ?, updated_at = ? WHERE id = ?`,
			reason, now, recordID)
		return err
	})
	if err != nil {
		return err
	}
	slog.Info("SQLiteStore.HoldForReview", "taskID", taskID, "recordID", recordID, "serverVersion", state.Version)
	s.hub.publish(recordID)
	return nil
}

// overwriteTx replaces the local record with the server copy, inserting it if absent.
func (s *SQLiteStore) overwriteTx(ctx context.Context, tx *sql.Tx, id string, state models.ServerState, now time.Time) error {
	blob, origin, err := s.sealer.Seal(id, state.Payload)
	if err != nil {
		return fmt.Errorf("seal server payload: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (id, payload, key_origin, created_at, updated_at, sync_state, server_id, server_timestamp, server_version, deleted)
		 VALUES (?, ?, ?, ?, ?, 'synced', ?, ?, ?, 0)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, key_origin = excluded.key_origin,
		   updated_at = excluded.updated_at, sync_state = 'synced', server_id = excluded.server_id,
		   server_timestamp = excluded.server_timestamp, server_version = excluded.server_version,
		   failure_reason = NULL, deleted = 0`,
		id, blob, origin, toNanos(now), toNanos(now), nilIfEmpty(state.ServerID),
		nullableNanos(state.ServerTimestamp), state.Version,
	)
	if err != nil {
		return fmt.Errorf("overwrite record failed: %w", err)
	}
	return nil
}

// ApplyServerUpdate applies a server-driven change. Records with a live task or awaiting
// a retry keep their local state, and stale versions are ignored. It reports whether
// anything changed.
func (s *SQLiteStore) ApplyServerUpdate(ctx context.Context, state models.ServerState) (bool, error) {
	if err := models.ValidateRecordID(state.RecordID); err != nil {
		return false, models.NewValidationError(err)
	}
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, found, err := liveTaskTx(ctx, tx, state.RecordID); err != nil || found {
			return err
		}
		r, err := loadRecordTx(ctx, tx, state.RecordID)
		exists := err == nil
		if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
			return err
		}
		if exists && (r.SyncState == models.SyncStateFailed || state.Version <= r.ServerVersion) {
			return nil
		}
		if state.Deleted {
			if !exists {
				return nil
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, state.RecordID); err != nil {
				return fmt.Errorf("apply server delete failed: %w", err)
			}
			applied = true
			return nil
		}
		if err := s.overwriteTx(ctx, tx, state.RecordID, state, time.Now()); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		slog.Debug("SQLiteStore.ApplyServerUpdate", "recordID", state.RecordID, "version", state.Version, "deleted", state.Deleted)
		s.hub.publish(state.RecordID)
	}
	return applied, nil
}

// RequeueFailed gives a Failed record a fresh task starting at attempt zero. Kind and
// base version carry over from the abandoned task, so a record held for review is
// resubmitted against the server version it conflicted with.
func (s *SQLiteStore) RequeueFailed(ctx context.Context, id string) (models.SyncTask, error) {
	taskID := util.NewTaskID()
	now := time.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := loadRecordTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.SyncState != models.SyncStateFailed {
			return models.ErrRecordNotFailed
		}

		kind := models.OperationCreate
		switch {
		case r.Deleted:
			kind = models.OperationDelete
		case r.ServerID != "":
			kind = models.OperationUpdate
		}
		base := r.ServerVersion
		var (
			last     string
			lastBase int64
		)
		err = tx.QueryRowContext(ctx,
			`SELECT operation_kind, base_version FROM sync_tasks WHERE record_id = ? AND status = 'abandoned' ORDER BY seq DESC LIMIT 1`, id,
		).Scan(&last, &lastBase)
		if err == nil {
			kind = models.OperationKind(last)
			base = max(base, lastBase)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load abandoned task failed: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_tasks WHERE record_id = ? AND status = 'abandoned'`, id); err != nil {
			return fmt.Errorf("drop abandoned tasks failed: %w", err)
		}
		if err := insertTask(ctx, tx, models.SyncTask{
			ID:             taskID,
			RecordID:       id,
			Kind:           kind,
			BaseVersion:    base,
			NextEligibleAt: now,
		}, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET sync_state = 'pending', failure_reason = NULL, updated_at = ? WHERE id = ?`,
			toNanos(now), id)
		return err
	})
	if err != nil {
		return models.SyncTask{}, err
	}
	slog.Info("SQLiteStore.RequeueFailed", "recordID", id, "taskID", taskID)
	s.hub.publish(id)
	return s.GetTask(ctx, taskID)
}

// RecoverInFlight resets work interrupted by a crash: InFlight tasks return to Queued
// and Syncing records to Pending. Call once at startup while holding the state lock.
func (s *SQLiteStore) RecoverInFlight(ctx context.Context) (int, error) {
	var n int64
	var ids []string
	now := toNanos(time.Now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM records WHERE sync_state = 'syncing'`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()

		res, err := tx.ExecContext(ctx,
			`UPDATE sync_tasks SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'in_flight'`, now)
		if err != nil {
			return fmt.Errorf("requeue in-flight tasks failed: %w", err)
		}
		n, _ = res.RowsAffected()
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET sync_state = 'pending', updated_at = ? WHERE sync_state = 'syncing'`, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("SQLiteStore.RecoverInFlight: requeued interrupted tasks", "count", n)
	}
	s.hub.publish(ids...)
	return int(n), nil
}

// NextEligibleAt returns the earliest deadline among queued tasks.
func (s *SQLiteStore) NextEligibleAt(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.reader.QueryRowContext(ctx,
		`SELECT MIN(next_eligible_at) FROM sync_tasks WHERE status = 'queued'`).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next eligible query failed: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(next.Int64), true, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (models.SyncTask, error) {
	t, err := scanTask(s.reader.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM sync_tasks WHERE task_id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return t, models.ErrTaskNotFound
	}
	if err != nil {
		return t, fmt.Errorf("get sync task failed: %w", err)
	}
	return t, nil
}

// LiveTask returns the queued or in-flight task of a record, or ErrTaskNotFound.
func (s *SQLiteStore) LiveTask(ctx context.Context, recordID string) (models.SyncTask, error) {
	t, err := scanTask(s.reader.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks WHERE record_id = ? AND status IN ('queued', 'in_flight')`, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return t, models.ErrTaskNotFound
	}
	if err != nil {
		return t, fmt.Errorf("get live task failed: %w", err)
	}
	return t, nil
}

// PurgeTerminalTasks deletes abandoned tasks last touched before the cutoff. The task
// backing a Failed record is kept until the record is retried or deleted.
func (s *SQLiteStore) PurgeTerminalTasks(ctx context.Context, before time.Time) (int, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM sync_tasks WHERE status IN ('abandoned', 'done') AND updated_at < ?
			 AND record_id NOT IN (SELECT id FROM records WHERE sync_state = 'failed')`,
			toNanos(before))
		if err != nil {
			return fmt.Errorf("purge terminal tasks failed: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Debug("SQLiteStore.PurgeTerminalTasks", "purged", n)
	}
	return int(n), nil
}
