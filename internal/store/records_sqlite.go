package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/util"
)

// Write stores a new record together with its Create task. Update and Delete kinds are
// routed to Edit and Delete so callers can drive every mutation through one entry point.
func (s *SQLiteStore) Write(ctx context.Context, rec models.Record, kind models.OperationKind) (string, error) {
	switch kind {
	case models.OperationCreate:
	case models.OperationUpdate:
		updated, err := s.Edit(ctx, rec.ID, rec.Payload)
		return updated.ID, err
	case models.OperationDelete:
		return rec.ID, s.Delete(ctx, rec.ID)
	default:
		return "", &models.ValidationError{Reason: fmt.Sprintf("unknown operation kind %q", kind)}
	}

	if rec.ID == "" {
		rec.ID = util.NewRecordID()
	}
	if err := models.ValidateRecordID(rec.ID); err != nil {
		return "", models.NewValidationError(err)
	}
	if err := models.ValidatePayload(rec.Payload); err != nil {
		return "", models.NewValidationError(err)
	}

	blob, origin, err := s.sealer.Seal(rec.ID, rec.Payload)
	if err != nil {
		return "", fmt.Errorf("seal payload: %w", err)
	}

	now := time.Now()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO records (id, payload, key_origin, created_at, updated_at, sync_state) VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, blob, origin, toNanos(now), toNanos(now), models.SyncStatePending,
		)
		if isUniqueViolation(err) {
			return models.ErrRecordExists
		}
		if err != nil {
			return fmt.Errorf("insert record failed: %w", err)
		}
		return insertTask(ctx, tx, models.SyncTask{
			RecordID:       rec.ID,
			Kind:           models.OperationCreate,
			NextEligibleAt: now,
		}, now)
	})
	if err != nil {
		slog.Debug("SQLiteStore.Write failed", "id", rec.ID, "error", err)
		return "", err
	}
	slog.Debug("SQLiteStore.Write", "id", rec.ID, "size", len(rec.Payload))
	s.hub.publish(rec.ID)
	return rec.ID, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (models.Record, error) {
	row := s.reader.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Record{}, models.ErrRecordNotFound
	}
	if err != nil {
		return models.Record{}, fmt.Errorf("get record failed: %w", err)
	}
	return s.open(r)
}

// List returns the records matching q in creation order.
func (s *SQLiteStore) List(ctx context.Context, q models.Query) ([]models.Record, error) {
	var where []string
	var args []any
	if !q.IncludeDeleted {
		where = append(where, "deleted = 0")
	}
	if len(q.States) > 0 {
		where = append(where, "sync_state IN ("+placeholders(len(q.States))+")")
		for _, st := range q.States {
			args = append(args, string(st))
		}
	}
	if len(q.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(q.IDs))+")")
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}

	query := `SELECT ` + recordColumns + ` FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records failed: %w", err)
	}
	defer rows.Close()

	var stored []storedRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record failed: %w", err)
		}
		stored = append(stored, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records iteration failed: %w", err)
	}

	records := make([]models.Record, 0, len(stored))
	for _, r := range stored {
		rec, err := s.open(r)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *SQLiteStore) MarkSyncing(ctx context.Context, id string) error {
	return s.setState(ctx, id,
		`UPDATE records SET sync_state = 'syncing', updated_at = ? WHERE id = ? AND sync_state IN ('pending', 'syncing')`,
		toNanos(time.Now()), id)
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, id string, ack models.ServerAck) error {
	return s.setState(ctx, id,
		`UPDATE records SET sync_state = 'synced', server_id = ?, server_timestamp = ?, server_version = ?, failure_reason = NULL, updated_at = ? WHERE id = ?`,
		nilIfEmpty(ack.ServerID), nullableNanos(ack.ServerTimestamp), ack.Version, toNanos(time.Now()), id)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.setState(ctx, id,
		`UPDATE records SET sync_state = 'failed', failure_reason = ?, updated_at = ? WHERE id = ?`,
		reason, toNanos(time.Now()), id)
}

func (s *SQLiteStore) setState(ctx context.Context, id, query string, args ...any) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update record state failed: %w", err)
		}
		return expectOne(res, models.ErrRecordNotFound)
	})
	if err != nil {
		return err
	}
	s.hub.publish(id)
	return nil
}

// Edit replaces the payload of a live record. A queued task absorbs the edit; a synced
// record gets a new Update task built against its current server version.
func (s *SQLiteStore) Edit(ctx context.Context, id string, payload []byte) (models.Record, error) {
	if err := models.ValidatePayload(payload); err != nil {
		return models.Record{}, models.NewValidationError(err)
	}
	blob, origin, err := s.sealer.Seal(id, payload)
	if err != nil {
		return models.Record{}, fmt.Errorf("seal payload: %w", err)
	}

	now := time.Now()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := loadRecordTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Deleted {
			return models.ErrRecordNotFound
		}
		live, found, err := liveTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		switch {
		case found && live.Status == models.TaskStatusInFlight:
			return models.ErrRecordBusy
		case found:
			slog.Debug("SQLiteStore.Edit: coalescing into queued task", "id", id, "taskID", live.ID)
		case r.SyncState == models.SyncStateFailed:
			return models.ErrRecordFailed
		default:
			if err := insertTask(ctx, tx, models.SyncTask{
				RecordID:       id,
				Kind:           models.OperationUpdate,
				BaseVersion:    r.ServerVersion,
				NextEligibleAt: now,
			}, now); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET payload = ?, key_origin = ?, sync_state = 'pending', failure_reason = NULL, updated_at = ? WHERE id = ?`,
			blob, origin, toNanos(now), id,
		)
		if err != nil {
			return fmt.Errorf("update record payload failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Record{}, err
	}
	s.hub.publish(id)
	return s.Get(ctx, id)
}

// Delete removes a record. A record the server has never seen is dropped locally; any
// other record becomes a tombstone whose Delete task removes it once acknowledged.
// A record with an in-flight call returns ErrRecordBusy; the caller cancels it first.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	now := time.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := loadRecordTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Deleted {
			return nil
		}
		live, found, err := liveTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if found && live.Status == models.TaskStatusInFlight {
			return models.ErrRecordBusy
		}

		var dispatched int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sync_tasks WHERE record_id = ? AND dispatched = 1`, id,
		).Scan(&dispatched); err != nil {
			return fmt.Errorf("count dispatched tasks failed: %w", err)
		}
		if r.ServerID == "" && dispatched == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete record failed: %w", err)
			}
			slog.Debug("SQLiteStore.Delete: discarded unsynced record", "id", id)
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sync_tasks WHERE record_id = ? AND status NOT IN ('queued', 'in_flight')`, id,
		); err != nil {
			return fmt.Errorf("drop terminal tasks failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET deleted = 1, payload = NULL, sync_state = 'pending', failure_reason = NULL, updated_at = ? WHERE id = ?`,
			toNanos(now), id,
		); err != nil {
			return fmt.Errorf("tombstone record failed: %w", err)
		}
		if found {
			_, err := tx.ExecContext(ctx,
				`UPDATE sync_tasks SET operation_kind = 'delete', attempt_count = 0, next_eligible_at = ?, base_version = ?, last_error = NULL, updated_at = ? WHERE task_id = ?`,
				toNanos(now), r.ServerVersion, toNanos(now), live.ID,
			)
			if err != nil {
				return fmt.Errorf("convert task to delete failed: %w", err)
			}
			return nil
		}
		return insertTask(ctx, tx, models.SyncTask{
			RecordID:       id,
			Kind:           models.OperationDelete,
			BaseVersion:    r.ServerVersion,
			NextEligibleAt: now,
		}, now)
	})
	if err != nil {
		return err
	}
	slog.Debug("SQLiteStore.Delete", "id", id)
	s.hub.publish(id)
	return nil
}

// Wipe removes every record and task. Key destruction is the caller's concern.
func (s *SQLiteStore) Wipe(ctx context.Context) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_tasks`); err != nil {
			return fmt.Errorf("wipe tasks failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
			return fmt.Errorf("wipe records failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := s.writer.ExecContext(ctx, `VACUUM`); err != nil {
		slog.Warn("SQLiteStore.Wipe: vacuum failed", "error", err)
	}
	slog.Info("SQLiteStore.Wipe: local data removed")
	s.hub.reset()
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Records: make(map[models.SyncState]int),
		Tasks:   make(map[models.TaskStatus]int),
	}

	rows, err := s.reader.QueryContext(ctx, `SELECT sync_state, deleted, COUNT(*) FROM records GROUP BY sync_state, deleted`)
	if err != nil {
		return st, fmt.Errorf("record stats failed: %w", err)
	}
	for rows.Next() {
		var state string
		var deleted, n int
		if err := rows.Scan(&state, &deleted, &n); err != nil {
			rows.Close()
			return st, fmt.Errorf("scan record stats failed: %w", err)
		}
		st.Records[models.SyncState(state)] += n
		if deleted != 0 {
			st.Tombstones += n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	rows, err = s.reader.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_tasks GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("task stats failed: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return st, fmt.Errorf("scan task stats failed: %w", err)
		}
		st.Tasks[models.TaskStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	if next, ok, err := s.NextEligibleAt(ctx); err != nil {
		return st, err
	} else if ok {
		st.NextEligibleAt = &next
	}
	return st, nil
}

func loadRecordTx(ctx context.Context, tx *sql.Tx, id string) (storedRecord, error) {
	r, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return r, models.ErrRecordNotFound
	}
	if err != nil {
		return r, fmt.Errorf("load record failed: %w", err)
	}
	return r, nil
}
