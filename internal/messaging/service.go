// Package messaging is the command and query facade over the local store and the sync
// engine. Every command returns once the change is durable locally; synchronization
// happens in the background.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/engine"
	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/store"
)

// Engine is the part of the sync engine the facade drives.
type Engine interface {
	Notify()
	Cancel(ctx context.Context, recordID string) (release func(), err error)
	Events(ctx context.Context) <-chan engine.Event
}

// PayloadValidator checks payloads before they are queued. *schema.Validator implements it.
type PayloadValidator interface {
	Validate(payload []byte) error
}

// KeyWiper destroys key material on logout. *keystore.Store implements it.
type KeyWiper interface {
	WipeAll() error
}

// SyncStatus is the synchronization status of one record.
type SyncStatus struct {
	RecordID       string           `json:"record_id"`
	State          models.SyncState `json:"sync_state"`
	Deleted        bool             `json:"deleted,omitempty"`
	ServerID       string           `json:"server_id,omitempty"`
	ServerVersion  int64            `json:"server_version,omitempty"`
	PendingKind    string           `json:"pending_kind,omitempty"`
	Attempt        int              `json:"attempt,omitempty"`
	NextEligibleAt *time.Time       `json:"next_eligible_at,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
}

// Service is the facade consumed by the CLI and any other front end.
type Service struct {
	store     store.OutboxStore
	engine    Engine
	validator PayloadValidator
	keys      KeyWiper
}

// Option configures a Service.
type Option func(*Service)

// WithValidator validates every payload before it is written.
func WithValidator(v PayloadValidator) Option {
	return func(s *Service) {
		s.validator = v
	}
}

// WithKeyWiper sets the key store destroyed by Wipe.
func WithKeyWiper(k KeyWiper) Option {
	return func(s *Service) {
		s.keys = k
	}
}

// NewService creates a facade over st and eng.
func NewService(st store.OutboxStore, eng Engine, opts ...Option) *Service {
	s := &Service{store: st, engine: eng}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) validate(payload []byte) error {
	if s.validator == nil {
		// The store still enforces the size limits.
		return nil
	}
	return s.validator.Validate(payload)
}

// SubmitWrite stores payload as a new record with a generated ID and queues it for sync.
func (s *Service) SubmitWrite(ctx context.Context, payload []byte) (string, error) {
	return s.SubmitWriteWithID(ctx, "", payload)
}

// SubmitWriteWithID stores payload under a caller-chosen ID. An empty id generates one.
func (s *Service) SubmitWriteWithID(ctx context.Context, id string, payload []byte) (string, error) {
	if err := s.validate(payload); err != nil {
		slog.Debug("Service.SubmitWrite: payload rejected", "id", id, "error", err)
		return "", err
	}
	id, err := s.store.Write(ctx, models.Record{ID: id, Payload: payload}, models.OperationCreate)
	if err != nil {
		return "", err
	}
	slog.Debug("Service.SubmitWrite: record queued", "id", id, "bytes", len(payload))
	s.engine.Notify()
	return id, nil
}

// Edit replaces the payload of an existing record and queues the change.
func (s *Service) Edit(ctx context.Context, id string, payload []byte) (models.Record, error) {
	if err := s.validate(payload); err != nil {
		return models.Record{}, err
	}
	rec, err := s.store.Edit(ctx, id, payload)
	if err != nil {
		return models.Record{}, err
	}
	slog.Debug("Service.Edit: record updated", "id", id, "state", rec.SyncState)
	s.engine.Notify()
	return rec, nil
}

// Delete removes a record locally and queues the remote delete when the server may
// already know it. An in-flight call for the record is cancelled first.
func (s *Service) Delete(ctx context.Context, id string) error {
	release, err := s.engine.Cancel(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel in-flight sync for %s: %w", id, err)
	}
	defer release()
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	slog.Debug("Service.Delete: record deleted", "id", id)
	return nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (models.Record, error) {
	return s.store.Get(ctx, id)
}

// List returns the records matching q.
func (s *Service) List(ctx context.Context, q models.Query) ([]models.Record, error) {
	return s.store.List(ctx, q)
}

// Observe yields the records matching q followed by every later change to them. Local
// writes appear before any network call completes.
func (s *Service) Observe(ctx context.Context, q models.Query) iter.Seq2[models.Record, error] {
	return s.store.Read(ctx, q)
}

// RetryFailed requeues a failed record from attempt zero.
func (s *Service) RetryFailed(ctx context.Context, id string) error {
	task, err := s.store.RequeueFailed(ctx, id)
	if err != nil {
		return err
	}
	slog.Info("Service.RetryFailed: record requeued", "id", id, "kind", task.Kind)
	s.engine.Notify()
	return nil
}

// CurrentSyncStatus reports where a record stands, including its live task.
func (s *Service) CurrentSyncStatus(ctx context.Context, id string) (SyncStatus, error) {
	rec, err := s.store.Get(ctx, id)
	var de *store.DecryptionError
	if err != nil && !errors.As(err, &de) {
		return SyncStatus{}, err
	}
	if de != nil {
		// Status does not need the payload; report the failure instead.
		return SyncStatus{RecordID: id, State: models.SyncStateFailed, FailureReason: de.Error()}, nil
	}

	st := SyncStatus{
		RecordID:      rec.ID,
		State:         rec.SyncState,
		Deleted:       rec.Deleted,
		ServerID:      rec.ServerID,
		ServerVersion: rec.ServerVersion,
		FailureReason: rec.FailureReason,
	}
	task, err := s.store.LiveTask(ctx, id)
	switch {
	case errors.Is(err, models.ErrTaskNotFound):
	case err != nil:
		return SyncStatus{}, err
	default:
		next := task.NextEligibleAt
		st.PendingKind = string(task.Kind)
		st.Attempt = task.AttemptCount
		st.NextEligibleAt = &next
		st.LastError = task.LastError
	}
	return st, nil
}

// Events streams engine events until ctx is done.
func (s *Service) Events(ctx context.Context) <-chan engine.Event {
	return s.engine.Events(ctx)
}

// Stats summarizes the local store.
func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	return s.store.Stats(ctx)
}

// Wipe destroys all local data and the encryption key. The service cannot write
// afterwards; callers are expected to shut down.
func (s *Service) Wipe(ctx context.Context) error {
	if err := s.store.Wipe(ctx); err != nil {
		return fmt.Errorf("wipe local data: %w", err)
	}
	if s.keys != nil {
		if err := s.keys.WipeAll(); err != nil {
			return fmt.Errorf("wipe keys: %w", err)
		}
	}
	slog.Warn("Service.Wipe: local data and keys destroyed")
	return nil
}
