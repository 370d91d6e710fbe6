package models

import (
	"errors"
	"strings"
	"testing"
)

func TestQueryMatches(t *testing.T) {
	pending := Record{ID: "a", SyncState: SyncStatePending}
	synced := Record{ID: "b", SyncState: SyncStateSynced}
	deleted := Record{ID: "c", SyncState: SyncStatePending, Deleted: true}

	tests := []struct {
		name  string
		query Query
		rec   Record
		want  bool
	}{
		{"zero query matches live record", Query{}, pending, true},
		{"zero query hides tombstones", Query{}, deleted, false},
		{"include deleted", Query{IncludeDeleted: true}, deleted, true},
		{"state filter hit", Query{States: []SyncState{SyncStateSynced}}, synced, true},
		{"state filter miss", Query{States: []SyncState{SyncStateSynced}}, pending, false},
		{"id filter hit", Query{IDs: []string{"a", "z"}}, pending, true},
		{"id filter miss", Query{IDs: []string{"z"}}, pending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.query.Matches(tt.rec); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidatePayload(t *testing.T) {
	if err := ValidatePayload(nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("expected ErrEmptyPayload, got %v", err)
	}
	if err := ValidatePayload(make([]byte, MaxPayloadLength+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
	if err := ValidatePayload([]byte("hello")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateRecordID(t *testing.T) {
	if err := ValidateRecordID(""); !errors.Is(err, ErrEmptyRecordID) {
		t.Errorf("expected ErrEmptyRecordID, got %v", err)
	}
	if err := ValidateRecordID(strings.Repeat("x", MaxRecordIDLength+1)); !errors.Is(err, ErrRecordIDTooLong) {
		t.Errorf("expected ErrRecordIDTooLong, got %v", err)
	}
}

func TestNewOperationUsesRecordIDAsIdempotencyKey(t *testing.T) {
	task := SyncTask{ID: "task_1", RecordID: "m1", Kind: OperationCreate}
	op := NewOperation(task, []byte("hello"))
	if op.IdempotencyKey != "m1" {
		t.Errorf("IdempotencyKey = %q, want m1", op.IdempotencyKey)
	}
	if op.TaskID != "task_1" {
		t.Errorf("TaskID = %q, want task_1", op.TaskID)
	}
	if err := op.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}

	del := NewOperation(SyncTask{RecordID: "m1", Kind: OperationDelete, BaseVersion: 3}, []byte("ignored"))
	if del.Payload != nil {
		t.Error("delete operations must not carry a payload")
	}
	if err := del.Validate(); err != nil {
		t.Errorf("unexpected validation error for delete: %v", err)
	}
}

func TestOperationValidateRejectsForeignIdempotencyKey(t *testing.T) {
	op := Operation{Kind: OperationCreate, RecordID: "m1", IdempotencyKey: "other", Payload: []byte("x")}
	var ve *ValidationError
	if err := op.Validate(); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestTaskStatusIsLive(t *testing.T) {
	live := map[TaskStatus]bool{
		TaskStatusQueued:    true,
		TaskStatusInFlight:  true,
		TaskStatusDone:      false,
		TaskStatusAbandoned: false,
	}
	for status, want := range live {
		if status.IsLive() != want {
			t.Errorf("%s.IsLive() = %v, want %v", status, !want, want)
		}
	}
}

func TestConflictResponseCarriesState(t *testing.T) {
	state := ServerState{RecordID: "m1", ServerID: "srv_1", Version: 4}
	resp := Conflict(state)
	if resp.Status != string(APIStatusConflict) {
		t.Errorf("Status = %q, want conflict", resp.Status)
	}
	body, ok := resp.Result.(ConflictBody)
	if !ok || body.Current.Version != 4 {
		t.Errorf("unexpected conflict result: %#v", resp.Result)
	}
}
