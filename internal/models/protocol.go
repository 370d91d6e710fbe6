package models

import (
	"time"
)

// Operation is the request body of a remote submission. IdempotencyKey always equals the
// client-generated RecordID so a retried submission is never applied twice.
type Operation struct {
	Kind           OperationKind `json:"operation_kind"`
	RecordID       string        `json:"record_id"`
	Payload        []byte        `json:"payload,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	BaseVersion    int64         `json:"base_version"`
	// TaskID names the outbox task that produced the operation. It is stable across
	// resubmissions of that task and lets the server recognize them.
	TaskID string `json:"task_id,omitempty"`
}

// NewOperation builds the remote operation for a task and its record payload.
func NewOperation(task SyncTask, payload []byte) Operation {
	op := Operation{
		Kind:           task.Kind,
		RecordID:       task.RecordID,
		IdempotencyKey: task.RecordID,
		BaseVersion:    task.BaseVersion,
		TaskID:         task.ID,
	}
	if task.Kind != OperationDelete {
		op.Payload = payload
	}
	return op
}

// Validate checks the structural requirements of an operation.
func (o Operation) Validate() error {
	if err := ValidateRecordID(o.RecordID); err != nil {
		return err
	}
	if !IsValidOperationKind(o.Kind) {
		return &ValidationError{Reason: "unknown operation kind " + string(o.Kind)}
	}
	if o.IdempotencyKey != o.RecordID {
		return &ValidationError{Reason: "idempotency key must equal record ID"}
	}
	if o.Kind != OperationDelete {
		if err := ValidatePayload(o.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ServerAck is the server's acceptance of an operation.
type ServerAck struct {
	ServerID        string    `json:"server_id"`
	ServerTimestamp time.Time `json:"server_timestamp"`
	Version         int64     `json:"version"`
}

// ServerState is the authoritative server copy of a record, returned on conflicts, by
// fetches and over the push feed.
type ServerState struct {
	RecordID        string    `json:"record_id"`
	ServerID        string    `json:"server_id"`
	Payload         []byte    `json:"payload,omitempty"`
	ServerTimestamp time.Time `json:"server_timestamp"`
	Version         int64     `json:"version"`
	Deleted         bool      `json:"deleted,omitempty"`
}

// Ack returns the acknowledgement fields carried by the state.
func (s ServerState) Ack() ServerAck {
	return ServerAck{ServerID: s.ServerID, ServerTimestamp: s.ServerTimestamp, Version: s.Version}
}

// ConflictBody is the result carried by a 409 response.
type ConflictBody struct {
	Current ServerState `json:"current"`
}

// APIStatus is the status field of a response envelope.
type APIStatus string

const (
	APIStatusOK       APIStatus = "ok"
	APIStatusError    APIStatus = "error"
	APIStatusConflict APIStatus = "conflict"
)

// APIResponse is the JSON envelope every server endpoint replies with.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success wraps a result in an ok envelope.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error builds an error envelope with no result.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Conflict carries the current server state so the client can resolve against it.
func Conflict(current ServerState) APIResponse {
	return APIResponse{
		Status:  string(APIStatusConflict),
		Message: "operation conflicts with server state",
		Result:  ConflictBody{Current: current},
	}
}
