package util

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewRecordID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRecordID()
		parsed, err := uuid.Parse(id)
		if err != nil {
			t.Fatalf("NewRecordID() = %q is not a UUID: %v", id, err)
		}
		if parsed.Version() != 4 {
			t.Fatalf("NewRecordID() = %q has version %d, want 4", id, parsed.Version())
		}
		if seen[id] {
			t.Fatalf("NewRecordID() generated duplicate: %v", id)
		}
		seen[id] = true
	}
}

func TestNewTaskIDIsTimeOrdered(t *testing.T) {
	prev := NewTaskID()
	for i := 0; i < 100; i++ {
		next := NewTaskID()
		parsed, err := uuid.Parse(next)
		if err != nil {
			t.Fatalf("NewTaskID() = %q is not a UUID: %v", next, err)
		}
		if parsed.Version() != 7 {
			t.Errorf("NewTaskID() = %q has version %d, want 7", next, parsed.Version())
		}
		if next <= prev {
			t.Errorf("NewTaskID() = %q does not sort after %q", next, prev)
		}
		prev = next
	}
}

func TestNewServerID(t *testing.T) {
	tests := []struct {
		name  string
		check func(t *testing.T, id string)
	}{
		{"prefix", func(t *testing.T, id string) {
			if !strings.HasPrefix(id, ServerIDPrefix) {
				t.Errorf("NewServerID() = %v, want prefix %v", id, ServerIDPrefix)
			}
		}},
		{"hex body", func(t *testing.T, id string) {
			body := strings.TrimPrefix(id, ServerIDPrefix)
			raw, err := hex.DecodeString(body)
			if err != nil || len(raw) != 16 {
				t.Errorf("NewServerID() body %q is not 16 bytes of hex", body)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, NewServerID())
		})
	}

	if NewServerID() == NewServerID() {
		t.Error("NewServerID() generated duplicate IDs")
	}
}
