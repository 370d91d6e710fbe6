// Package util provides small helpers shared across SyncPipe packages.
package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// ServerIDPrefix marks identifiers assigned by the sync server.
const ServerIDPrefix = "srv_"

// NewRecordID returns a client-generated record ID. It doubles as the idempotency key,
// so it must be globally unique: a random (version 4) UUID.
func NewRecordID() string {
	return uuid.NewString()
}

// NewTaskID returns an outbox task ID. Version 7 UUIDs sort by creation time, which
// keeps task rows readable when inspecting the database.
func NewTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewServerID returns a server-side record ID: the prefix and 16 random bytes in hex.
func NewServerID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return ServerIDPrefix + hex.EncodeToString(b[:])
}
