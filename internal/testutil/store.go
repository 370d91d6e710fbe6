// Package testutil provides common test utilities and helpers for SyncPipe tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/BTreeMap/SyncPipe/internal/crypt"
	"github.com/BTreeMap/SyncPipe/internal/keystore"
	"github.com/BTreeMap/SyncPipe/internal/store"
)

// LocalStore bundles a temporary local store with the key material behind it.
type LocalStore struct {
	*store.SQLiteStore
	Keys   *keystore.Store
	Sealer *crypt.RecordSealer
	Path   string
}

// NewLocalStore opens a SQLite local store in a temporary directory, sealed with an
// in-memory hardware-origin key. It is closed when the test ends.
func NewLocalStore(t testing.TB) *LocalStore {
	t.Helper()
	keys, err := keystore.New("test", keystore.NewMemoryBackend(keystore.OriginHardware))
	if err != nil {
		t.Fatalf("keystore.New failed: %v", err)
	}
	sealer, err := crypt.NewRecordSealer(crypt.NewEngine(keys), keys)
	if err != nil {
		t.Fatalf("NewRecordSealer failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "local.db")
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(path), store.WithSealer(sealer))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &LocalStore{SQLiteStore: s, Keys: keys, Sealer: sealer, Path: path}
}
