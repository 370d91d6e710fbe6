package crypt

import (
	"fmt"

	"github.com/BTreeMap/SyncPipe/internal/keystore"
)

// HandleSource provisions the current data key. *keystore.Store implements it.
type HandleSource interface {
	GetOrCreateKey() (keystore.Handle, error)
}

// KeyStore is the subset of *keystore.Store a RecordSealer needs.
type KeyStore interface {
	KeyProvider
	HandleSource
}

// RecordSealer binds payload encryption to record ids: the id is authenticated as
// associated data, so a blob copied onto another row fails to open.
type RecordSealer struct {
	engine *Engine
	keys   KeyProvider
	handle keystore.Handle
}

// NewRecordSealer provisions the data key once and seals every payload under it.
// After the key is wiped the sealer fails with ErrKeyUnavailable until a new one is built.
func NewRecordSealer(engine *Engine, keys KeyStore) (*RecordSealer, error) {
	h, err := keys.GetOrCreateKey()
	if err != nil {
		return nil, fmt.Errorf("provision data key: %w", err)
	}
	return &RecordSealer{engine: engine, keys: keys, handle: h}, nil
}

// Handle returns the data key the sealer writes with.
func (s *RecordSealer) Handle() keystore.Handle { return s.handle }

// Seal encrypts payload for recordID and reports the origin of the key used.
func (s *RecordSealer) Seal(recordID string, payload []byte) ([]byte, uint8, error) {
	blob, err := s.engine.EncryptWithAAD(payload, []byte(recordID), s.handle)
	if err != nil {
		return nil, 0, err
	}
	return blob, uint8(s.handle.Origin()), nil
}

// Open decrypts a blob stored for recordID, resolving an older key when the blob was
// sealed under a different origin than the current one.
func (s *RecordSealer) Open(recordID string, blob []byte) ([]byte, error) {
	origin, err := OriginOf(blob)
	if err != nil {
		return nil, err
	}
	h := s.handle
	if origin != h.Origin() {
		// The current key must still be live before falling back to another origin.
		if _, err := s.keys.AEAD(h); err != nil {
			return nil, err
		}
		if h, err = s.keys.Lookup(origin); err != nil {
			return nil, err
		}
	}
	return s.engine.DecryptWithAAD(blob, []byte(recordID), h)
}
