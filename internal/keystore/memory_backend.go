package keystore

import (
	"crypto/cipher"
	"crypto/rand"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// MemoryBackend keeps keys in process memory. With OriginHardware it stands in for a
// platform key store in tests and in embedders that bridge one in.
type MemoryBackend struct {
	origin Origin

	mu          sync.Mutex
	unavailable bool
	keys        map[string]cipher.AEAD
}

func NewMemoryBackend(origin Origin) *MemoryBackend {
	return &MemoryBackend{origin: origin, keys: make(map[string]cipher.AEAD)}
}

// SetAvailable toggles whether the backend reports itself usable.
func (m *MemoryBackend) SetAvailable(ok bool) {
	m.mu.Lock()
	m.unavailable = !ok
	m.mu.Unlock()
}

func (m *MemoryBackend) Origin() Origin { return m.origin }

func (m *MemoryBackend) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unavailable
}

func (m *MemoryBackend) Load(alias string) (cipher.AEAD, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.keys[alias]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return a, nil
}

func (m *MemoryBackend) Generate(alias string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	defer clear(key)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.keys[alias] = a
	m.mu.Unlock()
	return a, nil
}

func (m *MemoryBackend) Destroy(alias string) error {
	m.mu.Lock()
	delete(m.keys, alias)
	m.mu.Unlock()
	return nil
}
