// Package keystore owns the symmetric key that protects SyncPipe data at rest.
//
// Keys live inside a Backend and never leave it as raw bytes: callers receive an opaque
// Handle and the crypto engine obtains a cipher.AEAD bound to it. Backends are consulted
// in preference order, hardware-backed storage first, falling back to OS-protected
// software storage. The origin actually used is carried by the handle so that sealed
// data records which path produced it.
package keystore

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// DefaultAlias is the stable alias under which the data key is stored.
const DefaultAlias = "syncpipe.data.v1"

// Origin records where a key is held.
type Origin uint8

const (
	OriginUnknown  Origin = 0
	OriginHardware Origin = 1
	OriginSoftware Origin = 2
)

func (o Origin) String() string {
	switch o {
	case OriginHardware:
		return "hardware"
	case OriginSoftware:
		return "software"
	default:
		return "unknown"
	}
}

var (
	// ErrKeyNotFound is returned by a backend that holds no key under the alias.
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyUnavailable indicates the key was wiped or cannot be unlocked; re-provisioning is required.
	ErrKeyUnavailable = errors.New("key unavailable")
	// ErrNoBackend indicates no configured backend is available on this platform.
	ErrNoBackend = errors.New("no key backend available")
)

// Backend is a place that can hold non-exportable keys. Hardware implementations are
// supplied by platform glue; FileBackend and MemoryBackend ship with SyncPipe.
type Backend interface {
	Origin() Origin
	Available() bool
	// Load returns the AEAD for an existing key or ErrKeyNotFound.
	Load(alias string) (cipher.AEAD, error)
	// Generate creates a new key under alias, replacing nothing.
	Generate(alias string) (cipher.AEAD, error)
	// Destroy irreversibly deletes the key. Destroying a missing key is not an error.
	Destroy(alias string) error
}

type entry struct {
	alias     string
	origin    Origin
	backend   Backend
	aead      cipher.AEAD
	destroyed bool
}

// Handle references a key held by a Store. The zero Handle references nothing.
type Handle struct {
	e *entry
}

// Alias returns the key alias, or "" for the zero handle.
func (h Handle) Alias() string {
	if h.e == nil {
		return ""
	}
	return h.e.alias
}

// Origin returns where the key is held.
func (h Handle) Origin() Origin {
	if h.e == nil {
		return OriginUnknown
	}
	return h.e.origin
}

func (h Handle) String() string {
	return fmt.Sprintf("keystore.Handle{alias=%s origin=%s}", h.Alias(), h.Origin())
}

// Store caches key handles for the lifetime of the process.
type Store struct {
	alias    string
	backends []Backend

	mu      sync.Mutex
	entries map[Origin]*entry
	current *entry
}

// New creates a Store for alias over the given backends. Hardware backends are always
// preferred over software ones regardless of argument order.
func New(alias string, backends ...Backend) (*Store, error) {
	if alias == "" {
		alias = DefaultAlias
	}
	if len(backends) == 0 {
		return nil, ErrNoBackend
	}
	ordered := slices.Clone(backends)
	slices.SortStableFunc(ordered, func(a, b Backend) int {
		return int(a.Origin()) - int(b.Origin())
	})
	return &Store{alias: alias, backends: ordered, entries: make(map[Origin]*entry)}, nil
}

// GetOrCreateKey returns the handle of the data key, generating it on first use.
// It is idempotent: an existing key under the alias is always reused.
func (s *Store) GetOrCreateKey() (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && !s.current.destroyed {
		return Handle{e: s.current}, nil
	}

	for _, b := range s.backends {
		if !b.Available() {
			continue
		}
		aead, err := b.Load(s.alias)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return Handle{}, fmt.Errorf("load key from %s backend: %w", b.Origin(), err)
		}
		e := s.remember(b, aead)
		slog.Debug("keystore.GetOrCreateKey: loaded existing key", "alias", s.alias, "origin", b.Origin())
		return Handle{e: e}, nil
	}

	for i, b := range s.backends {
		if !b.Available() {
			continue
		}
		aead, err := b.Generate(s.alias)
		if err != nil {
			return Handle{}, fmt.Errorf("generate key in %s backend: %w", b.Origin(), err)
		}
		e := s.remember(b, aead)
		if i > 0 || b.Origin() != OriginHardware {
			slog.Warn("keystore.GetOrCreateKey: hardware key storage unavailable, using software fallback",
				"alias", s.alias, "origin", b.Origin())
		} else {
			slog.Info("keystore.GetOrCreateKey: generated key", "alias", s.alias, "origin", b.Origin())
		}
		return Handle{e: e}, nil
	}
	return Handle{}, ErrNoBackend
}

func (s *Store) remember(b Backend, aead cipher.AEAD) *entry {
	e := &entry{alias: s.alias, origin: b.Origin(), backend: b, aead: aead}
	s.entries[e.origin] = e
	s.current = e
	return e
}

// Lookup returns the handle of the key held in the backend with the given origin. It is
// used to open data sealed before a different backend became preferred.
func (s *Store) Lookup(origin Origin) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[origin]; ok && !e.destroyed {
		return Handle{e: e}, nil
	}
	for _, b := range s.backends {
		if b.Origin() != origin || !b.Available() {
			continue
		}
		aead, err := b.Load(s.alias)
		if err != nil {
			return Handle{}, fmt.Errorf("%w: %s key: %v", ErrKeyUnavailable, origin, err)
		}
		e := &entry{alias: s.alias, origin: origin, backend: b, aead: aead}
		s.entries[origin] = e
		return Handle{e: e}, nil
	}
	return Handle{}, fmt.Errorf("%w: no %s backend", ErrKeyUnavailable, origin)
}

// AEAD returns the cipher bound to h. It fails fast with ErrKeyUnavailable once the
// key has been wiped.
func (s *Store) AEAD(h Handle) (cipher.AEAD, error) {
	if h.e == nil {
		return nil, fmt.Errorf("%w: empty handle", ErrKeyUnavailable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.e.destroyed {
		return nil, fmt.Errorf("%w: key %s was wiped", ErrKeyUnavailable, h.e.alias)
	}
	return h.e.aead, nil
}

// Wipe irreversibly destroys the key behind h. Every existing copy of h becomes unusable;
// the next GetOrCreateKey provisions a fresh key.
func (s *Store) Wipe(h Handle) error {
	if h.e == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wipeLocked(h.e)
}

func (s *Store) wipeLocked(e *entry) error {
	if e.destroyed {
		return nil
	}
	if err := e.backend.Destroy(e.alias); err != nil {
		return fmt.Errorf("destroy %s key: %w", e.origin, err)
	}
	e.destroyed = true
	e.aead = nil
	if s.entries[e.origin] == e {
		delete(s.entries, e.origin)
	}
	if s.current == e {
		s.current = nil
	}
	slog.Info("keystore.Wipe: key destroyed", "alias", e.alias, "origin", e.origin)
	return nil
}

// WipeAll destroys the alias in every backend, including keys never loaded by this
// process. Used on logout.
func (s *Store) WipeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, e := range s.entries {
		if err := s.wipeLocked(e); err != nil {
			errs = append(errs, err)
		}
	}
	for _, b := range s.backends {
		if err := b.Destroy(s.alias); err != nil {
			errs = append(errs, fmt.Errorf("destroy %s key: %w", b.Origin(), err))
		}
	}
	if s.current != nil {
		s.current.destroyed = true
		s.current = nil
	}
	return errors.Join(errs...)
}
