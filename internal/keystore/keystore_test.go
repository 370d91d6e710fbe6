package keystore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sealOpen(t *testing.T, s *Store, h Handle) {
	t.Helper()
	aead, err := s.AEAD(h)
	require.NoError(t, err)
	nonce := make([]byte, aead.NonceSize())
	ct := aead.Seal(nil, nonce, []byte("hello"), nil)
	pt, err := aead.Open(nil, nonce, ct, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))
}

func TestGetOrCreateKeyIsIdempotent(t *testing.T) {
	hw := NewMemoryBackend(OriginHardware)
	s, err := New("", hw)
	require.NoError(t, err)

	h1, err := s.GetOrCreateKey()
	require.NoError(t, err)
	h2, err := s.GetOrCreateKey()
	require.NoError(t, err)

	assert.Equal(t, DefaultAlias, h1.Alias())
	a1, _ := s.AEAD(h1)
	a2, _ := s.AEAD(h2)
	assert.Same(t, a1, a2)
	sealOpen(t, s, h1)
}

func TestHardwarePreferredRegardlessOfOrder(t *testing.T) {
	sw := NewMemoryBackend(OriginSoftware)
	hw := NewMemoryBackend(OriginHardware)
	s, err := New("k", sw, hw)
	require.NoError(t, err)

	h, err := s.GetOrCreateKey()
	require.NoError(t, err)
	assert.Equal(t, OriginHardware, h.Origin())

	_, err = sw.Load("k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSoftwareFallbackRecordsOrigin(t *testing.T) {
	hw := NewMemoryBackend(OriginHardware)
	hw.SetAvailable(false)
	sw := NewFileBackend(t.TempDir(), "pass", WithIterations(1000))
	s, err := New("k", hw, sw)
	require.NoError(t, err)

	h, err := s.GetOrCreateKey()
	require.NoError(t, err)
	assert.Equal(t, OriginSoftware, h.Origin())
	sealOpen(t, s, h)
}

func TestNoBackendAvailable(t *testing.T) {
	hw := NewMemoryBackend(OriginHardware)
	hw.SetAvailable(false)
	s, err := New("k", hw)
	require.NoError(t, err)

	_, err = s.GetOrCreateKey()
	assert.ErrorIs(t, err, ErrNoBackend)

	_, err = New("k")
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestWipeInvalidatesHandle(t *testing.T) {
	s, err := New("k", NewMemoryBackend(OriginHardware))
	require.NoError(t, err)
	h, err := s.GetOrCreateKey()
	require.NoError(t, err)
	old, _ := s.AEAD(h)

	require.NoError(t, s.Wipe(h))
	_, err = s.AEAD(h)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	require.NoError(t, s.Wipe(h), "second wipe is a no-op")

	fresh, err := s.GetOrCreateKey()
	require.NoError(t, err)
	a, err := s.AEAD(fresh)
	require.NoError(t, err)
	assert.NotSame(t, old, a)
}

func TestFileBackendPersistsAcrossStores(t *testing.T) {
	dir := t.TempDir()
	s1, err := New("k", NewFileBackend(dir, "pass", WithIterations(1000)))
	require.NoError(t, err)
	h1, err := s1.GetOrCreateKey()
	require.NoError(t, err)
	a1, _ := s1.AEAD(h1)
	nonce := make([]byte, a1.NonceSize())
	ct := a1.Seal(nil, nonce, []byte("persisted"), nil)

	s2, err := New("k", NewFileBackend(dir, "pass", WithIterations(1000)))
	require.NoError(t, err)
	h2, err := s2.GetOrCreateKey()
	require.NoError(t, err)
	a2, _ := s2.AEAD(h2)
	pt, err := a2.Open(nil, nonce, ct, nil)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(pt))
}

func TestFileBackendWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	_, err := NewFileBackend(dir, "right", WithIterations(1000)).Generate("k")
	require.NoError(t, err)

	_, err = NewFileBackend(dir, "wrong", WithIterations(1000)).Load("k")
	assert.True(t, errors.Is(err, ErrKeyUnavailable), "got %v", err)
}

func TestFileBackendDestroyMissing(t *testing.T) {
	b := NewFileBackend(t.TempDir(), "p")
	require.NoError(t, b.Destroy("nothing"))
	_, err := b.Load("nothing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLookupByOrigin(t *testing.T) {
	hw := NewMemoryBackend(OriginHardware)
	sw := NewMemoryBackend(OriginSoftware)
	_, err := sw.Generate("k")
	require.NoError(t, err)
	s, err := New("k", hw, sw)
	require.NoError(t, err)

	h, err := s.Lookup(OriginSoftware)
	require.NoError(t, err)
	assert.Equal(t, OriginSoftware, h.Origin())

	_, err = s.Lookup(OriginHardware)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestWipeAll(t *testing.T) {
	hw := NewMemoryBackend(OriginHardware)
	sw := NewMemoryBackend(OriginSoftware)
	_, err := sw.Generate("k")
	require.NoError(t, err)
	s, err := New("k", hw, sw)
	require.NoError(t, err)
	h, err := s.GetOrCreateKey()
	require.NoError(t, err)
	assert.Equal(t, OriginSoftware, h.Origin(), "existing key is reused before generating")

	require.NoError(t, s.WipeAll())
	_, err = s.AEAD(h)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	_, err = sw.Load("k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
