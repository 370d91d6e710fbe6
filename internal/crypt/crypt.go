// Package crypt seals and opens SyncPipe payloads with keys held by the keystore.
package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/BTreeMap/SyncPipe/internal/keystore"
	"github.com/golang/snappy"
	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope layout: version(1) | origin(1) | flags(1) | nonce(24) | ciphertext+tag.
const (
	envelopeVersion byte = 0x01
	flagSnappy      byte = 0x01
	knownFlags           = flagSnappy

	nonceOffset = 3
	headerLen   = nonceOffset + chacha20poly1305.NonceSizeX

	// compressThreshold is the smallest plaintext worth running through snappy.
	compressThreshold = 512
	maxDecodedLen     = 64 << 20
)

var (
	// ErrAuthenticationFailure means the blob was tampered with or sealed under another key.
	ErrAuthenticationFailure = errors.New("authentication failure")
	// ErrKeyUnavailable is keystore.ErrKeyUnavailable, re-exported for callers of this package.
	ErrKeyUnavailable = keystore.ErrKeyUnavailable
	// ErrMalformedCiphertext means the blob is not a SyncPipe envelope.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// KeyProvider resolves handles to ciphers. *keystore.Store implements it.
type KeyProvider interface {
	AEAD(h keystore.Handle) (cipher.AEAD, error)
	Lookup(origin keystore.Origin) (keystore.Handle, error)
}

var _ KeyProvider = (*keystore.Store)(nil)

// Engine encrypts and decrypts envelopes. It holds no key material of its own.
type Engine struct {
	keys KeyProvider
}

func NewEngine(keys KeyProvider) *Engine {
	return &Engine{keys: keys}
}

func (e *Engine) Encrypt(plaintext []byte, h keystore.Handle) ([]byte, error) {
	return e.EncryptWithAAD(plaintext, nil, h)
}

func (e *Engine) Decrypt(blob []byte, h keystore.Handle) ([]byte, error) {
	return e.DecryptWithAAD(blob, nil, h)
}

// EncryptWithAAD seals plaintext under h with a fresh random nonce. aad is authenticated
// but not stored; the same bytes must be presented to DecryptWithAAD.
func (e *Engine) EncryptWithAAD(plaintext, aad []byte, h keystore.Handle) ([]byte, error) {
	aead, err := e.keys.AEAD(h)
	if err != nil {
		return nil, err
	}

	body := plaintext
	var flags byte
	if len(plaintext) >= compressThreshold {
		if c := snappy.Encode(nil, plaintext); len(c) < len(plaintext) {
			body = c
			flags |= flagSnappy
		}
	}

	out := make([]byte, headerLen, headerLen+len(body)+aead.Overhead())
	out[0] = envelopeVersion
	out[1] = byte(h.Origin())
	out[2] = flags
	if _, err := rand.Read(out[nonceOffset:headerLen]); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return aead.Seal(out, out[nonceOffset:headerLen], body, associatedData(out[:headerLen], aad)), nil
}

// DecryptWithAAD opens blob with h. It never returns partial plaintext.
func (e *Engine) DecryptWithAAD(blob, aad []byte, h keystore.Handle) ([]byte, error) {
	origin, flags, err := parseHeader(blob)
	if err != nil {
		return nil, err
	}
	if origin != h.Origin() {
		return nil, fmt.Errorf("%w: sealed with %s key, opened with %s key", ErrAuthenticationFailure, origin, h.Origin())
	}

	aead, err := e.keys.AEAD(h)
	if err != nil {
		return nil, err
	}
	if len(blob) < headerLen+aead.Overhead() {
		return nil, fmt.Errorf("%w: truncated", ErrMalformedCiphertext)
	}

	body, err := aead.Open(nil, blob[nonceOffset:headerLen], blob[headerLen:], associatedData(blob[:headerLen], aad))
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	if flags&flagSnappy == 0 {
		return body, nil
	}
	if n, err := snappy.DecodedLen(body); err != nil || n > maxDecodedLen {
		return nil, fmt.Errorf("%w: bad compressed body", ErrMalformedCiphertext)
	}
	plain, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return plain, nil
}

// OriginOf reports which key origin sealed blob.
func OriginOf(blob []byte) (keystore.Origin, error) {
	origin, _, err := parseHeader(blob)
	return origin, err
}

func parseHeader(blob []byte) (keystore.Origin, byte, error) {
	if len(blob) < headerLen {
		return keystore.OriginUnknown, 0, fmt.Errorf("%w: %d bytes", ErrMalformedCiphertext, len(blob))
	}
	if blob[0] != envelopeVersion {
		return keystore.OriginUnknown, 0, fmt.Errorf("%w: version %d", ErrMalformedCiphertext, blob[0])
	}
	if blob[2]&^knownFlags != 0 {
		return keystore.OriginUnknown, 0, fmt.Errorf("%w: flags %#x", ErrMalformedCiphertext, blob[2])
	}
	origin := keystore.Origin(blob[1])
	if origin != keystore.OriginHardware && origin != keystore.OriginSoftware {
		return keystore.OriginUnknown, 0, fmt.Errorf("%w: origin %d", ErrMalformedCiphertext, blob[1])
	}
	return origin, blob[2], nil
}

func associatedData(header, aad []byte) []byte {
	ad := make([]byte, 0, len(header)+len(aad))
	ad = append(ad, header...)
	return append(ad, aad...)
}
