package keystore

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyFileMagic      = "SPK1"
	keyFileSaltLen    = 16
	defaultIterations = 210_000
)

// FileBackend stores a wrapped key in a 0600 file under dir. The key-encryption key is
// derived from a passphrase with PBKDF2-SHA256, so the file alone is useless. This is the
// software fallback used when no hardware key store is available.
type FileBackend struct {
	dir        string
	passphrase []byte
	iterations int
}

// FileOption configures a FileBackend.
type FileOption func(*FileBackend)

// WithIterations overrides the PBKDF2 iteration count. Tests lower it to stay fast.
func WithIterations(n int) FileOption {
	return func(b *FileBackend) {
		if n > 0 {
			b.iterations = n
		}
	}
}

// NewFileBackend creates a software backend rooted at dir.
func NewFileBackend(dir, passphrase string, opts ...FileOption) *FileBackend {
	b := &FileBackend{dir: dir, passphrase: []byte(passphrase), iterations: defaultIterations}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *FileBackend) Origin() Origin { return OriginSoftware }

// Available reports whether the key directory exists or can be created.
func (b *FileBackend) Available() bool {
	if b.dir == "" {
		return false
	}
	return os.MkdirAll(b.dir, 0o700) == nil
}

func (b *FileBackend) path(alias string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, alias)
	return filepath.Join(b.dir, safe+".key")
}

func (b *FileBackend) kek(salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key(b.passphrase, salt, b.iterations, chacha20poly1305.KeySize, sha256.New)
	defer clear(derived)
	return chacha20poly1305.NewX(derived)
}

func (b *FileBackend) Load(alias string) (cipher.AEAD, error) {
	raw, err := os.ReadFile(b.path(alias))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	headerLen := len(keyFileMagic) + keyFileSaltLen + chacha20poly1305.NonceSizeX
	if len(raw) < headerLen || !bytes.HasPrefix(raw, []byte(keyFileMagic)) {
		return nil, fmt.Errorf("%w: key file is corrupt", ErrKeyUnavailable)
	}
	salt := raw[len(keyFileMagic) : len(keyFileMagic)+keyFileSaltLen]
	nonce := raw[len(keyFileMagic)+keyFileSaltLen : headerLen]

	wrap, err := b.kek(salt)
	if err != nil {
		return nil, err
	}
	key, err := wrap.Open(nil, nonce, raw[headerLen:], []byte(alias))
	if err != nil {
		return nil, fmt.Errorf("%w: key file could not be unwrapped", ErrKeyUnavailable)
	}
	defer clear(key)
	return chacha20poly1305.NewX(key)
}

func (b *FileBackend) Generate(alias string) (cipher.AEAD, error) {
	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	defer clear(key)
	salt := make([]byte, keyFileSaltLen)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	for _, buf := range [][]byte{key, salt, nonce} {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("read random bytes: %w", err)
		}
	}

	wrap, err := b.kek(salt)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.WriteString(keyFileMagic)
	out.Write(salt)
	out.Write(nonce)
	out.Write(wrap.Seal(nil, nonce, key, []byte(alias)))

	if err := writeFileSync(b.path(alias), out.Bytes()); err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}

// Destroy overwrites the key file before unlinking it.
func (b *FileBackend) Destroy(alias string) error {
	p := b.path(alias)
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if f, err := os.OpenFile(p, os.O_WRONLY, 0); err == nil {
		_, _ = f.Write(make([]byte, info.Size()))
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove key file: %w", err)
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write key file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync key file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
