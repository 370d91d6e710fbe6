package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRecordsHolder(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "syncpipe-client")
	require.NoError(t, err)
	t.Cleanup(func() { lock.Release() })

	assert.Equal(t, filepath.Join(dir, LockFileName), lock.Path())
	content, err := os.ReadFile(lock.Path())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), extractPIDFromLockInfo(string(content)))
	assert.Equal(t, "syncpipe-client", extractField(string(content), "owner="))
	assert.NotEmpty(t, extractField(string(content), "started="))
}

func TestSecondOwnerIsRefused(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "syncpipe-client")
	require.NoError(t, err)
	t.Cleanup(func() { lock.Release() })

	_, err = AcquireLock(dir, "syncpipe-client")
	var le *LockError
	require.True(t, errors.As(err, &le), "got %T", err)
	assert.ErrorIs(t, err, syscall.EWOULDBLOCK)
	assert.Contains(t, le.ExistingInfo, fmt.Sprintf("PID %d (running, owner syncpipe-client)", os.Getpid()))
	assert.Contains(t, err.Error(), le.LockPath)

	// The refused contender leaves the holder's information intact.
	content, err := os.ReadFile(lock.Path())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), extractPIDFromLockInfo(string(content)))
}

func TestReleaseAllowsNextOwner(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "first")
	require.NoError(t, err)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release(), "release is idempotent")
	content, err := os.ReadFile(lock.Path())
	require.NoError(t, err, "lock file stays in place")
	assert.Empty(t, content, "holder information is cleared")
	assert.Equal(t, "lock file exists but contains no process information", readExistingLockInfo(lock.Path()))

	next, err := AcquireLock(dir, "second")
	require.NoError(t, err)
	t.Cleanup(func() { next.Release() })
}

func TestContenderWaitingOnReleaseIsSoleOwner(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "first")
	require.NoError(t, err)

	// A contender opened the file while the lock was held.
	waiting, err := os.OpenFile(lock.Path(), os.O_RDWR, 0o600)
	require.NoError(t, err)
	t.Cleanup(func() { waiting.Close() })
	require.ErrorIs(t, syscall.Flock(int(waiting.Fd()), syscall.LOCK_EX|syscall.LOCK_NB), syscall.EWOULDBLOCK)

	require.NoError(t, lock.Release())
	require.NoError(t, syscall.Flock(int(waiting.Fd()), syscall.LOCK_EX|syscall.LOCK_NB))
	assert.True(t, held(waiting, lock.Path()), "the contender locked the file at the lock path")

	_, err = AcquireLock(dir, "third")
	var le *LockError
	assert.True(t, errors.As(err, &le), "a later process must not get a second lock")
}

func TestStaleLockFileIsTakenOver(t *testing.T) {
	dir := t.TempDir()
	// A crashed process leaves its file behind but the kernel dropped its flock.
	stale := "pid=2147483646\nowner=syncpipe-client\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFileName), []byte(stale), 0o600))
	assert.Contains(t, readExistingLockInfo(filepath.Join(dir, LockFileName)), "stale lock")

	lock, err := AcquireLock(dir, "syncpipe-client")
	require.NoError(t, err)
	t.Cleanup(func() { lock.Release() })

	content, err := os.ReadFile(lock.Path())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), extractPIDFromLockInfo(string(content)))
}

func TestCreatesMissingStateDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir, "syncpipe-client")
	require.NoError(t, err)
	t.Cleanup(func() { lock.Release() })

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestReadExistingLockInfo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	assert.Equal(t, "unable to read lock file information", readExistingLockInfo(path))

	require.NoError(t, os.WriteFile(path, nil, 0o600))
	assert.Equal(t, "lock file exists but contains no process information", readExistingLockInfo(path))

	require.NoError(t, os.WriteFile(path, []byte("owner=x\nnote=y"), 0o600))
	assert.Equal(t, "process information: owner=x, note=y", readExistingLockInfo(path))
}

func TestExtractPIDFromLockInfo(t *testing.T) {
	tests := map[string]int{
		"pid=12345\n":              12345,
		"pid=67890\nowner=client":  67890,
		"owner=client\npid=42\n":   42,
		"pid=12ab":                 12,
		"owner=client":             0,
		"":                         0,
		"pid=abc":                  0,
		"pid12345":                 0,
	}
	for content, want := range tests {
		assert.Equal(t, want, extractPIDFromLockInfo(content), "content %q", content)
	}
}
