// Package lockfile guards a SyncPipe state directory so that exactly one process owns
// its outbox. Startup crash recovery relies on this: while the lock is held, no other
// process can have sync calls in flight against the same database.
//
// Locks use flock(2) and are released by the kernel when the process exits.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "syncpipe.lock"

// maxAcquireAttempts bounds retries when the lock file is replaced under us.
const maxAcquireAttempts = 3

// Lock represents an active directory lock
type Lock struct {
	file     *os.File
	path     string
	owner    string
	acquired bool
}

// AcquireLock takes an exclusive, non-blocking lock on stateDir for the named owner
// (e.g. "client" or "server"). If another process holds it, a *LockError describing
// that process is returned.
func AcquireLock(stateDir, owner string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.AcquireLock: acquiring", "lock_path", lockPath, "owner", owner)

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	var file *os.File
	for attempt := 1; ; attempt++ {
		f, err := lockAt(lockPath)
		if err != nil {
			return nil, err
		}
		// The flock only counts if it is on the file the path names now.
		if held(f, lockPath) {
			file = f
			break
		}
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		if attempt == maxAcquireAttempts {
			return nil, fmt.Errorf("lock file %s keeps being replaced", lockPath)
		}
		slog.Warn("lockfile.AcquireLock: lock file replaced while locking, retrying", "lock_path", lockPath)
	}

	info := fmt.Sprintf("pid=%d\nowner=%s\nstarted=%s\n", os.Getpid(), owner, time.Now().UTC().Format(time.RFC3339))
	if err := writeLockInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: state directory locked", "lock_path", lockPath, "pid", os.Getpid(), "owner", owner)
	return &Lock{file: file, path: lockPath, owner: owner, acquired: true}, nil
}

// lockAt opens lockPath and takes a non-blocking exclusive flock on it.
func lockAt(lockPath string) (*os.File, error) {
	// O_TRUNC is deferred until the lock is ours so a losing contender does not wipe
	// the holder's process information.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockInfo := readExistingLockInfo(lockPath)
		slog.Error("lockfile.AcquireLock: state directory is locked by another process",
			"error", err, "lock_path", lockPath, "existing_lock_info", lockInfo)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: lockInfo, Cause: err}
	}
	return file, nil
}

// held reports whether file is still the file at lockPath.
func held(file *os.File, lockPath string) bool {
	opened, err := file.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	return os.SameFile(opened, current)
}

func writeLockInfo(file *os.File, info string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writeLockInfo: sync failed", "error", err, "lock_path", file.Name())
	}
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Release clears the holder information and drops the lock. The file itself stays: a
// contender may already have it open, and unlinking it would let that contender and a
// later one lock two different files. Safe to call more than once.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}

	if err := l.file.Truncate(0); err != nil {
		slog.Warn("lockfile.Release: failed to clear lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lockfile.Release: failed to release flock", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("lockfile.Release: failed to close lock file", "error", err, "lock_path", l.path)
	}

	l.acquired = false
	l.file = nil
	slog.Info("lockfile.Release: state directory unlocked", "lock_path", l.path, "owner", l.owner)
	return nil
}

// LockError represents an error when failing to acquire a lock due to another process
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another SyncPipe process owns this state directory (lock file: %s)", e.LockPath)
	if e.ExistingInfo != "" {
		fmt.Fprintf(&b, "; holder: %s", e.ExistingInfo)
	}
	b.WriteString("; remove the lock file only if that process is gone, two processes draining one outbox will submit duplicates")
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// readExistingLockInfo describes the current lock holder for error messages.
func readExistingLockInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return "lock file exists but contains no process information"
	}

	pid := extractPIDFromLockInfo(content)
	if pid <= 0 {
		return "process information: " + strings.ReplaceAll(content, "\n", ", ")
	}
	state := "not running - stale lock"
	if isProcessRunning(pid) {
		state = "running"
	}
	if owner := extractField(content, "owner="); owner != "" {
		return fmt.Sprintf("PID %d (%s, owner %s)", pid, state, owner)
	}
	return fmt.Sprintf("PID %d (%s)", pid, state)
}

// extractPIDFromLockInfo extracts the "pid=NNNN" value, or 0.
func extractPIDFromLockInfo(content string) int {
	raw := extractField(content, "pid=")
	end := 0
	for end < len(raw) && raw[end] >= '0' && raw[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	pid, err := strconv.Atoi(raw[:end])
	if err != nil {
		return 0
	}
	return pid
}

func extractField(content, prefix string) string {
	idx := strings.Index(content, prefix)
	if idx == -1 {
		return ""
	}
	rest := content[idx+len(prefix):]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[:nl]
	}
	return strings.TrimSpace(rest)
}

// isProcessRunning sends signal 0 to pid.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
