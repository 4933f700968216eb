// Package lockfile guards the engine's state directory against concurrent
// instances. Two engine processes sharing a SQLite state directory would
// race on participant claims, so startup takes an exclusive flock that the
// kernel releases automatically if the process dies.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "piucane-engine.lock"

// Lock represents an active state directory lock.
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// AcquireLock attempts to take an exclusive lock on the state directory.
// If another engine process holds the lock, the returned error describes
// the conflicting process.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)

	slog.Debug("Attempting to acquire lock", "lock_path", lockPath, "state_dir", stateDir)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory for lock", "error", err, "state_dir", stateDir)
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		slog.Error("Failed to open lock file", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	// LOCK_NB fails immediately when another process holds the lock.
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()

		lockInfo := readExistingLockInfo(lockPath)
		slog.Error("Failed to acquire lock - another engine instance is running",
			"error", err, "lock_path", lockPath, "existing_lock_info", lockInfo)

		return nil, &LockError{
			LockPath:     lockPath,
			ExistingInfo: lockInfo,
			Cause:        err,
		}
	}

	if _, err := file.WriteString(fmt.Sprintf("pid=%d\n", os.Getpid())); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()

		slog.Error("Failed to write lock information", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Failed to sync lock file", "error", err, "lock_path", lockPath)
	}

	slog.Info("Acquired state directory lock", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

// Release releases the lock and removes the lock file.
// This method is safe to call multiple times.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		slog.Debug("Lock already released or not acquired", "lock_path", l.path)
		return nil
	}

	slog.Debug("Releasing lock", "lock_path", l.path, "pid", os.Getpid())

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Failed to release flock", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Failed to close lock file", "error", err, "lock_path", l.path)
	}
	if err := os.Remove(l.path); err != nil {
		slog.Error("Failed to remove lock file", "error", err, "lock_path", l.path)
	}

	l.acquired = false
	l.file = nil

	slog.Info("Released state directory lock", "lock_path", l.path)
	return nil
}

// LockError reports a lock held by another engine process.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("Another engine instance is already running using the same state directory.\n\nLock file: %s", e.LockPath)
	if e.ExistingInfo != "" {
		msg += fmt.Sprintf("\nExisting process: %s", e.ExistingInfo)
	}
	msg += "\n\nIf no other instance is running the lock file may be stale; remove it with:\n" +
		fmt.Sprintf("  rm %s", e.LockPath)
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// readExistingLockInfo reads an existing lock file for error reporting.
// Returns a descriptive string rather than failing.
func readExistingLockInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}

	content := string(data)
	if content == "" {
		return "lock file exists but contains no process information"
	}

	if pid := extractPIDFromLockInfo(content); pid > 0 {
		if isProcessRunning(pid) {
			return fmt.Sprintf("PID %d (running)", pid)
		}
		return fmt.Sprintf("PID %d (not running - stale lock)", pid)
	}

	return fmt.Sprintf("process information: %s", content)
}

func extractPIDFromLockInfo(content string) int {
	const pidPrefix = "pid="
	if idx := strings.Index(content, pidPrefix); idx != -1 {
		start := idx + len(pidPrefix)
		end := start
		for end < len(content) && content[end] >= '0' && content[end] <= '9' {
			end++
		}
		if end > start {
			if pid, err := strconv.Atoi(content[start:end]); err == nil {
				return pid
			}
		}
	}
	return 0
}

// isProcessRunning probes a PID with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
