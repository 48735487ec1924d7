// Package gclock implements the repository's gc.pid mutual-exclusion lock
// (spec §5): a try-lock-only mutex that any pack-mutating action (bitmap
// generation, preserve, prune) must hold before touching objects/pack/.
//
// Adapted from cocoon's lock/flock package: same per-acquisition fresh
// flock(2) fd so repeated TryLock calls from a fresh process always race
// correctly, same WritePIDFile/IsProcessAlive helpers from cocoon/utils.
// The in-process channel token cocoon layers on top is dropped — ghs
// actions are single-threaded per process (spec §5), so there is no
// in-process goroutine to serialize against.
package gclock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// Lock is the gc.pid file in a repository's root directory.
type Lock struct {
	path string
	fl   *flock.Flock
}

// New returns a Lock bound to path (conventionally <repo>/gc.pid).
func New(path string) *Lock {
	return &Lock{path: path}
}

// TryAcquire attempts a non-blocking acquisition. ok is false, with a nil
// error, when another process currently holds the lock — the caller
// should treat that as the "already ongoing" / "skipped" outcome from spec
// §7, not as a failure.
func (l *Lock) TryAcquire() (ok bool, err error) {
	fl := flock.New(l.path)
	locked, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire gc lock %s: %w", l.path, err)
	}
	if !locked {
		return false, nil
	}
	if err := writePIDFile(l.path, os.Getpid()); err != nil {
		_ = fl.Unlock()
		return false, fmt.Errorf("write pid to %s: %w", l.path, err)
	}
	l.fl = fl
	return true, nil
}

// Release drops the lock. Safe to call even if TryAcquire never succeeded.
func (l *Lock) Release() error {
	if l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	if err != nil {
		return fmt.Errorf("release gc lock %s: %w", l.path, err)
	}
	return nil
}

// HeldByLiveProcess reports whether path contains a PID that currently
// exists, for diagnostics only — acquisition itself always goes through
// TryAcquire, never through a liveness check, since a crashed holder's
// flock is released by the kernel automatically.
func HeldByLiveProcess(path string) bool {
	pid, err := readPIDFile(path)
	if err != nil {
		return false
	}
	return isProcessAlive(pid)
}

func writePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // internal runtime path
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
