// Package filelock implements the one lock primitive the coordination core
// uses for .state.lock, .compute.lock, and .submit.lock alike: an
// exclusive-create of a named path carrying a self-describing JSON payload,
// with staleness detection on dead owners or aged-out mtimes. This is a
// different concern from the advisory OS locking the teacher's daemon
// registry uses (gofrs/flock, a real flock(2) syscall held for the life of
// a file descriptor) — that primitive has no way to say "this lock file
// names a process that is dead", which the reconciler's crash-recovery
// story requires. See DESIGN.md for why gofrs/flock was not used here.
package filelock

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/kilnforge/kiln/internal/klog"
)

// Payload is the single JSON line written into a lock file, identifying its
// holder.
type Payload struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	CreatedAt time.Time `json:"created_at"`
	LockID    string    `json:"lock_id"`
}

// Handle is an opaque acquired lock. Release is idempotent.
type Handle struct {
	path     string
	file     *os.File
	released bool
}

// Path returns the filesystem path this handle locks.
func (h *Handle) Path() string { return h.path }

// TryAcquire attempts an exclusive-create of path. It returns (nil, nil) on
// conflict (someone else holds it) rather than an error, so callers can loop
// without special-casing os.IsExist.
func TryAcquire(path, lockID string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("create lock %s: %w", path, err)
	}

	host, _ := os.Hostname()
	payload := Payload{
		PID:       os.Getpid(),
		Host:      host,
		CreatedAt: time.Now().UTC(),
		LockID:    lockID,
	}
	line, err := json.Marshal(payload)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("encode lock payload for %s: %w", path, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock payload for %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("sync lock payload for %s: %w", path, err)
	}

	return &Handle{path: path, file: f}, nil
}

// Release closes and unlinks the lock file. It is idempotent: calling it
// twice, or on a lock whose file vanished underneath it, is not an error.
func (h *Handle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	_ = h.file.Close()
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock %s: %w", h.path, err)
	}
	return nil
}

// ReadPayload reads and parses the payload of an existing lock file without
// acquiring it. Returns ok=false if the file does not exist.
func ReadPayload(path string) (p Payload, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Payload{}, false, nil
		}
		return Payload{}, false, fmt.Errorf("read lock %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, true, fmt.Errorf("parse lock payload %s: %w", path, err)
	}
	return p, true, nil
}

// IsStale reports whether the lock file at path should be treated as
// abandoned: its payload names a process on this host that is no longer
// alive, or its mtime is older than staleAfter. A lock with an unparseable
// payload skips the dead-owner check (we'd rather wait than unlink a live
// holder because of a read glitch), so only the mtime rule can mark it stale.
func IsStale(path string, staleAfter time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	payload, ok, err := ReadPayload(path)
	if err == nil && ok {
		host, _ := os.Hostname()
		if payload.Host == host && !IsProcessAlive(payload.PID) {
			return true
		}
	}

	if staleAfter > 0 && time.Since(info.ModTime()) > staleAfter {
		return true
	}
	return false
}

// AcquireBlocking loops on TryAcquire until it succeeds, the lock is
// reclaimed as stale, or timeout elapses.
func AcquireBlocking(path, lockID string, timeout, staleAfter, pollInterval time.Duration) (*Handle, error) {
	deadline := time.Now().Add(timeout)
	for {
		h, err := TryAcquire(path, lockID)
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}

		if IsStale(path, staleAfter) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				klog.Warn("filelock: failed to reclaim stale lock %s: %v", path, err)
			} else {
				klog.Logf("filelock: reclaimed stale lock %s", path)
			}
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out after %s acquiring lock %s", timeout, path)
		}
		time.Sleep(pollInterval)
	}
}

// IsProcessAlive reports whether pid names a live process on this host. It
// is exported so the reconciler can apply the same "owner.host==this_host
// and pid is provably not alive" rule spec.md §4.4 describes without
// duplicating the platform-specific signal(0) probe.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		// os.FindProcess on Windows already fails for dead processes.
		return true
	}
	// Signal 0 performs no actual signal delivery, only existence/permission
	// checks (see kill(2)).
	return proc.Signal(syscall.Signal(0)) == nil
}
