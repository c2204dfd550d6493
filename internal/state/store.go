package state

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilnforge/kiln/internal/filelock"
	"github.com/kilnforge/kiln/internal/kerrors"
	"github.com/kilnforge/kiln/internal/klog"
	"github.com/kilnforge/kiln/internal/layout"
)

// defaultStaleLockAfter bounds how long a .state.lock may sit unclaimed
// before a waiter reclaims it as abandoned. State mutations are meant to be
// short critical sections, so this is generous but not unbounded.
const defaultStaleLockAfter = 2 * time.Minute

// LockTimeout is how long Update waits to acquire .state.lock before giving
// up. Exported so callers under heavy contention can raise it; the value
// applies to every Update in the process, and a zero value gives up after a
// single failed attempt.
var LockTimeout = 30 * time.Second

// Read loads state.json, returning the documented default (absent result,
// no attempt) when the file is missing. A parse failure, unknown schema
// version, or validation failure is a fatal CorruptState error — this
// function never silently resets the file.
func Read(d layout.Dir) (State, error) {
	data, ok, err := layout.ReadFile(d.StatePath())
	if err != nil {
		return State{}, err
	}
	if !ok {
		return Default(), nil
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, &kerrors.CorruptState{Path: d.StatePath(), Err: err}
	}
	return s, nil
}

func write(d layout.Dir, s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return layout.WriteAtomic(d.StatePath(), data, 0o644)
}

// Update acquires .state.lock, reads the current state, invokes mutate on a
// mutable copy, stamps UpdatedAt, writes atomically, and releases the lock.
// Every public state change in this package funnels through Update so
// mutations are totally ordered per directory.
func Update(d layout.Dir, mutate func(State) (State, error)) (State, error) {
	if err := d.EnsureInternal(); err != nil {
		return State{}, err
	}
	lockID := newID()
	h, err := filelock.AcquireBlocking(d.StateLockPath(), lockID, LockTimeout, defaultStaleLockAfter, 20*time.Millisecond)
	if err != nil {
		return State{}, &kerrors.WaitTimeout{Dir: d.Path(), MaxWaitSec: LockTimeout.Seconds(), ConfigVar: "state lock timeout"}
	}
	defer func() {
		if rerr := h.Release(); rerr != nil {
			klog.Warn("state: failed to release state lock for %s: %v", d.Path(), rerr)
		}
	}()

	current, err := Read(d)
	if err != nil {
		return State{}, err
	}

	next, err := mutate(current)
	if err != nil {
		return State{}, err
	}
	now := time.Now().UTC()
	next.UpdatedAt = &now
	next.SchemaVersion = SchemaVersion

	if err := write(d, next); err != nil {
		return State{}, err
	}
	return next, nil
}

// newID mints a fresh 128-bit random hex attempt id, following the
// teacher's audit-log id pattern (crypto/rand + hex) scaled up to the width
// spec.md §3 requires for attempt.id.
func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; a time-based
		// fallback at least keeps the process alive instead of panicking
		// inside a lock-held critical section.
		klog.Warn("state: crypto/rand failed, falling back to time-based id: %v", err)
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// Event is appended to events.jsonl; observational only, never read back for
// correctness decisions.
type Event struct {
	Ts   time.Time      `json:"ts"`
	PID  int            `json:"pid"`
	Host string         `json:"host"`
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}
