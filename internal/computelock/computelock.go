// Package computelock implements the fused scoped-acquisition primitive of
// spec.md §4.5: while a Handle is held, the current process is the sole
// writer of the artifact payload, a running attempt exists in the state
// store, and a heartbeat goroutine refreshes its lease. Acquire's wait loop
// is grounded on the same try/reconcile/sleep shape as the teacher's
// internal/daemon registry lock wait, generalized with the reconciler and an
// optional fsnotify wake-up (internal/watch) instead of a bare poll sleep.
package computelock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kilnforge/kiln/internal/filelock"
	"github.com/kilnforge/kiln/internal/kerrors"
	"github.com/kilnforge/kiln/internal/klog"
	"github.com/kilnforge/kiln/internal/layout"
	"github.com/kilnforge/kiln/internal/state"
	"github.com/kilnforge/kiln/internal/watch"
)

// Options parameterizes one Acquire call.
type Options struct {
	Backend           state.Backend
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	Owner             state.Owner
	Scheduler         map[string]any
	MaxWait           time.Duration
	PollInterval      time.Duration
	// Reconcile is invoked on every failed acquisition attempt, the same way
	// a worker invokes it on entry. May be nil, in which case this directory
	// is never reconciled by the lock loop itself.
	Reconcile func(d layout.Dir) (state.State, error)
	// AllowFailed lets a sticky result=failed be retried instead of raising
	// LockNotAcquired(failed).
	AllowFailed bool
	// WatchEnabled arms the fsnotify wake-up optimization; false falls back
	// to pure PollInterval polling.
	WatchEnabled bool
}

// Handle is a held compute lock. Release must be called exactly once.
type Handle struct {
	d             layout.Dir
	attemptID     string
	lock          *filelock.Handle
	leaseDuration time.Duration

	mu            sync.Mutex
	released      bool
	heartbeatOnce sync.Once
	stopHeart     chan struct{}
	heartDone     chan struct{}
	uninstallSig  func()
}

// AttemptID returns the running attempt this handle owns.
func (h *Handle) AttemptID() string { return h.attemptID }

// Acquire implements the loop of spec.md §4.5 step 1 followed by
// start_running and heartbeat/signal setup (step 2). Once the file lock is
// held, a result of success (or failed, without AllowFailed) still yields
// LockNotAcquired and releases the lock. The caller runs its
// work after Acquire returns and must call Handle.Release exactly once,
// passing the error (if any) its work produced.
func Acquire(ctx context.Context, d layout.Dir, opts Options) (*Handle, error) {
	if err := d.EnsureInternal(); err != nil {
		return nil, err
	}
	notifier := watch.New(d.Internal(), opts.PollInterval, opts.WatchEnabled)
	defer notifier.Close()

	deadline := time.Now().Add(opts.MaxWait)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		lock, err := filelock.TryAcquire(d.ComputeLockPath(), newLockID())
		if err != nil {
			return nil, err
		}
		if lock == nil {
			if err := waitStep(d, opts, notifier, deadline); err != nil {
				return nil, err
			}
			continue
		}

		// Re-check the result under the lock: the artifact may have been
		// finalized before TryAcquire succeeded.
		s, err := state.Read(d)
		if err != nil {
			_ = lock.Release()
			return nil, err
		}
		switch {
		case s.Result.Status() == state.ResultStatusSuccess:
			_ = lock.Release()
			return nil, &kerrors.LockNotAcquired{Cause: kerrors.LockCauseSuccess}
		case s.Result.Status() == state.ResultStatusFailed && !opts.AllowFailed:
			_ = lock.Release()
			return nil, &kerrors.LockNotAcquired{Cause: kerrors.LockCauseFailed}
		}

		attemptID, err := state.StartRunning(d, opts.Backend, opts.LeaseDuration, opts.Owner, opts.Scheduler)
		if err != nil {
			_ = lock.Release()
			if errors.Is(err, state.ErrAttemptActive) {
				// Another attempt is already queued or running; wait as in
				// the contended case (honouring max_wait) and retry from
				// the top.
				if err := waitStep(d, opts, notifier, deadline); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		h := &Handle{d: d, attemptID: attemptID, lock: lock, leaseDuration: opts.LeaseDuration}
		h.startHeartbeat(opts.HeartbeatInterval)
		h.installSignalHandler()
		return h, nil
	}
}

// waitStep implements spec.md §4.5 step 1.b-1.f for one failed acquisition
// attempt: reconcile, classify the current result/attempt, and either
// surface a terminal verdict, let the caller retry immediately, or sleep
// (via notifier, which wakes early on a filesystem event) until max_wait.
func waitStep(d layout.Dir, opts Options, notifier *watch.Notifier, deadline time.Time) error {
	if opts.Reconcile != nil {
		if _, err := opts.Reconcile(d); err != nil {
			klog.Warn("computelock: reconcile failed for %s: %v", d.Path(), err)
		}
	}

	s, err := state.Read(d)
	if err != nil {
		return err
	}

	switch s.Result.Status() {
	case state.ResultStatusSuccess:
		return &kerrors.LockNotAcquired{Cause: kerrors.LockCauseSuccess}
	case state.ResultStatusFailed:
		if !opts.AllowFailed {
			return &kerrors.LockNotAcquired{Cause: kerrors.LockCauseFailed}
		}
	}

	if !state.IsActive(s.Attempt) {
		// The attempt may have just been terminalized; retry immediately
		// rather than sleeping a full poll interval.
		return nil
	}

	if time.Now().After(deadline) {
		return &kerrors.WaitTimeout{Dir: d.Path(), MaxWaitSec: opts.MaxWait.Seconds(), ConfigVar: "compute lock max_wait"}
	}
	notifier.Wait()
	return nil
}

// Release implements spec.md §4.5 steps 4/5: it always stops the heartbeat
// and uninstalls the signal trap, then unlinks .compute.lock. If workErr is
// non-nil and the attempt this handle owns is still running — meaning the
// caller's own finish_success/finish_failed was never reached — it is
// recorded as finish_failed before the lock is released.
func (h *Handle) Release(workErr error) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	h.stopHeartbeat()
	if h.uninstallSig != nil {
		h.uninstallSig()
	}

	if workErr != nil {
		if s, err := state.Read(h.d); err == nil {
			if running, ok := s.Attempt.(state.AttemptRunning); ok && running.ID == h.attemptID {
				_ = state.FinishFailed(h.d, h.attemptID, map[string]any{
					"type":    fmt.Sprintf("%T", workErr),
					"message": workErr.Error(),
				})
			}
		}
	}

	return h.lock.Release()
}

// newLockID mints a random id for the .compute.lock payload, the same way
// the state package mints attempt ids (crypto/rand, hex-encoded).
func newLockID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
