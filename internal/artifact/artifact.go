// Package artifact is the per-directory orchestration layer tying together
// layout, filelock, state, reconcile, computelock, and migration into the
// get_or_create control flow of spec.md §2. It also owns the in-process
// de-duplication of concurrent callers targeting the same directory, via
// golang.org/x/sync/singleflight — a coalescing layer the teacher's own
// daemon registry does not need (it never has two goroutines racing the
// same bead file in-process) but that this core's worker-pool callers do.
package artifact

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kilnforge/kiln/internal/computelock"
	"github.com/kilnforge/kiln/internal/kerrors"
	"github.com/kilnforge/kiln/internal/layout"
	"github.com/kilnforge/kiln/internal/migration"
	"github.com/kilnforge/kiln/internal/reconcile"
	"github.com/kilnforge/kiln/internal/scheduler"
	"github.com/kilnforge/kiln/internal/state"
)

// CreateFunc computes the payload of d for the given attempt. It must write
// payload files under d (never under d/.kiln) and must not itself call
// finish_success/finish_failed — GetOrCreate does that once CreateFunc
// returns.
type CreateFunc func(ctx context.Context, d layout.Dir, attemptID string) error

// Options parameterizes Get/GetOrCreate for one directory.
type Options struct {
	Backend              state.Backend
	LeaseDuration        time.Duration
	HeartbeatInterval    time.Duration
	Owner                state.Owner
	Scheduler            map[string]any
	MaxWait              time.Duration
	PollInterval         time.Duration
	Prober               scheduler.Prober
	CancelledIsPreempted bool
	// AllowFailed mirrors the retry-failed configuration option: when true,
	// a sticky result=failed no longer blocks a new attempt.
	AllowFailed bool
	WatchEnabled bool
	Migration    migration.Options
	Create       CreateFunc
}

var inflight singleflight.Group

// Get loads d's (alias-resolved) current state without attempting to
// create anything. Mirrors spec.md §7's user-visible Get behavior: success
// returns the loaded state, failed (without AllowFailed) raises
// ComputeError, migrated transparently follows the alias.
func Get(d layout.Dir, opts Options) (state.State, error) {
	effective := migration.ResolveRead(d, opts.Migration)
	s, err := state.Read(effective)
	if err != nil {
		return state.State{}, err
	}
	if s.Result.Status() == state.ResultStatusFailed && !opts.AllowFailed {
		return state.State{}, computeErrorFromFailedState(effective, s)
	}
	return s, nil
}

// GetOrCreate implements the control flow of spec.md §2: check the success
// marker and current state, reconcile and wait on an active attempt, or
// acquire the compute lock and run Create. Concurrent callers in this
// process targeting the same effective directory are coalesced so only one
// of them does the work; the rest observe its result.
func GetOrCreate(ctx context.Context, d layout.Dir, opts Options) (state.State, error) {
	effective := migration.ResolveRead(d, opts.Migration)

	v, err, _ := inflight.Do(effective.Path(), func() (any, error) {
		return getOrCreateLocked(ctx, effective, opts)
	})
	if err != nil {
		return state.State{}, err
	}
	return v.(state.State), nil
}

func getOrCreateLocked(ctx context.Context, d layout.Dir, opts Options) (state.State, error) {
	reconcileFn := func(dir layout.Dir) (state.State, error) {
		return reconcile.Reconcile(ctx, dir, reconcile.Options{
			Prober:               opts.Prober,
			CancelledIsPreempted: opts.CancelledIsPreempted,
		})
	}

	if state.SuccessMarkerExists(d) {
		if _, err := reconcileFn(d); err != nil {
			return state.State{}, err
		}
	}

	s, err := state.Read(d)
	if err != nil {
		return state.State{}, err
	}
	switch s.Result.Status() {
	case state.ResultStatusSuccess:
		return s, nil
	case state.ResultStatusFailed:
		if !opts.AllowFailed {
			return state.State{}, computeErrorFromFailedState(d, s)
		}
	}

	h, err := computelock.Acquire(ctx, d, computelock.Options{
		Backend:           opts.Backend,
		LeaseDuration:     opts.LeaseDuration,
		HeartbeatInterval: opts.HeartbeatInterval,
		Owner:             opts.Owner,
		Scheduler:         opts.Scheduler,
		MaxWait:           opts.MaxWait,
		PollInterval:      opts.PollInterval,
		Reconcile:         reconcileFn,
		AllowFailed:       opts.AllowFailed,
		WatchEnabled:      opts.WatchEnabled,
	})
	if err != nil {
		var lna *kerrors.LockNotAcquired
		if errors.As(err, &lna) {
			s2, rerr := state.Read(d)
			if rerr != nil {
				return state.State{}, rerr
			}
			if lna.Cause == kerrors.LockCauseSuccess {
				return s2, nil
			}
			return state.State{}, computeErrorFromFailedState(d, s2)
		}
		return state.State{}, err
	}

	if opts.Create == nil {
		err := errors.New("artifact: no attempt is active and no Create function was supplied")
		_ = h.Release(err)
		return state.State{}, err
	}

	if createErr := opts.Create(ctx, d, h.AttemptID()); createErr != nil {
		_ = h.Release(createErr)
		return state.State{}, &kerrors.ComputeError{StatePath: d.StatePath(), Original: createErr}
	}

	if err := state.WriteSuccessMarker(d, h.AttemptID()); err != nil {
		_ = h.Release(err)
		return state.State{}, err
	}
	if err := state.FinishSuccess(d, h.AttemptID()); err != nil {
		_ = h.Release(err)
		return state.State{}, err
	}
	if err := h.Release(nil); err != nil {
		return state.State{}, err
	}
	return state.Read(d)
}

func computeErrorFromFailedState(d layout.Dir, s state.State) error {
	var original error
	if f, ok := s.Attempt.(state.AttemptFailed); ok && f.Error != nil {
		if msg, ok := f.Error["message"].(string); ok {
			original = errors.New(msg)
		}
	}
	return &kerrors.ComputeError{StatePath: d.StatePath(), Original: original}
}

// Migrate re-exports migration.Migrate so callers only need to import this
// package for the full get/create/migrate surface.
func Migrate(fromDir, toDir layout.Dir, fromEP, toEP migration.Endpoint, policy migration.Policy, opts migration.Options) (migration.Record, error) {
	return migration.Migrate(fromDir, toDir, fromEP, toEP, policy, opts)
}

// Detach re-exports migration.Detach.
func Detach(d layout.Dir, reason string, opts migration.Options) error {
	return migration.Detach(d, reason, opts)
}
