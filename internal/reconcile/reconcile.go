// Package reconcile implements the one pure function that rewrites an
// in-doubt attempt into a consistent terminal variant: spec.md §4.4. It is
// invoked from inside state.Update (so the rewrite is atomic under the state
// lock) and, as a post-action once the mutation lands, deletes
// .compute.lock so waiters make progress. Reconciliation is idempotent and
// commutative across concurrent callers because it only ever acts while
// holding the state lock.
package reconcile

import (
	"context"
	"os"
	"time"

	"github.com/kilnforge/kiln/internal/filelock"
	"github.com/kilnforge/kiln/internal/klog"
	"github.com/kilnforge/kiln/internal/layout"
	"github.com/kilnforge/kiln/internal/scheduler"
	"github.com/kilnforge/kiln/internal/state"
)

// Options parameterizes a single Reconcile call.
type Options struct {
	// Prober is consulted for backend==remote attempts. May be nil.
	Prober scheduler.Prober
	// CancelledIsPreempted remaps a remote "cancelled" verdict to
	// "preempted", per the cancelled-is-preempted config switch.
	CancelledIsPreempted bool
}

// Reconcile classifies d's current attempt (if any is queued/running) and
// rewrites it to a consistent terminal variant when it is no longer
// actually live. Returns the resulting state either way.
func Reconcile(ctx context.Context, d layout.Dir, opts Options) (state.State, error) {
	terminalized := false

	result, err := state.Update(d, func(s state.State) (state.State, error) {
		if !state.IsActive(s.Attempt) {
			return s, nil
		}

		if state.SuccessMarkerExists(d) {
			return promoteToSuccess(s), nil
		}

		terminalStatus, reason, common := classify(ctx, s, opts)
		if terminalStatus == "" {
			return s, nil
		}

		terminalized = true
		return applyTerminal(s, terminalStatus, reason, common), nil
	})
	if err != nil {
		return state.State{}, err
	}

	if terminalized {
		if err := os.Remove(d.ComputeLockPath()); err != nil && !os.IsNotExist(err) {
			klog.Warn("reconcile: failed to remove compute lock for %s: %v", d.Path(), err)
		}
		reason := ""
		state.MatchAttempt(result.Attempt,
			func(state.AttemptQueued) {},
			func(state.AttemptRunning) {},
			func(state.AttemptSuccess) {},
			func(f state.AttemptFailed) {},
			func(t state.AttemptTerminal) { reason = t.Reason },
		)
		state.AppendEvent(d, "attempt_reconciled", map[string]any{"status": string(result.Attempt.Status()), "reason": reason})
	}

	return result, nil
}

func promoteToSuccess(s state.State) state.State {
	now := time.Now().UTC()
	s.Attempt = state.AttemptSuccess{Common: s.Attempt.Base(), EndedAt: now}
	s.Result = state.ResultSuccess{CreatedAt: now}
	return s
}

// classify implements the decision procedure of spec.md §4.4 step 3: return
// ("", "", common) when there is nothing to terminalize yet. The returned
// Common carries any probe verdict keys merged into Scheduler, even when no
// terminal verdict was reached, so a caller that does persist it (the
// terminal path, via applyTerminal) sees the merge.
func classify(ctx context.Context, s state.State, opts Options) (state.TerminalReason, string, state.Common) {
	common := s.Attempt.Base()
	now := time.Now().UTC()

	switch common.Backend {
	case state.BackendLocal:
		host, _ := os.Hostname()
		if common.Owner.Host == host && !filelock.IsProcessAlive(common.Owner.PID) {
			return state.TerminalCrashed, "pid_dead", common
		}
		if !now.Before(common.LeaseExpiresAt) {
			return state.TerminalCrashed, "lease_expired", common
		}
		return "", "", common

	case state.BackendRemote:
		if opts.Prober != nil {
			verdict, err := opts.Prober.Probe(ctx, common.Scheduler)
			if err != nil {
				// Probe errors are treated as "no verdict": fall back to
				// lease rules so a buggy probe can't corrupt state.
				klog.Warn("reconcile: probe failed for remote attempt %s, falling back to lease rule: %v", common.ID, err)
			} else {
				common.Scheduler = mergeScheduler(common.Scheduler, verdict)
				if verdict.Terminal == scheduler.TerminalSuccess {
					// A remote "success" without a local marker is
					// inconsistent — the payload was never actually
					// finalized on this side.
					return state.TerminalCrashed, "success_without_marker", common
				}
				verdict = scheduler.ClassifyCancelledAsPreempted(verdict, opts.CancelledIsPreempted)
				if ts := mapSchedulerTerminal(verdict.Terminal); ts != "" {
					return ts, verdict.Reason, common
				}
			}
		}
		if !now.Before(common.LeaseExpiresAt) {
			return state.TerminalCrashed, "lease_expired", common
		}
		return "", "", common

	default:
		if !now.Before(common.LeaseExpiresAt) {
			return state.TerminalCrashed, "lease_expired", common
		}
		return "", "", common
	}
}

// mergeScheduler folds a probe verdict's Merge keys and SchedulerState into
// an attempt's scheduler map, per spec.md §4.4 ("Merge returned keys into
// attempt.scheduler"). The source map is never mutated in place.
func mergeScheduler(existing map[string]any, v scheduler.Verdict) map[string]any {
	if len(v.Merge) == 0 && v.SchedulerState == "" {
		return existing
	}
	merged := make(map[string]any, len(existing)+len(v.Merge)+1)
	for k, val := range existing {
		merged[k] = val
	}
	for k, val := range v.Merge {
		merged[k] = val
	}
	if v.SchedulerState != "" {
		merged["scheduler_state"] = v.SchedulerState
	}
	return merged
}

func mapSchedulerTerminal(t scheduler.TerminalStatus) state.TerminalReason {
	switch t {
	case scheduler.TerminalCancelled:
		return state.TerminalCancelled
	case scheduler.TerminalPreempted:
		return state.TerminalPreempted
	case scheduler.TerminalCrashed:
		return state.TerminalCrashed
	case scheduler.TerminalFailed:
		// "failed" is not one of the three TerminalReason constants — the
		// caller (applyTerminal) special-cases it into AttemptFailed.
		return "failed"
	default:
		return ""
	}
}

func applyTerminal(s state.State, status state.TerminalReason, reason string, common state.Common) state.State {
	now := time.Now().UTC()

	if status == "failed" {
		s.Attempt = state.AttemptFailed{Common: common, EndedAt: now, Error: map[string]any{"reason": reason}}
		s.Result = state.ResultFailed{}
		return s
	}

	s.Attempt = state.AttemptTerminal{Common: common, TerminalStatus: status, EndedAt: now, Reason: reason}
	s.Result = state.ResultIncomplete{}
	return s
}
