package state

import (
	"errors"
	"time"

	"github.com/kilnforge/kiln/internal/layout"
)

// ErrAttemptActive is returned by StartQueued/StartRunning when the current
// attempt is already queued or running. The compute lock package treats
// this as "wait and retry".
var ErrAttemptActive = errors.New("state: an attempt is already queued or running")

func nextNumber(s State) int {
	if s.Attempt == nil {
		return 1
	}
	return s.Attempt.Base().Number + 1
}

func freshCommon(s State, id string, backend Backend, leaseDuration time.Duration, owner Owner, scheduler map[string]any) Common {
	now := time.Now().UTC()
	return Common{
		ID:               id,
		Number:           nextNumber(s),
		Backend:          backend,
		StartedAt:        now,
		HeartbeatAt:      now,
		LeaseDurationSec: leaseDuration.Seconds(),
		LeaseExpiresAt:   now.Add(leaseDuration),
		Owner:            owner,
		Scheduler:        scheduler,
	}
}

// StartQueued registers a new queued attempt (the remote-submission path).
// Returns ErrAttemptActive, without mutating state, if an attempt is
// already queued or running.
func StartQueued(d layout.Dir, backend Backend, leaseDuration time.Duration, owner Owner, scheduler map[string]any) (string, error) {
	return startAttempt(d, backend, leaseDuration, owner, scheduler, func(c Common) Attempt {
		return AttemptQueued{Common: c}
	})
}

// StartRunning registers a new running attempt directly (the compute-lock
// path: the lock itself already guarantees exclusivity, so this skips the
// queued intermediate state).
func StartRunning(d layout.Dir, backend Backend, leaseDuration time.Duration, owner Owner, scheduler map[string]any) (string, error) {
	return startAttempt(d, backend, leaseDuration, owner, scheduler, func(c Common) Attempt {
		return AttemptRunning{Common: c}
	})
}

func startAttempt(d layout.Dir, backend Backend, leaseDuration time.Duration, owner Owner, scheduler map[string]any, build func(Common) Attempt) (string, error) {
	id := newID()
	_, err := Update(d, func(s State) (State, error) {
		if IsActive(s.Attempt) {
			return State{}, ErrAttemptActive
		}
		c := freshCommon(s, id, backend, leaseDuration, owner, scheduler)
		s.Attempt = build(c)
		s.Result = ResultIncomplete{}
		return s, nil
	})
	if err != nil {
		return "", err
	}
	AppendEvent(d, "attempt_started", map[string]any{"attempt_id": id, "backend": string(backend)})
	return id, nil
}

// Heartbeat refreshes heartbeat_at/lease_expires_at iff the current attempt
// is running and matches attemptID. Returns whether the update applied.
func Heartbeat(d layout.Dir, attemptID string, leaseDuration time.Duration) (bool, error) {
	applied := false
	_, err := Update(d, func(s State) (State, error) {
		running, ok := s.Attempt.(AttemptRunning)
		if !ok || running.ID != attemptID {
			return s, nil
		}
		now := time.Now().UTC()
		running.HeartbeatAt = now
		running.LeaseDurationSec = leaseDuration.Seconds()
		running.LeaseExpiresAt = now.Add(leaseDuration)
		s.Attempt = running
		applied = true
		return s, nil
	})
	return applied, err
}

// FinishSuccess promotes attemptID to success and sets result=success. A
// mismatched attemptID is a silent no-op (race-safe idempotence).
func FinishSuccess(d layout.Dir, attemptID string) error {
	applied := false
	_, err := Update(d, func(s State) (State, error) {
		if s.Attempt == nil || s.Attempt.Base().ID != attemptID {
			return s, nil
		}
		if s.Attempt.Status() == AttemptStatusSuccess {
			return s, nil // already finalized
		}
		now := time.Now().UTC()
		s.Attempt = AttemptSuccess{Common: s.Attempt.Base(), EndedAt: now}
		s.Result = ResultSuccess{CreatedAt: now}
		applied = true
		return s, nil
	})
	if err != nil {
		return err
	}
	if applied {
		AppendEvent(d, "attempt_finished", map[string]any{"attempt_id": attemptID, "status": "success"})
	}
	return nil
}

// FinishFailed sets attemptID to failed and result=failed (sticky unless
// retry-failed is configured by the caller). A mismatched attemptID is a
// silent no-op.
func FinishFailed(d layout.Dir, attemptID string, errInfo map[string]any) error {
	applied := false
	_, err := Update(d, func(s State) (State, error) {
		if s.Attempt == nil || s.Attempt.Base().ID != attemptID {
			return s, nil
		}
		if s.Attempt.Status() == AttemptStatusFailed {
			return s, nil
		}
		now := time.Now().UTC()
		s.Attempt = AttemptFailed{Common: s.Attempt.Base(), EndedAt: now, Error: errInfo}
		s.Result = ResultFailed{}
		applied = true
		return s, nil
	})
	if err != nil {
		return err
	}
	if applied {
		AppendEvent(d, "attempt_finished", map[string]any{"attempt_id": attemptID, "status": "failed"})
	}
	return nil
}

// FinishPreempted terminalizes attemptID as preempted, leaving
// result=incomplete. A mismatched attemptID is a silent no-op.
func FinishPreempted(d layout.Dir, attemptID string, errInfo map[string]any, reason string) error {
	return finishTerminal(d, attemptID, TerminalPreempted, errInfo, reason)
}

// FinishCrashed terminalizes attemptID as crashed, leaving
// result=incomplete. A mismatched attemptID is a silent no-op. The
// reconciler does not call it; it writes its own terminal attempts inside
// its Update.
func FinishCrashed(d layout.Dir, attemptID string, errInfo map[string]any, reason string) error {
	return finishTerminal(d, attemptID, TerminalCrashed, errInfo, reason)
}

// FinishCancelled terminalizes attemptID as cancelled, leaving
// result=incomplete. A mismatched attemptID is a silent no-op. The
// reconciler does not call it; it records a probe-reported cancellation
// itself inside its Update.
func FinishCancelled(d layout.Dir, attemptID string, errInfo map[string]any, reason string) error {
	return finishTerminal(d, attemptID, TerminalCancelled, errInfo, reason)
}

func finishTerminal(d layout.Dir, attemptID string, status TerminalReason, errInfo map[string]any, reason string) error {
	applied := false
	_, err := Update(d, func(s State) (State, error) {
		if s.Attempt == nil || s.Attempt.Base().ID != attemptID {
			return s, nil
		}
		if s.Attempt.Status() != AttemptStatusQueued && s.Attempt.Status() != AttemptStatusRunning {
			return s, nil
		}
		now := time.Now().UTC()
		s.Attempt = AttemptTerminal{Common: s.Attempt.Base(), TerminalStatus: status, EndedAt: now, Reason: reason, Error: errInfo}
		if _, ok := s.Result.(ResultFailed); !ok {
			if _, ok := s.Result.(ResultSuccess); !ok {
				s.Result = ResultIncomplete{}
			}
		}
		applied = true
		return s, nil
	})
	if err != nil {
		return err
	}
	if applied {
		AppendEvent(d, "attempt_finished", map[string]any{"attempt_id": attemptID, "status": string(status), "reason": reason})
	}
	return nil
}
