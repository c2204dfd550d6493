package reconcile

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kilnforge/kiln/internal/layout"
	"github.com/kilnforge/kiln/internal/scheduler"
	"github.com/kilnforge/kiln/internal/state"
)

func testDir(t *testing.T) layout.Dir {
	t.Helper()
	return layout.New(t.TempDir())
}

// TestReconcilePromotesOnSuccessMarker covers testable property 4:
// success-marker presence always wins, regardless of attempt status.
func TestReconcilePromotesOnSuccessMarker(t *testing.T) {
	d := testDir(t)
	owner := state.Owner{Host: "h"}
	id, err := state.StartRunning(d, state.BackendLocal, time.Minute, owner, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := state.WriteSuccessMarker(d, id); err != nil {
		t.Fatal(err)
	}
	// Deliberately do not call FinishSuccess — simulate a crash between
	// marker write and state finalization.

	s, err := Reconcile(context.Background(), d, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Result.Status() != state.ResultStatusSuccess {
		t.Fatalf("expected result success after reconcile, got %v", s.Result.Status())
	}
	if s.Attempt.Status() != state.AttemptStatusSuccess {
		t.Fatalf("expected attempt success after reconcile, got %v", s.Attempt.Status())
	}
}

// TestReconcileDeadPIDCrashes covers scenario S3: a local attempt whose
// owner pid is dead on this host is reconciled to crashed/pid_dead, and the
// compute lock is removed.
func TestReconcileDeadPIDCrashes(t *testing.T) {
	d := testDir(t)
	host, _ := os.Hostname()
	owner := state.Owner{Host: host, PID: 1 << 30} // almost certainly dead
	if _, err := state.StartRunning(d, state.BackendLocal, time.Hour, owner, nil); err != nil {
		t.Fatal(err)
	}
	if err := d.EnsureInternal(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(d.ComputeLockPath(), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Reconcile(context.Background(), d, Options{})
	if err != nil {
		t.Fatal(err)
	}
	term, ok := s.Attempt.(state.AttemptTerminal)
	if !ok {
		t.Fatalf("expected terminal attempt, got %T", s.Attempt)
	}
	if term.TerminalStatus != state.TerminalCrashed || term.Reason != "pid_dead" {
		t.Fatalf("expected crashed/pid_dead, got %v/%v", term.TerminalStatus, term.Reason)
	}
	if s.Result.Status() != state.ResultStatusIncomplete {
		t.Fatalf("expected result incomplete, got %v", s.Result.Status())
	}
	if _, err := os.Stat(d.ComputeLockPath()); !os.IsNotExist(err) {
		t.Fatal("expected compute lock removed after terminalization")
	}
}

func TestReconcileLeaseExpiredCrashes(t *testing.T) {
	d := testDir(t)
	host, _ := os.Hostname()
	owner := state.Owner{Host: host, PID: os.Getpid()} // alive, but lease will expire
	if _, err := state.StartRunning(d, state.BackendLocal, time.Millisecond, owner, nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	s, err := Reconcile(context.Background(), d, Options{})
	if err != nil {
		t.Fatal(err)
	}
	term, ok := s.Attempt.(state.AttemptTerminal)
	if !ok {
		t.Fatalf("expected terminal attempt, got %T", s.Attempt)
	}
	if term.Reason != "lease_expired" {
		t.Fatalf("expected lease_expired, got %v", term.Reason)
	}
}

func TestReconcileLiveLocalAttemptUntouched(t *testing.T) {
	d := testDir(t)
	host, _ := os.Hostname()
	owner := state.Owner{Host: host, PID: os.Getpid()}
	if _, err := state.StartRunning(d, state.BackendLocal, time.Hour, owner, nil); err != nil {
		t.Fatal(err)
	}
	s, err := Reconcile(context.Background(), d, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Attempt.Status() != state.AttemptStatusRunning {
		t.Fatalf("expected live attempt left untouched, got %v", s.Attempt.Status())
	}
}

// TestReconcileRemoteCancelledRemap covers scenario S5.
func TestReconcileRemoteCancelledRemap(t *testing.T) {
	for _, tc := range []struct {
		name   string
		remap  bool
		expect state.TerminalReason
	}{
		{"no remap", false, state.TerminalCancelled},
		{"remap to preempted", true, state.TerminalPreempted},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := testDir(t)
			owner := state.Owner{Host: "h"}
			if _, err := state.StartRunning(d, state.BackendRemote, time.Hour, owner, nil); err != nil {
				t.Fatal(err)
			}
			prober := &scheduler.FakeProber{Verdict: scheduler.Verdict{Terminal: scheduler.TerminalCancelled, Reason: "scheduler:CANCELLED"}}

			s, err := Reconcile(context.Background(), d, Options{Prober: prober, CancelledIsPreempted: tc.remap})
			if err != nil {
				t.Fatal(err)
			}
			term, ok := s.Attempt.(state.AttemptTerminal)
			if !ok {
				t.Fatalf("expected terminal attempt, got %T", s.Attempt)
			}
			if term.TerminalStatus != tc.expect {
				t.Fatalf("expected %v, got %v", tc.expect, term.TerminalStatus)
			}
			if s.Result.Status() != state.ResultStatusIncomplete {
				t.Fatalf("expected result incomplete, got %v", s.Result.Status())
			}
		})
	}
}

func TestReconcileProbeErrorFallsBackToLease(t *testing.T) {
	d := testDir(t)
	owner := state.Owner{Host: "h"}
	if _, err := state.StartRunning(d, state.BackendRemote, time.Millisecond, owner, nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	prober := &scheduler.FakeProber{ErrOnProbe: context.DeadlineExceeded}

	s, err := Reconcile(context.Background(), d, Options{Prober: prober})
	if err != nil {
		t.Fatal(err)
	}
	term, ok := s.Attempt.(state.AttemptTerminal)
	if !ok {
		t.Fatalf("expected terminal attempt via lease fallback, got %T", s.Attempt)
	}
	if term.Reason != "lease_expired" {
		t.Fatalf("expected lease_expired fallback, got %v", term.Reason)
	}
}

func TestReconcileRemoteSuccessWithoutMarkerCrashes(t *testing.T) {
	d := testDir(t)
	owner := state.Owner{Host: "h"}
	if _, err := state.StartRunning(d, state.BackendRemote, time.Hour, owner, nil); err != nil {
		t.Fatal(err)
	}
	prober := &scheduler.FakeProber{Verdict: scheduler.Verdict{Terminal: scheduler.TerminalSuccess}}

	s, err := Reconcile(context.Background(), d, Options{Prober: prober})
	if err != nil {
		t.Fatal(err)
	}
	term, ok := s.Attempt.(state.AttemptTerminal)
	if !ok {
		t.Fatalf("expected terminal attempt, got %T", s.Attempt)
	}
	if term.Reason != "success_without_marker" {
		t.Fatalf("expected success_without_marker, got %v", term.Reason)
	}
}

// TestReconcileMergesProbeVerdictIntoScheduler covers spec.md §4.4's "merge
// returned keys into attempt.scheduler" rule for the remote backend.
func TestReconcileMergesProbeVerdictIntoScheduler(t *testing.T) {
	d := testDir(t)
	owner := state.Owner{Host: "h"}
	if _, err := state.StartRunning(d, state.BackendRemote, time.Hour, owner, map[string]any{"job_id": "j-1"}); err != nil {
		t.Fatal(err)
	}
	prober := &scheduler.FakeProber{Verdict: scheduler.Verdict{
		Terminal:       scheduler.TerminalCancelled,
		Reason:         "scheduler:CANCELLED",
		SchedulerState: "CANCELLED",
		Merge:          map[string]any{"exit_code": float64(137)},
	}}

	s, err := Reconcile(context.Background(), d, Options{Prober: prober})
	if err != nil {
		t.Fatal(err)
	}
	term, ok := s.Attempt.(state.AttemptTerminal)
	if !ok {
		t.Fatalf("expected terminal attempt, got %T", s.Attempt)
	}
	if got := term.Scheduler["job_id"]; got != "j-1" {
		t.Fatalf("expected prior scheduler key job_id preserved, got %v", got)
	}
	if got := term.Scheduler["exit_code"]; got != float64(137) {
		t.Fatalf("expected merged exit_code from verdict, got %v", got)
	}
	if got := term.Scheduler["scheduler_state"]; got != "CANCELLED" {
		t.Fatalf("expected scheduler_state merged from verdict, got %v", got)
	}
}

func TestReconcileNoActiveAttemptIsNoOp(t *testing.T) {
	d := testDir(t)
	s, err := Reconcile(context.Background(), d, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Result.Status() != state.ResultStatusAbsent {
		t.Fatalf("expected absent result unchanged, got %v", s.Result.Status())
	}
}
