package computelock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/kilnforge/kiln/internal/kerrors"
	"github.com/kilnforge/kiln/internal/layout"
	"github.com/kilnforge/kiln/internal/reconcile"
	"github.com/kilnforge/kiln/internal/state"
)

func testDir(t *testing.T) layout.Dir {
	t.Helper()
	return layout.New(t.TempDir())
}

func baseOpts() Options {
	return Options{
		Backend:           state.BackendLocal,
		LeaseDuration:     time.Minute,
		HeartbeatInterval: 10 * time.Millisecond,
		Owner:             state.Owner{PID: os.Getpid(), Host: "h"},
		MaxWait:           time.Second,
		PollInterval:      10 * time.Millisecond,
	}
}

func TestAcquireThenReleaseRemovesLockFile(t *testing.T) {
	d := testDir(t)
	h, err := Acquire(context.Background(), d, baseOpts())
	if err != nil {
		t.Fatal(err)
	}
	if err := state.FinishSuccess(d, h.AttemptID()); err != nil {
		t.Fatal(err)
	}
	if err := h.Release(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(d.ComputeLockPath()); !os.IsNotExist(err) {
		t.Fatal("expected compute lock file removed after Release")
	}
}

func TestAcquireCacheHitReturnsLockNotAcquired(t *testing.T) {
	d := testDir(t)
	opts := baseOpts()
	h, err := Acquire(context.Background(), d, opts)
	if err != nil {
		t.Fatal(err)
	}
	id := h.AttemptID()
	if err := state.FinishSuccess(d, id); err != nil {
		t.Fatal(err)
	}
	if err := h.Release(nil); err != nil {
		t.Fatal(err)
	}

	_, err = Acquire(context.Background(), d, opts)
	var lna *kerrors.LockNotAcquired
	if !errors.As(err, &lna) || lna.Cause != kerrors.LockCauseSuccess {
		t.Fatalf("expected LockNotAcquired(success), got %v", err)
	}
}

func TestAcquireStickyFailedBlocksWithoutAllowFailed(t *testing.T) {
	d := testDir(t)
	opts := baseOpts()
	h, err := Acquire(context.Background(), d, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := state.FinishFailed(d, h.AttemptID(), map[string]any{"type": "boom"}); err != nil {
		t.Fatal(err)
	}
	if err := h.Release(nil); err != nil {
		t.Fatal(err)
	}

	_, err = Acquire(context.Background(), d, opts)
	var lna *kerrors.LockNotAcquired
	if !errors.As(err, &lna) || lna.Cause != kerrors.LockCauseFailed {
		t.Fatalf("expected LockNotAcquired(failed), got %v", err)
	}

	opts.AllowFailed = true
	h2, err := Acquire(context.Background(), d, opts)
	if err != nil {
		t.Fatalf("expected retry allowed with AllowFailed, got %v", err)
	}
	_ = h2.Release(nil)
}

func TestAcquireWaitsThenTimesOut(t *testing.T) {
	d := testDir(t)
	owner := state.Owner{Host: "h", PID: os.Getpid()}
	if _, err := state.StartRunning(d, state.BackendLocal, time.Hour, owner, nil); err != nil {
		t.Fatal(err)
	}

	opts := baseOpts()
	opts.MaxWait = 50 * time.Millisecond
	opts.PollInterval = 5 * time.Millisecond
	_, err := Acquire(context.Background(), d, opts)
	var wt *kerrors.WaitTimeout
	if !errors.As(err, &wt) {
		t.Fatalf("expected WaitTimeout, got %v", err)
	}
}

func TestAcquireReconcilesStuckAttemptAndProceeds(t *testing.T) {
	d := testDir(t)
	host, _ := os.Hostname()
	deadOwner := state.Owner{Host: host, PID: 1 << 30}
	if _, err := state.StartRunning(d, state.BackendLocal, time.Hour, deadOwner, nil); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(d.ComputeLockPath(), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	opts := baseOpts()
	opts.Reconcile = func(dir layout.Dir) (state.State, error) {
		return reconcile.Reconcile(context.Background(), dir, reconcile.Options{})
	}

	h, err := Acquire(context.Background(), d, opts)
	if err != nil {
		t.Fatalf("expected reconcile to unblock acquisition, got %v", err)
	}
	_ = h.Release(nil)
}

func TestReleaseWithWorkErrFinalizesAsFailed(t *testing.T) {
	d := testDir(t)
	h, err := Acquire(context.Background(), d, baseOpts())
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Release(errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	s, err := state.Read(d)
	if err != nil {
		t.Fatal(err)
	}
	if s.Attempt.Status() != state.AttemptStatusFailed {
		t.Fatalf("expected failed attempt after Release(workErr), got %v", s.Attempt.Status())
	}
	if s.Result.Status() != state.ResultStatusFailed {
		t.Fatalf("expected failed result after Release(workErr), got %v", s.Result.Status())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	d := testDir(t)
	h, err := Acquire(context.Background(), d, baseOpts())
	if err != nil {
		t.Fatal(err)
	}
	if err := state.FinishSuccess(d, h.AttemptID()); err != nil {
		t.Fatal(err)
	}
	if err := h.Release(nil); err != nil {
		t.Fatal(err)
	}
	if err := h.Release(nil); err != nil {
		t.Fatalf("expected second Release to be a no-op, got %v", err)
	}
}
