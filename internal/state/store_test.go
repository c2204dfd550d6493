package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilnforge/kiln/internal/layout"
)

func testDir(t *testing.T) layout.Dir {
	t.Helper()
	return layout.New(t.TempDir())
}

func TestReadDefaultOnMissingFile(t *testing.T) {
	d := testDir(t)
	s, err := Read(d)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if s.Result.Status() != ResultStatusAbsent {
		t.Fatalf("expected absent result, got %v", s.Result.Status())
	}
	if s.Attempt != nil {
		t.Fatalf("expected no attempt, got %v", s.Attempt)
	}
}

func TestCorruptStateOnBadSchemaVersion(t *testing.T) {
	d := testDir(t)
	if err := d.EnsureInternal(); err != nil {
		t.Fatal(err)
	}
	bad := []byte(`{"schema_version": 99, "result": {"status": "absent"}}`)
	if err := os.WriteFile(d.StatePath(), bad, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Read(d)
	if err == nil {
		t.Fatal("expected CorruptState error for unknown schema version")
	}
}

func TestCorruptStateOnUnknownTopLevelKey(t *testing.T) {
	d := testDir(t)
	if err := d.EnsureInternal(); err != nil {
		t.Fatal(err)
	}
	bad := []byte(`{"schema_version": 1, "result": {"status": "absent"}, "bogus": true}`)
	if err := os.WriteFile(d.StatePath(), bad, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Read(d)
	if err == nil {
		t.Fatal("expected CorruptState error for unknown top-level key")
	}
}

func TestStartRunningThenFinishSuccess(t *testing.T) {
	d := testDir(t)
	owner := Owner{PID: os.Getpid(), Host: "h", User: "u", Command: "test"}

	id, err := StartRunning(d, BackendLocal, time.Minute, owner, nil)
	if err != nil {
		t.Fatalf("start running: %v", err)
	}

	s, err := Read(d)
	if err != nil {
		t.Fatal(err)
	}
	running, ok := s.Attempt.(AttemptRunning)
	if !ok {
		t.Fatalf("expected running attempt, got %T", s.Attempt)
	}
	if running.Number != 1 {
		t.Fatalf("expected first attempt number 1, got %d", running.Number)
	}

	if err := WriteSuccessMarker(d, id); err != nil {
		t.Fatal(err)
	}
	if err := FinishSuccess(d, id); err != nil {
		t.Fatal(err)
	}

	s, err = Read(d)
	if err != nil {
		t.Fatal(err)
	}
	if s.Result.Status() != ResultStatusSuccess {
		t.Fatalf("expected success result, got %v", s.Result.Status())
	}
	if s.Attempt.Status() != AttemptStatusSuccess {
		t.Fatalf("expected success attempt, got %v", s.Attempt.Status())
	}
	if !SuccessMarkerExists(d) {
		t.Fatal("expected SUCCESS.json to exist (invariant 1)")
	}
}

func TestAttemptNumberMonotonicity(t *testing.T) {
	d := testDir(t)
	owner := Owner{Host: "h"}

	id1, err := StartRunning(d, BackendLocal, time.Minute, owner, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := FinishFailed(d, id1, map[string]any{"type": "x"}); err != nil {
		t.Fatal(err)
	}

	// The store itself does not refuse a new attempt after result=failed
	// (whether retry-failed allows one is the caller's decision); rewrite
	// the first attempt as crashed/incomplete anyway so the second start
	// begins from a retryable state and only the number sequence is tested.
	if _, err := Update(d, func(s State) (State, error) {
		s.Result = ResultIncomplete{}
		s.Attempt = AttemptTerminal{Common: s.Attempt.Base(), TerminalStatus: TerminalCrashed, EndedAt: time.Now().UTC()}
		return s, nil
	}); err != nil {
		t.Fatal(err)
	}

	id2, err := StartRunning(d, BackendLocal, time.Minute, owner, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Fatal("expected distinct attempt ids")
	}

	s, err := Read(d)
	if err != nil {
		t.Fatal(err)
	}
	if s.Attempt.Base().Number != 2 {
		t.Fatalf("expected second attempt number 2, got %d", s.Attempt.Base().Number)
	}
}

// TestFinishPreemptedRecordsError covers scenario S4: a signal-terminated
// attempt's error must be recorded on the terminal attempt, not discarded.
func TestFinishPreemptedRecordsError(t *testing.T) {
	d := testDir(t)
	owner := Owner{Host: "h"}
	id, err := StartRunning(d, BackendLocal, time.Minute, owner, nil)
	if err != nil {
		t.Fatal(err)
	}
	errInfo := map[string]any{"type": "signal", "message": "signal:15"}
	if err := FinishPreempted(d, id, errInfo, "signal:15"); err != nil {
		t.Fatal(err)
	}

	s, err := Read(d)
	if err != nil {
		t.Fatal(err)
	}
	term, ok := s.Attempt.(AttemptTerminal)
	if !ok {
		t.Fatalf("expected terminal attempt, got %T", s.Attempt)
	}
	if term.TerminalStatus != TerminalPreempted {
		t.Fatalf("expected preempted, got %v", term.TerminalStatus)
	}
	if term.Error["type"] != "signal" || term.Error["message"] != "signal:15" {
		t.Fatalf("expected error recorded on terminal attempt, got %v", term.Error)
	}
	if s.Result.Status() != ResultStatusIncomplete {
		t.Fatalf("expected result incomplete, got %v", s.Result.Status())
	}
}

func TestStartRunningRejectsWhenActive(t *testing.T) {
	d := testDir(t)
	owner := Owner{Host: "h"}
	if _, err := StartRunning(d, BackendLocal, time.Minute, owner, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := StartRunning(d, BackendLocal, time.Minute, owner, nil); err != ErrAttemptActive {
		t.Fatalf("expected ErrAttemptActive, got %v", err)
	}
}

func TestFinishIsIdempotentOnMismatchedID(t *testing.T) {
	d := testDir(t)
	owner := Owner{Host: "h"}
	id, err := StartRunning(d, BackendLocal, time.Minute, owner, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := FinishSuccess(d, id); err != nil {
		t.Fatal(err)
	}
	// Calling finish again, and with a stale/bogus id, must not error.
	if err := FinishSuccess(d, id); err != nil {
		t.Fatalf("expected idempotent no-op, got %v", err)
	}
	if err := FinishFailed(d, "does-not-exist", nil); err != nil {
		t.Fatalf("expected silent no-op for unknown attempt id, got %v", err)
	}
}

func TestHeartbeatNoOpWhenNotRunning(t *testing.T) {
	d := testDir(t)
	owner := Owner{Host: "h"}
	id, err := StartQueued(d, BackendRemote, time.Minute, owner, nil)
	if err != nil {
		t.Fatal(err)
	}
	applied, err := Heartbeat(d, id, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("expected heartbeat to no-op on a queued (not running) attempt")
	}
}

func TestHeartbeatRefreshesLease(t *testing.T) {
	d := testDir(t)
	owner := Owner{Host: "h"}
	id, err := StartRunning(d, BackendLocal, time.Minute, owner, nil)
	if err != nil {
		t.Fatal(err)
	}
	before, err := Read(d)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	applied, err := Heartbeat(d, id, 2*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("expected heartbeat to apply for the running attempt")
	}
	after, err := Read(d)
	if err != nil {
		t.Fatal(err)
	}
	beforeRunning := before.Attempt.(AttemptRunning)
	afterRunning := after.Attempt.(AttemptRunning)
	if !afterRunning.LeaseExpiresAt.After(beforeRunning.LeaseExpiresAt) {
		t.Fatal("expected lease_expires_at to move forward after heartbeat")
	}
}

func TestStateJSONRoundtrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	s := State{
		SchemaVersion: SchemaVersion,
		Result:        ResultSuccess{CreatedAt: now},
		Attempt:       AttemptSuccess{Common: Common{ID: "abc", Number: 1, Backend: BackendLocal, StartedAt: now, HeartbeatAt: now, LeaseExpiresAt: now}, EndedAt: now},
		UpdatedAt:     &now,
	}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	var s2 State
	if err := json.Unmarshal(data, &s2); err != nil {
		t.Fatal(err)
	}
	if s2.Result.Status() != ResultStatusSuccess {
		t.Fatalf("roundtrip result mismatch: %v", s2.Result.Status())
	}
	if s2.Attempt.Base().ID != "abc" {
		t.Fatalf("roundtrip attempt id mismatch: %v", s2.Attempt.Base().ID)
	}
}

func TestAppendEventWritesJSONL(t *testing.T) {
	d := testDir(t)
	AppendEvent(d, "attempt_started", map[string]any{"attempt_id": "x"})
	AppendEvent(d, "attempt_finished", map[string]any{"attempt_id": "x", "status": "success"})

	data, err := os.ReadFile(filepath.Join(d.Internal(), "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := splitLines(string(data))
	if len(lines) != 2 {
		t.Fatalf("expected 2 event lines, got %d", len(lines))
	}
	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != "attempt_started" {
		t.Fatalf("expected first event kind attempt_started, got %s", ev.Kind)
	}
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
