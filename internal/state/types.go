// Package state implements the typed, schema-versioned state.json store:
// Result and Attempt as closed sum types, mutation serialized by the state
// lock, and the append-only event journal. Sum types are encoded as Go
// interfaces sealed to this package (an unexported marker method), with
// variant structs and a Match helper that takes one callback per variant —
// the closest idiomatic approximation of exhaustive matching Go's type
// system offers, since the compiler itself won't force a type switch to be
// total. The wire form (state.json) is the sentinel-string encoding from
// spec.md §3; MarshalJSON/UnmarshalJSON translate between the two.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the only state.json schema version this package understands.
// Any other value is a fatal CorruptState read error.
const SchemaVersion = 1

// ResultStatus is the wire-form sentinel for a Result variant.
type ResultStatus string

const (
	ResultStatusAbsent      ResultStatus = "absent"
	ResultStatusIncomplete  ResultStatus = "incomplete"
	ResultStatusSuccess     ResultStatus = "success"
	ResultStatusFailed      ResultStatus = "failed"
	ResultStatusMigrated    ResultStatus = "migrated"
)

// Result is the sum type over {absent, incomplete, success, failed,
// migrated}. Only ResultSuccess is loadable as a cache hit.
type Result interface {
	Status() ResultStatus
	sealedResult()
}

// ResultAbsent is the default, pre-any-attempt state.
type ResultAbsent struct{}

func (ResultAbsent) Status() ResultStatus { return ResultStatusAbsent }
func (ResultAbsent) sealedResult()        {}

// ResultIncomplete means an attempt ran (or is running) but has not yet
// produced a terminal success or failure.
type ResultIncomplete struct{}

func (ResultIncomplete) Status() ResultStatus { return ResultStatusIncomplete }
func (ResultIncomplete) sealedResult()        {}

// ResultSuccess is the only loadable result: a payload exists, backed by
// SUCCESS.json.
type ResultSuccess struct {
	CreatedAt time.Time
}

func (ResultSuccess) Status() ResultStatus { return ResultStatusSuccess }
func (ResultSuccess) sealedResult()        {}

// ResultFailed is sticky unless retry-failed is enabled.
type ResultFailed struct{}

func (ResultFailed) Status() ResultStatus { return ResultStatusFailed }
func (ResultFailed) sealedResult()        {}

// ResultMigrated means an alias/move/copy migration record redirects reads
// elsewhere.
type ResultMigrated struct {
	MigratedAt time.Time
}

func (ResultMigrated) Status() ResultStatus { return ResultStatusMigrated }
func (ResultMigrated) sealedResult()        {}

// MatchResult dispatches to exactly one callback based on r's variant. Every
// branch is mandatory, the closest Go gets to compiler-enforced
// exhaustiveness for a sum type.
func MatchResult(r Result, onAbsent func(), onIncomplete func(), onSuccess func(ResultSuccess), onFailed func(), onMigrated func(ResultMigrated)) {
	switch v := r.(type) {
	case ResultAbsent:
		onAbsent()
	case ResultIncomplete:
		onIncomplete()
	case ResultSuccess:
		onSuccess(v)
	case ResultFailed:
		onFailed()
	case ResultMigrated:
		onMigrated(v)
	default:
		panic(fmt.Sprintf("state: unhandled Result variant %T", r))
	}
}

// AttemptStatus is the wire-form sentinel for an Attempt variant.
type AttemptStatus string

const (
	AttemptStatusQueued    AttemptStatus = "queued"
	AttemptStatusRunning   AttemptStatus = "running"
	AttemptStatusSuccess   AttemptStatus = "success"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusTerminal  AttemptStatus = "terminal"
)

// TerminalReason is the closed set of non-success/failed ways an attempt can
// end, carried by AttemptTerminal.
type TerminalReason string

const (
	TerminalCancelled TerminalReason = "cancelled"
	TerminalPreempted TerminalReason = "preempted"
	TerminalCrashed   TerminalReason = "crashed"
)

// Backend distinguishes local-process attempts from remote-scheduler ones.
type Backend string

const (
	BackendLocal  Backend = "local"
	BackendRemote Backend = "remote"
)

// Owner identifies the process that started an attempt.
type Owner struct {
	PID     int    `json:"pid"`
	Host    string `json:"host"`
	User    string `json:"user"`
	Command string `json:"command"`
}

// Common carries the fields shared by every Attempt variant.
type Common struct {
	ID              string         `json:"id"`
	Number          int            `json:"number"`
	Backend         Backend        `json:"backend"`
	StartedAt       time.Time      `json:"started_at"`
	HeartbeatAt     time.Time      `json:"heartbeat_at"`
	LeaseDurationSec float64       `json:"lease_duration_sec"`
	LeaseExpiresAt  time.Time      `json:"lease_expires_at"`
	Owner           Owner          `json:"owner"`
	Scheduler       map[string]any `json:"scheduler,omitempty"`
}

// Attempt is the sum type over {queued, running, success, failed, terminal}.
type Attempt interface {
	Status() AttemptStatus
	Base() Common
	sealedAttempt()
}

// AttemptQueued means the attempt was registered but has not started
// running (the start_queued path, used by remote submission).
type AttemptQueued struct{ Common }

func (AttemptQueued) Status() AttemptStatus { return AttemptStatusQueued }
func (a AttemptQueued) Base() Common        { return a.Common }
func (AttemptQueued) sealedAttempt()        {}

// AttemptRunning is the sole attempt variant a compute-lock holder is in
// while it owns the lock.
type AttemptRunning struct{ Common }

func (AttemptRunning) Status() AttemptStatus { return AttemptStatusRunning }
func (a AttemptRunning) Base() Common        { return a.Common }
func (AttemptRunning) sealedAttempt()        {}

// AttemptSuccess is a terminal, successful attempt.
type AttemptSuccess struct {
	Common
	EndedAt time.Time `json:"ended_at"`
}

func (AttemptSuccess) Status() AttemptStatus { return AttemptStatusSuccess }
func (a AttemptSuccess) Base() Common        { return a.Common }
func (AttemptSuccess) sealedAttempt()        {}

// AttemptFailed is a terminal, failed attempt (result becomes failed too).
type AttemptFailed struct {
	Common
	EndedAt time.Time      `json:"ended_at"`
	Error   map[string]any `json:"error,omitempty"`
}

func (AttemptFailed) Status() AttemptStatus { return AttemptStatusFailed }
func (a AttemptFailed) Base() Common        { return a.Common }
func (AttemptFailed) sealedAttempt()        {}

// AttemptTerminal covers the non-failure terminal outcomes that leave
// result==incomplete: cancelled, preempted, crashed.
type AttemptTerminal struct {
	Common
	TerminalStatus TerminalReason `json:"terminal_status"`
	EndedAt        time.Time      `json:"ended_at"`
	Reason         string         `json:"reason,omitempty"`
	Error          map[string]any `json:"error,omitempty"`
}

func (AttemptTerminal) Status() AttemptStatus { return AttemptStatusTerminal }
func (a AttemptTerminal) Base() Common        { return a.Common }
func (AttemptTerminal) sealedAttempt()        {}

// MatchAttempt dispatches to exactly one callback based on a's variant.
func MatchAttempt(
	a Attempt,
	onQueued func(AttemptQueued),
	onRunning func(AttemptRunning),
	onSuccess func(AttemptSuccess),
	onFailed func(AttemptFailed),
	onTerminal func(AttemptTerminal),
) {
	switch v := a.(type) {
	case AttemptQueued:
		onQueued(v)
	case AttemptRunning:
		onRunning(v)
	case AttemptSuccess:
		onSuccess(v)
	case AttemptFailed:
		onFailed(v)
	case AttemptTerminal:
		onTerminal(v)
	default:
		panic(fmt.Sprintf("state: unhandled Attempt variant %T", a))
	}
}

// IsActive reports whether a is queued or running — the "at most one active
// attempt" set from invariant 3.
func IsActive(a Attempt) bool {
	if a == nil {
		return false
	}
	s := a.Status()
	return s == AttemptStatusQueued || s == AttemptStatusRunning
}

// State is the full contents of state.json.
type State struct {
	SchemaVersion int
	Result        Result
	Attempt       Attempt // nil means "no attempt"
	UpdatedAt     *time.Time
}

// Default is the state of a directory that has never been touched.
func Default() State {
	return State{SchemaVersion: SchemaVersion, Result: ResultAbsent{}}
}

// --- JSON wire encoding -----------------------------------------------------

type resultWire struct {
	Status     ResultStatus `json:"status"`
	CreatedAt  *time.Time   `json:"created_at,omitempty"`
	MigratedAt *time.Time   `json:"migrated_at,omitempty"`
}

func resultToWire(r Result) resultWire {
	w := resultWire{Status: r.Status()}
	MatchResult(r,
		func() {},
		func() {},
		func(s ResultSuccess) { t := s.CreatedAt; w.CreatedAt = &t },
		func() {},
		func(m ResultMigrated) { t := m.MigratedAt; w.MigratedAt = &t },
	)
	return w
}

func resultFromWire(w resultWire) (Result, error) {
	switch w.Status {
	case ResultStatusAbsent, "":
		return ResultAbsent{}, nil
	case ResultStatusIncomplete:
		return ResultIncomplete{}, nil
	case ResultStatusSuccess:
		if w.CreatedAt == nil {
			return nil, fmt.Errorf("result status=success missing created_at")
		}
		return ResultSuccess{CreatedAt: *w.CreatedAt}, nil
	case ResultStatusFailed:
		return ResultFailed{}, nil
	case ResultStatusMigrated:
		if w.MigratedAt == nil {
			return nil, fmt.Errorf("result status=migrated missing migrated_at")
		}
		return ResultMigrated{MigratedAt: *w.MigratedAt}, nil
	default:
		return nil, fmt.Errorf("unknown result status %q", w.Status)
	}
}

type attemptWire struct {
	Common
	Status         AttemptStatus  `json:"status"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	Error          map[string]any `json:"error,omitempty"`
	TerminalStatus TerminalReason `json:"terminal_status,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

func attemptToWire(a Attempt) attemptWire {
	w := attemptWire{Common: a.Base(), Status: a.Status()}
	MatchAttempt(a,
		func(AttemptQueued) {},
		func(AttemptRunning) {},
		func(s AttemptSuccess) { t := s.EndedAt; w.EndedAt = &t },
		func(f AttemptFailed) { t := f.EndedAt; w.EndedAt = &t; w.Error = f.Error },
		func(term AttemptTerminal) {
			t := term.EndedAt
			w.EndedAt = &t
			w.TerminalStatus = term.TerminalStatus
			w.Reason = term.Reason
			w.Error = term.Error
		},
	)
	return w
}

func attemptFromWire(w attemptWire) (Attempt, error) {
	switch w.Status {
	case AttemptStatusQueued:
		return AttemptQueued{Common: w.Common}, nil
	case AttemptStatusRunning:
		return AttemptRunning{Common: w.Common}, nil
	case AttemptStatusSuccess:
		if w.EndedAt == nil {
			return nil, fmt.Errorf("attempt status=success missing ended_at")
		}
		return AttemptSuccess{Common: w.Common, EndedAt: *w.EndedAt}, nil
	case AttemptStatusFailed:
		if w.EndedAt == nil {
			return nil, fmt.Errorf("attempt status=failed missing ended_at")
		}
		return AttemptFailed{Common: w.Common, EndedAt: *w.EndedAt, Error: w.Error}, nil
	case AttemptStatusTerminal:
		if w.EndedAt == nil {
			return nil, fmt.Errorf("attempt status=terminal missing ended_at")
		}
		switch w.TerminalStatus {
		case TerminalCancelled, TerminalPreempted, TerminalCrashed:
		default:
			return nil, fmt.Errorf("attempt terminal_status %q invalid", w.TerminalStatus)
		}
		return AttemptTerminal{Common: w.Common, TerminalStatus: w.TerminalStatus, EndedAt: *w.EndedAt, Reason: w.Reason, Error: w.Error}, nil
	default:
		return nil, fmt.Errorf("unknown attempt status %q", w.Status)
	}
}

type stateWire struct {
	SchemaVersion int          `json:"schema_version"`
	Result        resultWire   `json:"result"`
	Attempt       *attemptWire `json:"attempt,omitempty"`
	UpdatedAt     *time.Time   `json:"updated_at,omitempty"`
}

// MarshalJSON encodes State using the flat sentinel-string wire form.
func (s State) MarshalJSON() ([]byte, error) {
	w := stateWire{
		SchemaVersion: s.SchemaVersion,
		Result:        resultToWire(s.Result),
		UpdatedAt:     s.UpdatedAt,
	}
	if s.Attempt != nil {
		aw := attemptToWire(s.Attempt)
		w.Attempt = &aw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form, rejecting unknown top-level keys and
// unknown schema versions as fatal per spec.md §4.1 and §4.3.
func (s *State) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var w stateWire
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	if w.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (want %d)", w.SchemaVersion, SchemaVersion)
	}
	result, err := resultFromWire(w.Result)
	if err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	var attempt Attempt
	if w.Attempt != nil {
		attempt, err = attemptFromWire(*w.Attempt)
		if err != nil {
			return fmt.Errorf("decode attempt: %w", err)
		}
	}
	s.SchemaVersion = w.SchemaVersion
	s.Result = result
	s.Attempt = attempt
	s.UpdatedAt = w.UpdatedAt
	return nil
}
