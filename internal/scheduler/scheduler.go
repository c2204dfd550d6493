// Package scheduler names the remote batch-scheduler adapter contract of
// spec.md §6.1. Only Prober is called by the reconciler; Submitter is used
// by workers during submission, which is out of this core's scope, and no
// package in this module calls it. No real scheduler backend ships;
// FakeProber is the one reference implementation, for tests.
package scheduler

import "context"

// TerminalStatus is the verdict a Prober may report for a remote attempt.
type TerminalStatus string

const (
	TerminalNone       TerminalStatus = ""
	TerminalSuccess    TerminalStatus = "success"
	TerminalFailed     TerminalStatus = "failed"
	TerminalCancelled  TerminalStatus = "cancelled"
	TerminalPreempted  TerminalStatus = "preempted"
	TerminalCrashed    TerminalStatus = "crashed"
)

// Verdict is what Prober returns for one directory's in-flight remote
// attempt.
type Verdict struct {
	Terminal      TerminalStatus
	SchedulerState string
	Reason        string
	// Merge is folded into attempt.scheduler by the reconciler.
	Merge map[string]any
}

// JobHandle opaquely identifies a submitted remote job.
type JobHandle interface {
	// JobID returns the scheduler's own identifier for this job, or "" if
	// none has been assigned yet.
	JobID() string
}

// Prober is invoked by the reconciler for attempts with backend=="remote".
// Implementations must not block indefinitely; the reconciler treats a
// returned error as "no verdict" and falls back to lease-expiry rules.
type Prober interface {
	Probe(ctx context.Context, schedulerState map[string]any) (Verdict, error)
}

// Submitter submits work to a remote scheduler and tracks existing jobs.
// Declared for completeness with spec.md §6.1; not exercised by the core's
// reconcile/compute-lock paths.
type Submitter interface {
	Submit(ctx context.Context, fn func(context.Context) error) (JobHandle, error)
	LoadJob(schedulerState map[string]any) (JobHandle, error)
	IsDone(ctx context.Context, job JobHandle) (bool, error)
	GetState(ctx context.Context, job JobHandle) (string, error)
	PickleJob(job JobHandle) (map[string]any, error)
	ClassifySchedulerState(state string) TerminalStatus
}

// ClassifyCancelledAsPreempted remaps TerminalCancelled to TerminalPreempted
// when the cancelled-is-preempted config option is enabled, per spec.md §5
// scenario S5.
func ClassifyCancelledAsPreempted(v Verdict, remap bool) Verdict {
	if remap && v.Terminal == TerminalCancelled {
		v.Terminal = TerminalPreempted
	}
	return v
}
