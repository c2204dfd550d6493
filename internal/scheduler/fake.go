package scheduler

import "context"

// FakeProber is a deterministic Prober for tests: it returns Verdict exactly
// as configured on every call, or an error when ErrOnProbe is set (exercising
// the reconciler's "probe errors fall back to lease rules" policy).
type FakeProber struct {
	Verdict    Verdict
	ErrOnProbe error
}

// Probe implements Prober.
func (f *FakeProber) Probe(_ context.Context, _ map[string]any) (Verdict, error) {
	if f.ErrOnProbe != nil {
		return Verdict{}, f.ErrOnProbe
	}
	return f.Verdict, nil
}
