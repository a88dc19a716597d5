package blastbox

import "context"

// FakeRuntime is a scripted Runtime for tests and for running the gateway
// without a container daemon.
type FakeRuntime struct {
	// Up mirrors Available.
	Up bool
	// Result is returned by Run when Err is nil.
	Result RunResult
	// Err is returned by Run when set.
	Err error
	// Calls records every spec passed to Run.
	Calls []RunSpec
}

func (f *FakeRuntime) Available(ctx context.Context) bool {
	return f.Up
}

func (f *FakeRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	f.Calls = append(f.Calls, spec)
	if f.Err != nil {
		return nil, f.Err
	}
	out := f.Result
	return &out, nil
}
