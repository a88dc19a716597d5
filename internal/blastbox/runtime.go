// Package blastbox runs proposed commands inside a disposable sandbox and
// reports what actually happened: exit code, captured output, wall-clock
// duration, and whether the run was killed for exceeding its budget. The
// sandbox has no network, a read-only root filesystem, and a single
// writable bind mount at /workspace.
package blastbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable means the container daemon cannot be reached. Callers
// surface this as SANDBOX_UNAVAILABLE and must not fall back to executing
// on the host.
var ErrUnavailable = errors.New("SANDBOX_UNAVAILABLE")

// MaxStreamBytes caps each captured stream. Anything past the cap is
// dropped and the result is flagged truncated.
const MaxStreamBytes = 64 * 1024

// RunSpec describes one sandboxed command run.
type RunSpec struct {
	// Command is passed to `sh -c` inside the container.
	Command string
	// WorkspaceDir is the host directory bind-mounted read-write at
	// /workspace. Empty means no workspace mount.
	WorkspaceDir string
	// Timeout is the wall-clock budget. Zero means the runtime default.
	Timeout time.Duration
	// Env holds extra KEY=VALUE pairs for the container.
	Env []string
}

// RunResult is the observed outcome of a run.
type RunResult struct {
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	TimedOut  bool          `json:"timed_out"`
	OOMKilled bool          `json:"oom_killed"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"-"`
}

// DurationMS is the duration in whole milliseconds, the unit evidence
// packets carry.
func (r *RunResult) DurationMS() int64 {
	return r.Duration.Milliseconds()
}

// Runtime abstracts the container backend so tests can substitute a fake.
type Runtime interface {
	// Available reports whether the backend can currently run commands.
	Available(ctx context.Context) bool
	// Run executes the spec and returns the observed result. A timed-out
	// run is not an error: it returns TimedOut=true with ExitCode -1.
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
}

// ParseMemory converts a human size like "256m" or "1g" to bytes.
func ParseMemory(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty memory size")
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "g"):
		mult = 1 << 30
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "k")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad memory size %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("memory size must be positive")
	}
	return n * mult, nil
}
