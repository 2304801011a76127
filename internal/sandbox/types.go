// Package sandbox implements the bounded pool of isolated execution
// workers the Proposal & Tool-Execution Subsystem dispatches custom tool
// scripts through. It follows the teacher's tools/sandbox package shape
// (RuntimeExecutor interface, pooled checkout, pluggable backend) adapted
// to the specification's worker contract: exec(runtime, source, args,
// limits). Every worker enforces the timeout and the output cap; the memory
// cap is enforced by the docker and firecracker workers only. No worker
// mounts the root filesystem read-only: the docker container's own root
// is writable, and processWorker runs on the host filesystem.
package sandbox

import (
	"encoding/json"
	"time"

	"github.com/selfextend/core/internal/registry"
)

// Limits bounds a single exec call.
type Limits struct {
	TimeoutMs      uint64
	MemBytesMax    uint64
	NetworkAllowed bool
}

// Default limits, per specification §4.4.
const (
	DefaultTimeoutMs   = 30_000
	DefaultMemBytesMax = 512 * 1024 * 1024
	// OutputCapBytes bounds each of stdout and stderr captured from a
	// single exec (the cap applies per stream); beyond this, output is
	// truncated rather than buffered without bound.
	OutputCapBytes = 1 << 20 // 1 MiB
)

// DefaultLimits returns the specification's default resource limits.
func DefaultLimits() Limits {
	return Limits{
		TimeoutMs:      DefaultTimeoutMs,
		MemBytesMax:    DefaultMemBytesMax,
		NetworkAllowed: false,
	}
}

// ExecParams is the input to one sandboxed execution.
type ExecParams struct {
	Runtime registry.Runtime
	Source  string
	Args    json.RawMessage
	Limits  Limits
}

// ExecResult is the outcome of one sandboxed execution. Output is the
// combined, separator-joined stdout/stderr, each stream captured up to
// OutputCapBytes.
// A non-zero ExitCode or TimedOut=true is a Sandbox-exec condition per the
// specification's error taxonomy: it is domain output returned to the
// agent, never promoted to a system error.
type ExecResult struct {
	Output    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// stdoutStderrSeparator joins captured stdout and stderr in ExecResult.Output.
// The specification leaves the exact delimiter to the implementer; this one
// is chosen to be visually unambiguous and never collide with ordinary
// script output.
const stdoutStderrSeparator = "\n--- stderr ---\n"
