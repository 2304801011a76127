package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/selfextend/core/internal/registry"
)

// dockerImageFor and dockerRunCommandFor follow the teacher's
// getDockerImage/getRunCommand tables (tools/sandbox/executor.go),
// restricted to this module's three supported runtimes.
func dockerImageFor(runtime registry.Runtime) (string, error) {
	switch runtime {
	case registry.RuntimeBash:
		return "bash:5-alpine", nil
	case registry.RuntimePython:
		return "python:3.11-alpine", nil
	case registry.RuntimeJavaScript:
		return "node:20-alpine", nil
	default:
		return "", fmt.Errorf("sandbox: unsupported runtime %q", runtime)
	}
}

func dockerRunCommandFor(runtime registry.Runtime, scriptName string) []string {
	switch runtime {
	case registry.RuntimeBash:
		return []string{"bash", scriptName}
	case registry.RuntimePython:
		return []string{"python", scriptName}
	case registry.RuntimeJavaScript:
		return []string{"node", scriptName}
	default:
		return nil
	}
}

// dockerWorker is the default Worker backend: it runs each exec inside a
// disposable `docker run` container, giving processWorker's timeout and
// output-cap guarantees a real, kernel-enforced memory ceiling and
// network block to go with them (--memory/--memory-swap, --network
// none), the same mechanism the teacher's dockerExecutor uses
// (tools/sandbox/executor.go). A script that tries to over-allocate is
// OOM-killed by the container runtime rather than left to exhaust the
// host, satisfying the specification's Property 10.
type dockerWorker struct {
	scratchDir string
	healthy    bool
}

// NewDockerWorker creates a docker-backed worker with a fresh scratch
// directory used as the container's read-write workspace mount.
func NewDockerWorker() (Worker, error) {
	dir, err := os.MkdirTemp("", "selfextend-sandbox-docker-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create scratch dir: %w", err)
	}
	return &dockerWorker{scratchDir: dir, healthy: true}, nil
}

func (w *dockerWorker) Healthy() bool {
	return w.healthy
}

// Reset clears the scratch directory between execs, exactly as
// processWorker does.
func (w *dockerWorker) Reset() error {
	entries, err := os.ReadDir(w.scratchDir)
	if err != nil {
		w.healthy = false
		return fmt.Errorf("sandbox: read scratch dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(w.scratchDir, e.Name())); err != nil {
			w.healthy = false
			return fmt.Errorf("sandbox: clear scratch dir: %w", err)
		}
	}
	return nil
}

func (w *dockerWorker) Close() error {
	return os.RemoveAll(w.scratchDir)
}

func (w *dockerWorker) Exec(ctx context.Context, params ExecParams) (ExecResult, error) {
	image, err := dockerImageFor(params.Runtime)
	if err != nil {
		return ExecResult{}, err
	}

	limits := params.Limits
	if limits.TimeoutMs == 0 {
		limits = DefaultLimits()
	}
	memBytes := limits.MemBytesMax
	if memBytes == 0 {
		memBytes = DefaultMemBytesMax
	}
	memMB := memBytes / (1024 * 1024)
	if memMB < 4 {
		memMB = 4 // docker's practical minimum for a usable interpreter container
	}

	_, suffix, err := interpreterFor(params.Runtime)
	if err != nil {
		return ExecResult{}, err
	}
	scriptName := "script" + suffix
	scriptPath := filepath.Join(w.scratchDir, scriptName)
	if err := os.WriteFile(scriptPath, []byte(params.Source), 0o600); err != nil {
		w.healthy = false
		return ExecResult{}, fmt.Errorf("sandbox: write script: %w", err)
	}

	timeout := time.Duration(limits.TimeoutMs) * time.Millisecond
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"run", "--rm", "-i"}
	if !limits.NetworkAllowed {
		args = append(args, "--network", "none")
	}
	args = append(args,
		"--memory", strconv.FormatUint(memMB, 10)+"m",
		"--memory-swap", strconv.FormatUint(memMB, 10)+"m", // no swap headroom past the cap
		"--pids-limit", "100",
		"--ulimit", "nofile=1024:1024",
		"-v", w.scratchDir+":/workspace:rw",
		"-w", "/workspace",
		image,
	)
	args = append(args, dockerRunCommandFor(params.Runtime, scriptName)...)

	cmd := exec.CommandContext(execCtx, "docker", args...)

	stdin, err := json.Marshal(struct {
		Args json.RawMessage `json:"args"`
	}{Args: params.Args})
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: marshal stdin: %w", err)
	}
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr capBuffer
	stdout.limit = OutputCapBytes
	stderr.limit = OutputCapBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := ExecResult{
		Duration:  elapsed,
		Truncated: stdout.truncated || stderr.truncated,
	}
	combined := stdout.buf.String()
	if stderr.buf.Len() > 0 {
		combined += stdoutStderrSeparator + stderr.buf.String()
	}
	result.Output = combined

	if execCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		w.healthy = false
		return result, nil
	}
	if runErr != nil {
		// A container killed for exceeding --memory (or any other non-zero
		// docker-run exit, e.g. the interpreter's own exit code) surfaces
		// here as a plain exit code — domain output, not a Go error, per
		// the same taxonomy processWorker uses.
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		w.healthy = false
		return result, fmt.Errorf("sandbox: docker run: %w", runErr)
	}
	return result, nil
}

var _ Worker = (*dockerWorker)(nil)
