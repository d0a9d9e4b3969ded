package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Request describes one agent invocation. The instruction is the complete
// prompt: stage policy plus execution context, already rendered.
type Request struct {
	WorkspaceRoot string
	Instruction   string
}

// Result holds what came back from an invocation. Output is the combined
// stdout and stderr transcript and is populated even when the invocation
// failed, so callers can persist it for diagnosis.
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// Invoker runs the external coding agent against a workspace. The agent is
// opaque: it reads and writes workspace files as it sees fit, and the only
// verification available to callers is inspecting the workspace afterwards.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// ExecInvoker shells out to the agent CLI in one-shot print mode with the
// workspace as the working directory.
type ExecInvoker struct {
	Command string        // agent binary, e.g. "claude"
	Model   string        // passed as --model when set
	Flags   string        // extra flags, whitespace-separated
	Timeout time.Duration // zero means no timeout beyond ctx
}

// NewExecInvoker creates an ExecInvoker for the given agent CLI settings.
func NewExecInvoker(command, model, flags string, timeout time.Duration) *ExecInvoker {
	return &ExecInvoker{Command: command, Model: model, Flags: flags, Timeout: timeout}
}

// buildArgs constructs the CLI argument list for an instruction.
func (e *ExecInvoker) buildArgs(instruction string) []string {
	args := []string{"--print"}
	if e.Model != "" {
		args = append(args, "--model", e.Model)
	}
	if e.Flags != "" {
		args = append(args, strings.Fields(e.Flags)...)
	}
	return append(args, instruction)
}

// Invoke runs the agent once and waits for it to exit. The returned error
// carries the exit status; the Result is returned alongside it so the
// transcript survives failures.
func (e *ExecInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.Command, e.buildArgs(req.Instruction)...)
	cmd.Dir = req.WorkspaceRoot

	start := time.Now()
	out, err := cmd.CombinedOutput()
	res := &Result{
		Output:   string(out),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, fmt.Errorf("agent timed out after %s", e.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, fmt.Errorf("agent exited %d: %s", res.ExitCode, tailOf(res.Output))
		}
		return res, fmt.Errorf("run agent %q: %w", e.Command, err)
	}
	return res, nil
}

// tailOf returns the last non-empty line of a transcript for error messages.
func tailOf(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "(no output)"
}
