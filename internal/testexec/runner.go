package testexec

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// CommandRunner abstracts test command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (output string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out. Stdout and stderr are
// interleaved the way a developer would see them in a terminal.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return string(out), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return string(out), exitCode, nil
}

// TestRun holds the outcome of one test command invocation.
type TestRun struct {
	Passed     bool
	ExitCode   int
	DurationMs int
	Output     string
	TimedOut   bool
}

// runTests executes the test command once under a timeout. A timeout is a
// failing run, not an error; cancellation of the parent context propagates.
func runTests(ctx context.Context, cmd CommandRunner, dir, command string, timeout time.Duration) (*TestRun, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, exitCode, err := cmd.Run(tctx, dir, command)
	durationMs := int(time.Since(start).Milliseconds())

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if tctx.Err() == context.DeadlineExceeded {
		return &TestRun{
			ExitCode:   exitCode,
			DurationMs: durationMs,
			Output:     out + fmt.Sprintf("\n(timed out after %s)\n", timeout),
			TimedOut:   true,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("run tests: %w", err)
	}

	return &TestRun{
		Passed:     exitCode == 0,
		ExitCode:   exitCode,
		DurationMs: durationMs,
		Output:     out,
	}, nil
}
