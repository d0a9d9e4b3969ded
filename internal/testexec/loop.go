package testexec

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/artifact"
)

// Namespace is the artifact namespace test execution writes under.
const Namespace = "test-results"

// HardFailureError reports that tests still failed after every allowed
// attempt. LastOutput is the artifact path of the final attempt's output.
type HardFailureError struct {
	Attempts   int
	LastOutput string
}

func (e *HardFailureError) Error() string {
	return fmt.Sprintf("tests still failing after %d attempts (last output: %s)", e.Attempts, e.LastOutput)
}

// FixInvoker runs the fix agent against the workspace between failing
// attempts.
type FixInvoker interface {
	Fix(ctx context.Context, attempt, maxAttempts int, testOutput string) error
}

// Committer persists fix changes to the working branch.
type Committer interface {
	CommitAll(message string) (bool, error)
	Push(branch string) error
}

// LoopOpts configures a test execution run.
type LoopOpts struct {
	WorkspaceRoot string
	Branch        string
	Command       string // overrides runner detection when set
	Timeout       time.Duration
	MaxFixRetries int // fixes between attempts; attempts = retries + 1
	Runner        CommandRunner
	Fixer         FixInvoker
	Committer     Committer
	Store         *artifact.Store
	Logf          func(format string, args ...interface{})
	OnAttempt     func(attempt int, run *TestRun)
}

// LoopResult summarizes a completed test execution loop. It is persisted as
// result.json in the test-results namespace.
type LoopResult struct {
	Passed       bool     `json:"passed"`
	Attempts     int      `json:"attempts"`
	MaxAttempts  int      `json:"max_attempts"`
	Runner       string   `json:"runner"`
	Command      string   `json:"command"`
	LastOutput   string   `json:"last_output"`
	RemovedTests []string `json:"removed_tests,omitempty"`
	DurationMs   int      `json:"duration_ms"`
}

// Run executes the bounded test-and-fix loop: one test run per attempt, at
// most one fix between failing attempts. A fix invocation that itself errors
// still consumes the attempt and commits nothing. On exhaustion the returned
// result is still valid (and result.json written) alongside a HardFailureError.
func Run(ctx context.Context, opts LoopOpts) (*LoopResult, error) {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	runner := opts.Runner
	if runner == nil {
		runner = &ExecRunner{}
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("artifact store not configured")
	}

	command := opts.Command
	runnerName := "configured"
	if command == "" {
		info, err := DetectRunner(opts.WorkspaceRoot)
		if err != nil {
			return nil, err
		}
		command = info.Command
		runnerName = info.Name
		logf("detected %s project (%s): %s", info.Name, info.Marker, info.Command)
	}

	maxAttempts := opts.MaxFixRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if maxAttempts > 1 && (opts.Fixer == nil || opts.Committer == nil) {
		return nil, fmt.Errorf("fix agent and committer required for %d attempts", maxAttempts)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Minute
	}

	result := &LoopResult{MaxAttempts: maxAttempts, Runner: runnerName, Command: command}
	start := time.Now()
	baseline := snapshotTestFiles(opts.WorkspaceRoot)

	var lastPath string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		logf("test attempt %d/%d: %s", attempt, maxAttempts, command)
		run, err := runTests(ctx, runner, opts.WorkspaceRoot, command, timeout)
		if err != nil {
			return nil, err
		}

		name := fmt.Sprintf("output-%d.txt", attempt)
		if err := opts.Store.Write(Namespace, name, []byte(run.Output)); err != nil {
			return nil, fmt.Errorf("persist test output: %w", err)
		}
		lastPath = opts.Store.Path(Namespace, name)
		result.Attempts = attempt
		if opts.OnAttempt != nil {
			opts.OnAttempt(attempt, run)
		}

		if run.Passed {
			logf("tests passed on attempt %d/%d", attempt, maxAttempts)
			result.Passed = true
			break
		}

		if run.TimedOut {
			logf("tests timed out on attempt %d/%d", attempt, maxAttempts)
		} else {
			logf("tests failed on attempt %d/%d (exit %d)", attempt, maxAttempts, run.ExitCode)
		}
		if attempt == maxAttempts {
			break
		}

		if err := opts.Fixer.Fix(ctx, attempt, maxAttempts, run.Output); err != nil {
			logf("fix agent failed on attempt %d: %v", attempt, err)
			continue
		}

		if removed := missingFrom(baseline, snapshotTestFiles(opts.WorkspaceRoot)); len(removed) > 0 {
			logf("fix removed test files: %s", strings.Join(removed, ", "))
			result.RemovedTests = append(result.RemovedTests, removed...)
			for _, f := range removed {
				delete(baseline, f)
			}
		}

		committed, err := opts.Committer.CommitAll(fmt.Sprintf("Fix failing tests (attempt %d)", attempt))
		if err != nil {
			return nil, fmt.Errorf("commit fixes: %w", err)
		}
		if committed {
			if err := opts.Committer.Push(opts.Branch); err != nil {
				return nil, fmt.Errorf("push fixes: %w", err)
			}
			logf("pushed fix commit for attempt %d", attempt)
		}
	}

	result.LastOutput = lastPath
	result.DurationMs = int(time.Since(start).Milliseconds())
	if err := opts.Store.WriteJSON(Namespace, "result.json", result); err != nil {
		return nil, fmt.Errorf("write result.json: %w", err)
	}

	if !result.Passed {
		return result, &HardFailureError{Attempts: result.Attempts, LastOutput: lastPath}
	}
	return result, nil
}

// test file naming conventions across the runners we detect
var testFilePatterns = []string{
	"*_test.go",
	"*.test.js", "*.test.jsx", "*.test.ts", "*.test.tsx",
	"*.spec.js", "*.spec.ts",
	"test_*.py", "*_test.py",
}

var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
}

// snapshotTestFiles lists test files under root by relative path. Used to
// notice a fix round quietly deleting tests instead of fixing them.
func snapshotTestFiles(root string) map[string]bool {
	found := make(map[string]bool)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && (skippedDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		for _, pattern := range testFilePatterns {
			if ok, _ := filepath.Match(pattern, d.Name()); ok {
				if rel, err := filepath.Rel(root, path); err == nil {
					found[rel] = true
				}
				break
			}
		}
		return nil
	})
	return found
}

// missingFrom returns the sorted paths present in before but not in after.
func missingFrom(before, after map[string]bool) []string {
	var missing []string
	for path := range before {
		if !after[path] {
			missing = append(missing, path)
		}
	}
	sort.Strings(missing)
	return missing
}
