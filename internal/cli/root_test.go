package cli

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/gate"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/pipeline"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/testexec"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"init", "stories", "implement", "unit-tests", "integration-tests",
		"test-exec", "run", "approve", "reject", "status", "history",
		"serve", "config", "db", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestStageCommandFlags(t *testing.T) {
	cases := []struct {
		cmd   string
		flags []string
	}{
		{"stories", []string{"--workspace-root", "--context-dirs", "--policy-file", "--generate-only", "--publish-only", "--interactive"}},
		{"implement", []string{"--story", "--policy-file", "--generate-only", "--publish-only"}},
		{"unit-tests", []string{"--story", "--policy-file", "--generate-only", "--publish-only"}},
		{"integration-tests", []string{"--story", "--policy-file", "--generate-only", "--publish-only"}},
		{"test-exec", []string{"--story", "--workspace-root", "--interactive"}},
		{"run", []string{"--story", "--workspace-root", "--context-dirs"}},
	}
	for _, c := range cases {
		out, err := executeCommand(c.cmd, "--help")
		if err != nil {
			t.Errorf("%s --help failed: %v", c.cmd, err)
			continue
		}
		for _, flag := range c.flags {
			if !strings.Contains(out, flag) {
				t.Errorf("%s --help missing flag %s", c.cmd, flag)
			}
		}
	}
}

func TestFullRunHasNoSingleStageFlags(t *testing.T) {
	out, err := executeCommand("run", "--help")
	if err != nil {
		t.Fatalf("run --help: %v", err)
	}
	// A full run spans every stage, so a single generation-policy override
	// or a half-run mode would be ambiguous.
	for _, flag := range []string{"--policy-file", "--generate-only", "--publish-only"} {
		if strings.Contains(out, flag) {
			t.Errorf("run --help offers %s, which only fits single stages", flag)
		}
	}
}

func TestHistorySubcommands(t *testing.T) {
	subcmds := []string{"stages", "gates", "fixes", "agent", "story"}
	for _, sub := range subcmds {
		out, err := executeCommand("history", sub, "--help")
		if err != nil {
			t.Errorf("history %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("history %s --help produced no output", sub)
		}
	}
}

func TestConfigSubcommands(t *testing.T) {
	for _, sub := range []string{"validate", "show"} {
		out, err := executeCommand("config", sub, "--help")
		if err != nil {
			t.Errorf("config %s --help failed: %v", sub, err)
		}
		if !strings.Contains(out, "--file") {
			t.Errorf("config %s --help missing --file flag", sub)
		}
	}
}

func TestDbSubcommands(t *testing.T) {
	for _, sub := range []string{"init", "reset", "path"} {
		out, err := executeCommand("db", sub, "--help")
		if err != nil {
			t.Errorf("db %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("db %s --help produced no output", sub)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}

func TestDescribeError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"rejection", fmt.Errorf("gate B: %w", gate.ErrRejected), "rejected"},
		{"missing artifact", &pipeline.MissingArtifactError{Stage: "unit-tests", Name: "unit-test-plan.md", Path: "/tmp/x"}, "missing artifact"},
		{"gateway", &pipeline.GatewayError{Gateway: "tracker", Op: "create epic", Err: errors.New("auth expired")}, "tracker gateway: create epic: auth expired"},
		{"type mismatch", &pipeline.TypeMismatchError{Key: "PROJ-9", Want: "Epic", Got: "Story"}, "tracker mismatch:"},
		{"hard failure", &testexec.HardFailureError{Attempts: 3, LastOutput: "/tmp/out.txt"}, "still failing after 3 attempts"},
		{"no runner", fmt.Errorf("detect: %w", testexec.ErrNoTestRunner), "tests.command"},
		{"plain", errors.New("boom"), "boom"},
	}
	for _, c := range cases {
		got := describeError(c.err)
		if got == nil || !strings.Contains(got.Error(), c.want) {
			t.Errorf("%s: describeError() = %v, want substring %q", c.name, got, c.want)
		}
	}
	if describeError(nil) != nil {
		t.Error("describeError(nil) should be nil")
	}
}

func TestDescribeErrorKeepsUnwrap(t *testing.T) {
	err := describeError(fmt.Errorf("gate C: %w", gate.ErrRejected))
	if !errors.Is(err, gate.ErrRejected) {
		t.Error("described rejection no longer unwraps to ErrRejected")
	}

	hard := &testexec.HardFailureError{Attempts: 2, LastOutput: "/tmp/o"}
	var target *testexec.HardFailureError
	if !errors.As(describeError(hard), &target) || target.Attempts != 2 {
		t.Error("described hard failure no longer unwraps to HardFailureError")
	}
}
