package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/agent"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/artifact"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/config"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/db"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/gate"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/pipeline"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/testexec"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/tracker"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/vcs"
	"github.com/spf13/cobra"
)

// env bundles the wired collaborators a command needs against one workspace.
type env struct {
	store  *artifact.Store
	runner *pipeline.Runner
}

// addWorkspaceFlag registers the flag every workspace-scoped command takes.
func addWorkspaceFlag(cmd *cobra.Command) {
	cmd.Flags().String("workspace-root", ".", "Workspace directory (a git checkout)")
}

// addStageFlags registers the flags shared by stage commands.
func addStageFlags(cmd *cobra.Command) {
	addWorkspaceFlag(cmd)
	cmd.Flags().StringSlice("context-dirs", nil, "Extra directories listed in the agent's execution context")
	cmd.Flags().BoolP("interactive", "i", false, "Force the terminal gate prompt even when stdin is piped")
}

// addGatedStageFlags adds the flags only gated single stages support: a
// policy override for the generation phase and the two resume modes.
func addGatedStageFlags(cmd *cobra.Command) {
	addStageFlags(cmd)
	cmd.Flags().String("policy-file", "", "Override the stage's generation policy document")
	cmd.Flags().Bool("generate-only", false, "Stop after generation, leaving the gate pending")
	cmd.Flags().Bool("publish-only", false, "Skip generation; gate and publish existing artifacts")
}

func workspaceFromFlags(cmd *cobra.Command) (string, error) {
	ws, _ := cmd.Flags().GetString("workspace-root")
	abs, err := filepath.Abs(ws)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace root %s is not a directory", abs)
	}
	return abs, nil
}

// workspaceConfig loads the workflow config for a workspace: <ws>/sdlc.yaml
// when present, otherwise the default search. Flag overrides are applied on
// top.
func workspaceConfig(cmd *cobra.Command, ws string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := filepath.Join(ws, "sdlc.yaml"); fileExists(path) {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s (run `sdlc config validate`)", errs[0].Error())
	}
	if cmd.Flags().Changed("context-dirs") {
		dirs, _ := cmd.Flags().GetStringSlice("context-dirs")
		cfg.Workflow.ContextDirs = dirs
	}
	return cfg, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// openEventLog opens and migrates the per-user event database.
func openEventLog() (*db.DB, error) {
	path, err := db.DefaultDBPath()
	if err != nil {
		return nil, err
	}
	d, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate event log: %w", err)
	}
	return d, nil
}

// newEnv wires the full dependency set for a workspace command. The returned
// cleanup closes the event log.
func newEnv(cmd *cobra.Command) (*env, func(), error) {
	ws, err := workspaceFromFlags(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := workspaceConfig(cmd, ws)
	if err != nil {
		return nil, nil, err
	}
	database, err := openEventLog()
	if err != nil {
		return nil, nil, err
	}

	store := artifact.NewStore(ws)
	state := pipeline.NewStateStore(store)
	interactive, _ := cmd.Flags().GetBool("interactive")

	logf := func(format string, args ...interface{}) {
		fmt.Fprintf(cmd.OutOrStdout(), format+"\n", args...)
	}

	gates := gate.New(gate.Opts{
		Store:       store,
		Interactive: interactive,
		Logf:        logf,
		OnDecision: func(d gate.Decision, requestedAt string) {
			_ = database.LogGateDecision(ws, d.Gate, d.Outcome, d.Note, requestedAt)
		},
	})

	runner := pipeline.NewRunner(pipeline.Deps{
		Config:    cfg,
		Workspace: ws,
		Store:     store,
		State:     state,
		Agent:     agent.NewExecInvoker(cfg.Agent.Command, cfg.Agent.Model, cfg.Agent.Flags, cfg.AgentTimeout()),
		Tracker:   tracker.NewClientWithTypes(&tracker.ExecRunner{Command: cfg.Tracker.Command}, cfg.Tracker.Project, cfg.Tracker.EpicType, cfg.Tracker.StoryType),
		Host:      vcs.NewClient(&vcs.ExecGit{}, &vcs.ExecGh{}, ws),
		Gates:     gates,
		Events:    database,
		Logf:      logf,
	})

	return &env{store: store, runner: runner}, func() { database.Close() }, nil
}

func stageOpts(cmd *cobra.Command) pipeline.StageOpts {
	story, _ := cmd.Flags().GetString("story")
	policyFile, _ := cmd.Flags().GetString("policy-file")
	genOnly, _ := cmd.Flags().GetBool("generate-only")
	pubOnly, _ := cmd.Flags().GetBool("publish-only")
	return pipeline.StageOpts{
		Story:        story,
		PolicyFile:   policyFile,
		GenerateOnly: genOnly,
		PublishOnly:  pubOnly,
	}
}

// describeError adds the operator-facing context a raw pipeline error lacks.
// Most taxonomy errors already name their category and the offending
// artifact, gate, or attempt; the additions here are the ones that don't.
func describeError(err error) error {
	if err == nil {
		return nil
	}
	var mismatch *pipeline.TypeMismatchError
	var hard *testexec.HardFailureError
	switch {
	case errors.As(err, &mismatch):
		return fmt.Errorf("tracker mismatch: %w", err)
	case errors.As(err, &hard):
		return fmt.Errorf("%w; fix by hand or re-run test-exec on %s/", err, testexec.Namespace)
	case errors.Is(err, testexec.ErrNoTestRunner):
		return fmt.Errorf("%w: configure tests.command in sdlc.yaml", err)
	default:
		return err
	}
}
