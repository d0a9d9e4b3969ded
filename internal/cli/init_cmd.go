package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/artifact"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/pipeline"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/prompt"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/vcs"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Prepare a workspace for the pipeline",
	Long: `Create the artifact store and pipeline state for a workspace, record the
BRD it will be driven from, and install the builtin stage policies under
~/.sdlc/policies/ for editing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspaceFromFlags(cmd)
		if err != nil {
			return err
		}
		brd, _ := cmd.Flags().GetString("brd")
		brdAbs := brd
		if !filepath.IsAbs(brdAbs) {
			brdAbs = filepath.Join(ws, brd)
		}
		if _, err := os.Stat(brdAbs); err != nil {
			return fmt.Errorf("BRD %s: %w", brdAbs, err)
		}
		// Keep the recorded path relative when the BRD lives inside the
		// workspace, so the checkout stays relocatable.
		brdRec := brdAbs
		if rel, err := filepath.Rel(ws, brdAbs); err == nil && !strings.HasPrefix(rel, "..") {
			brdRec = rel
		}

		store := artifact.NewStore(ws)
		if err := os.MkdirAll(store.Root(), 0o755); err != nil {
			return fmt.Errorf("create artifact store: %w", err)
		}
		state := pipeline.NewStateStore(store)
		if _, err := state.Update(func(st *pipeline.RunState) {
			st.BRD = brdRec
		}); err != nil {
			return fmt.Errorf("write pipeline state: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Initialized workspace %s\n", ws)
		fmt.Fprintf(out, "  BRD:   %s\n", brdRec)
		fmt.Fprintf(out, "  State: %s\n", state.Path())

		host := vcs.NewClient(&vcs.ExecGit{}, &vcs.ExecGh{}, ws)
		if host.IsRepo() {
			fmt.Fprintf(out, "  Base branch: %s\n", host.DetectDefaultBranch())
			if err := ensureGitignore(ws); err != nil {
				fmt.Fprintf(out, "  warning: could not update .gitignore: %v\n", err)
			}
		} else {
			fmt.Fprintf(out, "  warning: %s is not a git repository; the implementation stage needs one\n", ws)
		}

		if err := prompt.InstallBuiltinPolicies(); err != nil {
			fmt.Fprintf(out, "  warning: could not install builtin policies: %v\n", err)
		}

		if database, err := openEventLog(); err == nil {
			defer database.Close()
			_ = database.LogPipelineEvent(ws, "", "", "workspace_initialized", brdRec)
		}
		return nil
	},
}

// ensureGitignore keeps the artifact store out of the workspace's history.
// Stage artifacts are reviewed through the gate, not through the PR diff.
func ensureGitignore(ws string) error {
	path := filepath.Join(ws, ".gitignore")
	entry := artifact.StoreDirName + "/"
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}
	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += entry + "\n"
	return os.WriteFile(path, []byte(content), 0o644)
}

func init() {
	addWorkspaceFlag(initCmd)
	initCmd.Flags().String("brd", "", "Path to the business requirements document")
	initCmd.MarkFlagRequired("brd")
}
