package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "sdlc",
	Short: "sdlc — a human-gated AI development pipeline",
	Long: `sdlc drives a workspace from a business requirements document to an
approved, tested pull request. An external coding agent does the writing;
a human approves each stage at a gate before the pipeline moves on.

Stage artifacts live in <workspace>/sdlc-artifacts/ (JSON + markdown), gate
decisions in sdlc-artifacts/approvals/, and the event log in ~/.sdlc/sdlc.db.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(storiesCmd)
	rootCmd.AddCommand(implementCmd)
	rootCmd.AddCommand(unitTestsCmd)
	rootCmd.AddCommand(integrationTestsCmd)
	rootCmd.AddCommand(testExecCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
