package cli

import (
	"fmt"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/testexec"
	"github.com/spf13/cobra"
)

var testExecCmd = &cobra.Command{
	Use:   "test-exec",
	Short: "Stage 5: run the tests, auto-fixing failures within a budget",
	Long: `Run the test-execution stage: detect the workspace's test runner (or use
tests.command from config), run the suite, and on failure hand the output to
the agent for a fix, commit, and retry. The loop is bounded by
tests.max_fix_retries; exhausting it fails the stage and leaves the last
output for manual follow-up.

This stage has no gate. Its verdict is the test suite's.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := newEnv(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := e.runner.RunTestExecution(cmd.Context(), stageOpts(cmd)); err != nil {
			return describeError(err)
		}

		var res testexec.LoopResult
		if err := e.store.ReadJSON(testexec.Namespace, "result.json", &res); err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Tests passed after %d attempt(s).\n", res.Attempts)
		}
		return nil
	},
}

func init() {
	addStageFlags(testExecCmd)
	testExecCmd.Flags().String("story", "", "Story key whose branch is under test")
	testExecCmd.MarkFlagRequired("story")
}
