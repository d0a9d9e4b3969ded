package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var unitTestsCmd = &cobra.Command{
	Use:   "unit-tests",
	Short: "Stage 3: plan unit tests, gate the plan, then write them",
	Long: `Run the unit-tests stage for the implemented story. The agent first writes
unit-test-plan.md from the implementation summary; a reviewer approves the
plan at gate C; only then does the agent write the test code, which is
committed and pushed to the story branch.

Gating the plan instead of the finished tests keeps review cheap: a wrong
plan costs a document, not a diff.`,
	RunE:  runTestStage("unit"),
}

var integrationTestsCmd = &cobra.Command{
	Use:   "integration-tests",
	Short: "Stage 4: plan integration tests, gate the plan, then write them",
	Long: `Run the integration-tests stage: same plan-gate-code shape as unit-tests
with its own policy and gate D. The plan builds on the unit test summary so
integration coverage starts where unit coverage stops.`,
	RunE:  runTestStage("integration"),
}

// runTestStage builds the shared RunE for the two plan-gated test stages.
func runTestStage(kind string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := newEnv(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		opts := stageOpts(cmd)
		if kind == "unit" {
			err = e.runner.RunUnitTests(cmd.Context(), opts)
		} else {
			err = e.runner.RunIntegrationTests(cmd.Context(), opts)
		}
		if err != nil {
			return describeError(err)
		}

		if opts.GenerateOnly {
			fmt.Fprintf(cmd.OutOrStdout(), "%s test plan written; the gate is awaiting review.\n", kind)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s tests written and pushed for %s.\n", kind, opts.Story)
		return nil
	}
}

func init() {
	for _, cmd := range []*cobra.Command{unitTestsCmd, integrationTestsCmd} {
		addGatedStageFlags(cmd)
		cmd.Flags().String("story", "", "Story key the tests target")
		cmd.MarkFlagRequired("story")
	}
}
