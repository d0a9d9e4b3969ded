package cli

import (
	"fmt"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/pipeline"
	"github.com/spf13/cobra"
)

var implementCmd = &cobra.Command{
	Use:   "implement",
	Short: "Stage 2: implement a story on its own branch and open a PR",
	Long: `Run the implementation stage for one story: verify the story and its parent
epic in the tracker, check out story/<KEY>, let the agent implement against
the story description, commit and push, open a pull request, then hold at
gate B.

The branch name is a pure function of the story key, so re-running the stage
resumes on the existing branch and reuses an already-open PR.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := newEnv(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := e.runner.RunImplementation(cmd.Context(), stageOpts(cmd)); err != nil {
			return describeError(err)
		}

		var pr pipeline.PRInfo
		if err := e.store.ReadJSON(pipeline.StageImplementation, "pr.json", &pr); err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "PR #%d ready for %s: %s\n", pr.Number, pr.Story, pr.URL)
		}
		return nil
	},
}

func init() {
	addGatedStageFlags(implementCmd)
	implementCmd.Flags().String("story", "", "Story key to implement, e.g. PROJ-42")
	implementCmd.MarkFlagRequired("story")
}
