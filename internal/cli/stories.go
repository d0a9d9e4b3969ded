package cli

import (
	"fmt"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/pipeline"
	"github.com/spf13/cobra"
)

var storiesCmd = &cobra.Command{
	Use:   "stories",
	Short: "Stage 1: break the BRD into epics and stories",
	Long: `Run the epic-stories stage: the agent decomposes the workspace's BRD into
epics and stories, a reviewer approves the breakdown at gate A, and the
approved items are created in the issue tracker.

With --generate-only the command stops once the breakdown is written and the
review is requested, so approval can come later from 'sdlc approve', the web
dashboard, or a re-run with --publish-only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := newEnv(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := e.runner.RunEpicStories(cmd.Context(), stageOpts(cmd)); err != nil {
			return describeError(err)
		}

		opts := stageOpts(cmd)
		if opts.GenerateOnly {
			fmt.Fprintln(cmd.OutOrStdout(), "Breakdown generated; gate A is awaiting review.")
			return nil
		}
		var keys pipeline.TrackerKeys
		if err := e.store.ReadJSON(pipeline.StageEpicStories, "tracker-keys.json", &keys); err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Created %d epic(s) and %d story(ies) in the tracker.\n",
				len(keys.Epics), keys.StoryCount())
		}
		return nil
	},
}

func init() {
	addGatedStageFlags(storiesCmd)
}
