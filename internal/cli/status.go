package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/pipeline"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the workspace's pipeline state",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := newEnv(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		st, infos, err := e.runner.Status()
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(struct {
				State  *pipeline.RunState   `json:"state"`
				Stages []pipeline.StageInfo `json:"stages"`
			}{st, infos}, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", headerStyle.Render("Workspace:"), st.Workspace)
		if st.Story != "" {
			fmt.Fprintf(out, "%s %s", headerStyle.Render("Story:"), st.Story)
			if st.Epic != "" {
				fmt.Fprintf(out, "  (epic %s)", st.Epic)
			}
			fmt.Fprintln(out)
		}
		if st.Branch != "" {
			fmt.Fprintf(out, "%s %s\n", headerStyle.Render("Branch:"), st.Branch)
		}
		fmt.Fprintln(out)

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tSTATUS\tGATE\tDECISION\tUPDATED")
		for _, info := range infos {
			gateCol, decisionCol := "-", "-"
			if info.Def.Gate != "" {
				gateCol = info.Def.Gate
				if info.Decision != nil {
					decisionCol = renderOutcome(info.Decision.Outcome)
					if info.Decision.Note != "" {
						note := info.Decision.Note
						if len(note) > 30 {
							note = note[:27] + "..."
						}
						decisionCol += dimStyle.Render(" (" + note + ")")
					}
				}
			}
			updated := info.State.FinishedAt
			if updated == "" {
				updated = info.State.StartedAt
			}
			if updated == "" {
				updated = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				info.Def.Name, renderStatus(info.State.Status), gateCol, decisionCol, updated)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		for _, info := range infos {
			if info.State.Status == pipeline.StatusAwaitingApproval && info.Def.Gate != "" {
				fmt.Fprintf(out, "\n%s gate %s is awaiting review: `sdlc approve %s` or `sdlc reject %s`\n",
					warnStyle.Render("»"), info.Def.Gate, info.Def.Gate, info.Def.Gate)
			}
			if info.State.Status == pipeline.StatusFailed && info.State.Error != "" {
				fmt.Fprintf(out, "\n%s %s failed: %s\n", failStyle.Render("✗"), info.Def.Name, info.State.Error)
			}
		}
		return nil
	},
}

func init() {
	addWorkspaceFlag(statusCmd)
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
