package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/db"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/report"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Analytics over the workspace's event log",
}

// withReportDB resolves the workspace, opens the event log, and hands both to
// the query body.
func withReportDB(cmd *cobra.Command, fn func(d *db.DB, workspace string) error) error {
	ws, err := workspaceFromFlags(cmd)
	if err != nil {
		return err
	}
	d, err := openEventLog()
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(d, ws)
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var historyStagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Run durations per stage (average, p50, p95)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReportDB(cmd, func(d *db.DB, ws string) error {
			rows, err := report.QueryStageDurations(d, ws)
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(cmd, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No completed stage runs recorded yet.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tRUNS\tAVG(min)\tP50(min)\tP95(min)")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", r.Stage, r.Runs, r.Avg, r.P50, r.P95)
			}
			return w.Flush()
		})
	},
}

var historyGatesCmd = &cobra.Command{
	Use:   "gates",
	Short: "Gate decision counts and reviewer latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReportDB(cmd, func(d *db.DB, ws string) error {
			rows, err := report.QueryGateLatencies(d, ws)
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(cmd, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No gate decisions recorded yet.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GATE\tDECISIONS\tAPPROVE\tREJECT\tAVG(min)\tP50(min)\tP95(min)")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\t%.1f\t%.1f\n",
					r.Gate, r.Decisions, r.Approvals, r.Rejections, r.Avg, r.P50, r.P95)
			}
			return w.Flush()
		})
	},
}

var historyFixesCmd = &cobra.Command{
	Use:   "fixes",
	Short: "How many fix rounds stories needed before tests passed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReportDB(cmd, func(d *db.DB, ws string) error {
			dist, err := report.QueryFixDistribution(d, ws)
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(cmd, dist)
			}
			out := cmd.OutOrStdout()
			if dist.Stories == 0 {
				fmt.Fprintln(out, "No test runs recorded yet.")
				return nil
			}
			fmt.Fprintf(out, "Stories with test runs: %d\n", dist.Stories)
			fmt.Fprintf(out, "  passed first try:  %5.1f%%\n", dist.FirstPass)
			fmt.Fprintf(out, "  one fix round:     %5.1f%%\n", dist.OneFix)
			fmt.Fprintf(out, "  two or more:       %5.1f%%\n", dist.TwoPlus)
			fmt.Fprintf(out, "  never passed:      %5.1f%%\n", dist.Unresolved)
			return nil
		})
	},
}

var historyAgentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Agent invocation counts and durations by stage and phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReportDB(cmd, func(d *db.DB, ws string) error {
			rows, err := report.QueryAgentUsage(d, ws)
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(cmd, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No agent invocations recorded yet.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tPHASE\tCALLS\tFAILED\tAVG(s)")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.1f\n", r.Stage, r.Phase, r.Invocations, r.Failures, r.AvgSeconds)
			}
			return w.Flush()
		})
	},
}

var historyStoryCmd = &cobra.Command{
	Use:   "story <key>",
	Short: "Full event timeline for one story",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReportDB(cmd, func(d *db.DB, ws string) error {
			events, err := report.QueryStoryTimeline(d, ws, args[0])
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(cmd, events)
			}
			if len(events) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No events recorded for %s.\n", args[0])
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tSTAGE\tEVENT\tDETAIL")
			for _, e := range events {
				detail := e.Detail
				if len(detail) > 60 {
					detail = detail[:57] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp, e.Type, e.Stage, e.Event, detail)
			}
			return w.Flush()
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{historyStagesCmd, historyGatesCmd, historyFixesCmd, historyAgentCmd, historyStoryCmd} {
		addWorkspaceFlag(cmd)
		cmd.Flags().String("format", "text", "Output format: text or json")
		historyCmd.AddCommand(cmd)
	}
}
