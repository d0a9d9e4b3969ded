package cli

import (
	"fmt"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/artifact"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/gate"
	"github.com/spf13/cobra"
)

var approveCmd = &cobra.Command{
	Use:   "approve <gate>",
	Short: "Approve a pending gate (A, B, C, or D)",
	Long: `Record an approval for a gate from a second terminal. A pipeline process
blocked on the gate observes the decision file and continues. The decision
is final for the generated artifacts: regenerating a stage clears it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideGate(cmd, args[0], gate.OutcomeApprove)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <gate>",
	Short: "Reject a pending gate (A, B, C, or D)",
	Long: `Record a rejection for a gate. The blocked stage fails with the rejection
and its note; fix the inputs or the policy and re-run the stage to generate
fresh artifacts for review.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideGate(cmd, args[0], gate.OutcomeReject)
	},
}

func decideGate(cmd *cobra.Command, gateName, outcome string) error {
	ws, err := workspaceFromFlags(cmd)
	if err != nil {
		return err
	}
	note, _ := cmd.Flags().GetString("note")

	database, err := openEventLog()
	if err != nil {
		return err
	}
	defer database.Close()

	keeper := gate.New(gate.Opts{
		Store: artifact.NewStore(ws),
		OnDecision: func(d gate.Decision, requestedAt string) {
			_ = database.LogGateDecision(ws, d.Gate, d.Outcome, d.Note, requestedAt)
		},
	})
	if err := keeper.Record(gate.Decision{Gate: gateName, Outcome: outcome, Note: note}); err != nil {
		return err
	}
	g, _ := gate.Normalize(gateName)
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for gate %s.\n", outcome, g)
	return nil
}

func init() {
	for _, cmd := range []*cobra.Command{approveCmd, rejectCmd} {
		addWorkspaceFlag(cmd)
		cmd.Flags().String("note", "", "Reviewer note recorded with the decision")
	}
}
