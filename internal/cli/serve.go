package cli

import (
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/artifact"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/gate"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/pipeline"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local pipeline dashboard",
	Long: `Serve a browser UI on localhost showing the stage table, pending gate
requests with their artifacts, and recent pipeline activity. Approve and
Reject buttons write the same decision files the CLI does, so a pipeline
blocked on a gate continues when the button is clicked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspaceFromFlags(cmd)
		if err != nil {
			return err
		}
		port, _ := cmd.Flags().GetInt("port")

		database, err := openEventLog()
		if err != nil {
			return err
		}
		defer database.Close()

		store := artifact.NewStore(ws)
		srv := web.NewServer(web.Deps{
			Workspace: ws,
			Store:     store,
			State:     pipeline.NewStateStore(store),
			Gates: gate.New(gate.Opts{
				Store: store,
				OnDecision: func(d gate.Decision, requestedAt string) {
					_ = database.LogGateDecision(ws, d.Gate, d.Outcome, d.Note, requestedAt)
				},
			}),
			DB:   database,
			Port: port,
		})
		return srv.Start()
	},
}

func init() {
	addWorkspaceFlag(serveCmd)
	serveCmd.Flags().Int("port", 8484, "Port to listen on")
}
