package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/engine"
	"github.com/gantryci/gantry/pkg/registry"
	"github.com/gantryci/gantry/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Listen for webhook deliveries and run the workflow",
	Long: `Starts the HTTP server: webhook deliveries posted to /events are queued and
run one at a time against the current workflow, and the recorded runs are
served under /runs. The server stops on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		wf, _, err := loadWorkflow(ctx, nil)
		if err != nil {
			return err
		}

		store, err := registry.Open(storeDirIn(wf.Root))
		if err != nil {
			return err
		}
		defer store.Close()

		runner := &engine.Runner{Store: store, Config: cfg}
		return server.New(cfg, store, runner, wf).ListenAndServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
