package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/engine"
	"github.com/gantryci/gantry/pkg/event"
	"github.com/gantryci/gantry/pkg/glog"
	"github.com/gantryci/gantry/pkg/notify"
	"github.com/gantryci/gantry/pkg/registry"
)

var runCmd = &cobra.Command{
	Use:   "run [job ...] [option=value ...]",
	Short: "Run the current workflow",
	Long: `Runs the workflow.star file of the current checkout (or the next parent
directory containing one). Plain arguments name the jobs to run, key=value
arguments set workflow options. Without job arguments every visible job runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		all, err := cmd.Flags().GetBool("all")
		if err != nil {
			return err
		}

		eventPath, err := cmd.Flags().GetString("event")
		if err != nil {
			return err
		}

		jobs, options := splitOptions(args)

		ctx := cmd.Context()
		wf, _, err := loadWorkflow(ctx, options)
		if err != nil {
			return err
		}

		var ev *event.Event
		if eventPath != "" {
			hdl, err := os.Open(eventPath)
			if err != nil {
				return err
			}

			ev, err = event.Decode(hdl)
			hdl.Close()
			if err != nil {
				return err
			}
		}

		store, err := registry.Open(storeDirIn(wf.Root))
		if err != nil {
			return err
		}
		defer store.Close()

		runner := &engine.Runner{Store: store, Config: cfg, DryRun: dryRun, Force: force}
		run, err := runner.Run(ctx, engine.Request{Workflow: wf, Jobs: jobs, All: all, Event: ev})
		if run != nil {
			printRunSummary(cmd.OutOrStdout(), run)

			if mailErr := notify.New(cfg).RunFinished(ctx, run); mailErr != nil {
				glog.Log(ctx).Warn().Err(mailErr).Msg("Failed to send failure notification")
			}
		}

		return err
	},
}

func init() {
	runCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	runCmd.Flags().BoolP("force", "f", false, "force run; execute jobs even when their skip_if_exists files are present")
	runCmd.Flags().Bool("all", false, "include hidden jobs in the selection")
	runCmd.Flags().String("event", "", "JSON event payload to check against the workflow triggers")
	rootCmd.AddCommand(runCmd)
}
