package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [run_id]",
	Short: "Show recorded workflow runs",
	Long: `Lists the recorded runs, newest first. With a run ID the full report of that
run is shown, including the per-step outcomes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if len(args) > 0 {
			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}

			trigger := run.Trigger
			if run.Ref != "" {
				trigger += " (" + run.Ref + ")"
			}

			fmt.Fprintf(out, "workflow %s, triggered by %s, started %s\n",
				run.Workflow, trigger, run.StartedAt.Format("2006-01-02 15:04:05"))
			printRunSummary(out, run)
			return nil
		}

		runs, err := store.ListRuns(ctx, limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Fprintln(out, "no runs recorded yet")
			return nil
		}

		for _, run := range runs {
			trigger := run.Trigger
			if run.Ref != "" {
				trigger += " (" + run.Ref + ")"
			}

			fmt.Fprintf(out, "%s  %-8s %-16s %-20s %s\n",
				run.StartedAt.Format("2006-01-02 15:04:05"), run.Status, trigger, run.Workflow, run.ID)
		}

		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 10, "maximum number of runs to list (0 = all)")
	rootCmd.AddCommand(historyCmd)
}
