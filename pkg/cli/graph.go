package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/drawer"
	"github.com/gantryci/gantry/pkg/registry"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Render the job graph as a DOT document",
	Long: `Writes the needs graph of the current workflow in Graphviz DOT format.
With --run the jobs are colored by the durations recorded for that run, with
failed jobs in red. Pass -o - to write to stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, err := cmd.Flags().GetString("output")
		if err != nil {
			return err
		}

		runID, err := cmd.Flags().GetString("run")
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		wf, _, err := loadWorkflow(ctx, nil)
		if err != nil {
			return err
		}

		d, err := drawer.New(wf)
		if err != nil {
			return err
		}

		if runID != "" {
			store, err := registry.Open(storeDirIn(wf.Root))
			if err != nil {
				return err
			}

			run, err := store.GetRun(ctx, runID)
			store.Close()
			if err != nil {
				return err
			}

			if err := d.ApplyRun(run); err != nil {
				return err
			}
		}

		if output == "-" {
			return d.WriteDOT(cmd.OutOrStdout())
		}

		if output == "" {
			output = wf.Name + ".dot"
		}

		if err := d.WriteFile(output); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
		return nil
	},
}

func init() {
	graphCmd.Flags().StringP("output", "o", "", "output file (default <workflow>.dot, - for stdout)")
	graphCmd.Flags().String("run", "", "run ID whose job durations should be drawn")
	rootCmd.AddCommand(graphCmd)
}
