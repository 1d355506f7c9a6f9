package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/engine"
	"github.com/gantryci/gantry/pkg/pipeline"
)

var lintCmd = &cobra.Command{
	Use:   "lint [package_dir ...]",
	Short: "Statically check the workflow and optional package directories",
	Long: `Checks the current workflow without running it: the needs graph must be
acyclic and complete, every step must parse as shell and step conditions may
only reference declared matrix dimensions. Package directory arguments are
validated against the manifest and data file rules.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		wf, _, err := loadWorkflow(ctx, nil)
		if err != nil {
			return err
		}

		if err := engine.Lint(ctx, wf); err != nil {
			return err
		}

		steps := 0
		for _, job := range wf.Jobs {
			steps += len(job.Steps)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "workflow %s ok: %d jobs, %d steps\n", wf.Name, len(wf.Jobs), steps)

		for _, dir := range args {
			if err := pipeline.Validate(dir); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "package %s ok\n", dir)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(lintCmd)
}
