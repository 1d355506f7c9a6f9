package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the jobs of the current workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, _, err := loadWorkflow(cmd.Context(), nil)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Jobs of workflow %s:\n", wf.Name)

		maxNameLen := 0
		for _, job := range wf.Visible() {
			if len(job.Name) > maxNameLen {
				maxNameLen = len(job.Name)
			}
		}

		lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
		for _, job := range wf.Visible() {
			desc := job.Desc
			if desc == "" {
				desc = fmt.Sprintf("%d steps", len(job.Steps))
			}
			if len(job.Needs) > 0 {
				desc += fmt.Sprintf(" (needs %s)", strings.Join(job.Needs, ", "))
			}

			fmt.Fprintf(cmd.OutOrStdout(), lineFmt, job.Name+":", desc)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
