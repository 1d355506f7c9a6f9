package cli

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/compat"
	"github.com/gantryci/gantry/pkg/registry"
)

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Run the backward compatibility checks",
	Long: `Runs the standing compatibility checks against the published versions of a
package: every check installs its pinned version line into a scratch
directory and verifies that the package still loads and processes a trivial
input on the current engine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pkg, err := cmd.Flags().GetString("package")
		if err != nil {
			return err
		}

		input, err := cmd.Flags().GetString("input")
		if err != nil {
			return err
		}

		if pkg == "" {
			pkg = cfg.Module
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		scratch, err := os.MkdirTemp("", "gantry-smoke-")
		if err != nil {
			return eris.Wrap(err, "failed to create scratch directory")
		}
		defer os.RemoveAll(scratch)

		checks := compat.DefaultChecks()
		if input != "" {
			for idx := range checks {
				checks[idx].Input = input
			}
		}

		results, err := compat.Run(cmd.Context(), store, checks, compat.Options{
			Package: pkg,
			Runtime: cfg.Runner.Runtime,
			Root:    scratch,
		})

		for _, result := range results {
			line := fmt.Sprintf("%s: %s", result.Check.Label, result.Status)
			if result.Status == registry.StatusPassed {
				line += fmt.Sprintf(" (installed %s, %d tokens)", result.Tag, result.Tokens)
			}
			if result.Error != "" {
				line += ": " + result.Error
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}

		return err
	},
}

func init() {
	smokeCmd.Flags().String("package", "", "package to check (default: the configured module)")
	smokeCmd.Flags().String("input", "", "input text processed by every check")
	rootCmd.AddCommand(smokeCmd)
}
