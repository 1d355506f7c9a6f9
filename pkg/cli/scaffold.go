package cli

import (
	"fmt"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/pipeline"
)

var scaffoldCmd = &cobra.Command{
	Use:   "scaffold dir",
	Short: "Create a minimal pipeline package",
	Long: `Writes a complete, loadable package skeleton into the given directory:
manifest, vocabulary and model files. The result passes lint and can be
packed and published right away.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return eris.New("Expected 1 argument!")
		}

		name, err := cmd.Flags().GetString("name")
		if err != nil {
			return err
		}

		version, err := cmd.Flags().GetString("version")
		if err != nil {
			return err
		}

		dir := args[0]
		if name == "" {
			name = cfg.Module
		}
		if name == "" {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			name = filepath.Base(abs)
		}

		if err := pipeline.ScaffoldPackage(dir, name, version); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "created %s %s in %s\n", name, version, dir)
		return nil
	},
}

func init() {
	scaffoldCmd.Flags().String("name", "", "package name (default: the configured module, then the directory name)")
	scaffoldCmd.Flags().String("version", "0.1.0", "manifest version")
	rootCmd.AddCommand(scaffoldCmd)
}
