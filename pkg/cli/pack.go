package cli

import (
	"fmt"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/artifact"
)

var packCmd = &cobra.Command{
	Use:   "pack [dir]",
	Short: "Build a package directory into a dist archive",
	Long: `Packs the given package directory (default: the current directory) into a
versioned archive below the dist directory. The archive is named after the
manifest, as <name>-<version>.tar.<codec>.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		codecName, err := cmd.Flags().GetString("codec")
		if err != nil {
			return err
		}

		codec := artifact.Codec(codecName)
		switch codec {
		case artifact.CodecXZ, artifact.CodecBrotli:
		default:
			return eris.Errorf("unknown codec %s (use xz or br)", codecName)
		}

		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}

		info, err := artifact.BuildDist(cmd.Context(), dir, distDirIn(checkoutRoot()), codec)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "packed %s (%d files, %d bytes)\n",
			filepath.Base(info.Path), info.Files, info.Size)
		return nil
	},
}

func init() {
	packCmd.Flags().String("codec", string(artifact.CodecXZ), "archive compression (xz or br)")
	rootCmd.AddCommand(packCmd)
}
