package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/artifact"
	"github.com/gantryci/gantry/pkg/registry"
)

var publishCmd = &cobra.Command{
	Use:   "publish [archive]",
	Short: "Publish a package archive into the local registry",
	Long: `Copies an archive into the registry and records it under its version tag.
Without an argument the dist directory must contain exactly one archive and
that archive is published.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, err := cmd.Flags().GetString("tag")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		archive := ""
		if len(args) > 0 {
			archive = args[0]
		} else {
			archive, err = artifact.EnsureSingleArchive(distDirIn(checkoutRoot()))
			if err != nil {
				return err
			}
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		art, err := store.Publish(cmd.Context(), archive, registry.PublishOptions{Tag: tag, Force: force})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "published %s %s (%s, %d bytes)\n",
			art.Name, art.Tag, filepath.Base(art.File), art.Size)
		return nil
	},
}

func init() {
	publishCmd.Flags().String("tag", "", "publish under this tag instead of the manifest version")
	publishCmd.Flags().BoolP("force", "f", false, "replace an already published tag")
	rootCmd.AddCommand(publishCmd)
}
