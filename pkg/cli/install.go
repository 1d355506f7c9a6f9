package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/artifact"
	"github.com/gantryci/gantry/pkg/registry"
)

var installCmd = &cobra.Command{
	Use:   "install [target]",
	Short: "Install a package",
	Long: `Installs a package below the install root. The target is an archive file, a
directory containing archives (the newest one wins) or a published name with
an optional @constraint, like sample@1.0.x. Archives are published first.
Without a target the dist directory is installed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noDeps, err := cmd.Flags().GetBool("no-deps")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		tag, err := cmd.Flags().GetString("tag")
		if err != nil {
			return err
		}

		target := ""
		if len(args) > 0 {
			target = args[0]
		} else {
			target = distDirIn(checkoutRoot())
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		opts := registry.InstallOptions{NoDeps: noDeps, Force: force}
		root := cfg.InstallRoot()
		if !filepath.IsAbs(root) {
			root = filepath.Join(checkoutRoot(), root)
		}

		archive := ""
		if artifact.IsArchive(target) {
			archive = target
		} else if info, err := os.Stat(target); err == nil && info.IsDir() {
			archive, err = artifact.LastArchive(target)
			if err != nil {
				return err
			}
		}

		var install *registry.Install
		if archive != "" {
			art, err := store.Publish(ctx, archive, registry.PublishOptions{Tag: tag, Force: true})
			if err != nil {
				return err
			}

			install, err = store.InstallPackage(ctx, art.Name, art.Tag, root, opts)
			if err != nil {
				return err
			}
		} else {
			name, constraint := registry.SplitDependency(strings.ReplaceAll(target, "@", " "))
			if name == "" {
				return eris.New("nothing to install")
			}

			install, err = store.InstallPackage(ctx, name, constraint, root, opts)
			if err != nil {
				return err
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "installed %s %s into %s\n", install.Name, install.Tag, install.Path)
		return nil
	},
}

func init() {
	installCmd.Flags().Bool("no-deps", false, "skip the dependencies declared in the package manifest")
	installCmd.Flags().BoolP("force", "f", false, "reinstall even when a satisfying version is present")
	installCmd.Flags().String("tag", "", "publish archives under this tag instead of the manifest version")
	rootCmd.AddCommand(installCmd)
}
