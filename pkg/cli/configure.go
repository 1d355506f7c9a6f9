package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/workflow"
)

var configureCmd = &cobra.Command{
	Use:   "configure [option=value ...]",
	Short: "Set workflow options and cache the parse",
	Long: `Parses the current workflow with the given option values, stores the result
in the workflow cache and lists the declared options. Later runs reuse the
cached parse and its option values until the workflow file changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rest, values := splitOptions(args)
		if len(rest) > 0 {
			return eris.Errorf("not an option assignment: %s", rest[0])
		}

		filename, err := workflow.FindFile(".")
		if err != nil {
			return err
		}

		root := filepath.Dir(filename)
		wf, declared, err := workflow.Load(cmd.Context(), filename, root, values, true)
		if err != nil {
			return err
		}

		for name := range values {
			if _, ok := declared[name]; !ok {
				return eris.Errorf("workflow %s declares no option named %s", wf.Name, name)
			}
		}

		hdl, err := os.Create(filepath.Join(root, workflow.CacheName))
		if err != nil {
			return eris.Wrap(err, "failed to create workflow cache")
		}
		defer hdl.Close()

		if err := workflow.WriteCache(hdl, wf, declared, values); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(declared) == 0 {
			fmt.Fprintf(out, "workflow %s declares no options\n", wf.Name)
			return nil
		}

		names := make([]string, 0, len(declared))
		for name := range declared {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintf(out, "Options of workflow %s:\n", wf.Name)
		for _, name := range names {
			opt := declared[name]
			value, ok := values[name]
			if !ok {
				value = opt.Default()
			}

			line := fmt.Sprintf(" * %s = %q", name, value)
			if opt.Help != "" {
				line += "  (" + opt.Help + ")"
			}
			fmt.Fprintln(out, line)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(configureCmd)
}
