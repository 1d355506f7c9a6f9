package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/gantryci/gantry/pkg/matrix"
	"github.com/gantryci/gantry/pkg/registry"
	"github.com/gantryci/gantry/pkg/workflow"
)

// splitOptions separates plain arguments from key=value assignments.
func splitOptions(args []string) ([]string, map[string]string) {
	rest := make([]string, 0)
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			rest = append(rest, part)
		}
	}

	return rest, options
}

// loadWorkflow parses the workflow file of the current checkout, searching
// upwards from the working directory and reusing the cached parse when the
// file and options are unchanged.
func loadWorkflow(ctx context.Context, options map[string]string) (*workflow.Workflow, map[string]workflow.Option, error) {
	filename, err := workflow.FindFile(".")
	if err != nil {
		return nil, nil, err
	}

	return workflow.LoadCached(ctx, filename, filepath.Dir(filename), options)
}

// checkoutRoot returns the directory of the nearest workflow file, falling
// back to the working directory.
func checkoutRoot() string {
	filename, err := workflow.FindFile(".")
	if err != nil {
		return "."
	}

	return filepath.Dir(filename)
}

// storeDirIn anchors the configured state directory at the checkout root.
func storeDirIn(root string) string {
	if filepath.IsAbs(cfg.Store) {
		return cfg.Store
	}

	return filepath.Join(root, cfg.Store)
}

// distDirIn anchors the configured dist directory at the checkout root.
func distDirIn(root string) string {
	if filepath.IsAbs(cfg.Dist) {
		return cfg.Dist
	}

	return filepath.Join(root, cfg.Dist)
}

// openStore opens the registry of the current checkout.
func openStore() (*registry.Store, error) {
	return registry.Open(storeDirIn(checkoutRoot()))
}

func printRunSummary(out io.Writer, run *registry.Run) {
	fmt.Fprintf(out, "run %s: %s (%s)\n", run.ID, run.Status, run.Duration().Round(time.Millisecond))
	if run.Reason != "" {
		fmt.Fprintf(out, "  %s\n", run.Reason)
	}

	for _, job := range run.Jobs {
		name := job.Name
		if label := matrix.Entry(job.Matrix).Label(); label != "" {
			name += " " + label
		}

		fmt.Fprintf(out, "  %-8s %s (%s)\n", job.Status, name, job.Duration.Round(time.Millisecond))
		for _, step := range job.Steps {
			if step.Status == registry.StatusFailed {
				fmt.Fprintf(out, "           %s: %s\n", step.Name, step.Error)
			}
		}
	}
}
