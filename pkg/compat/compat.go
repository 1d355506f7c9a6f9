// Package compat runs backward compatibility smoke checks: previously
// published package versions must still install without dependencies, load
// on the current engine and process a trivial input. The checks assert
// "does not blow up", not detailed output correctness.
package compat

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/gantryci/gantry/pkg/glog"
	"github.com/gantryci/gantry/pkg/pipeline"
	"github.com/gantryci/gantry/pkg/registry"
)

// DefaultInput is processed when a check does not name its own input.
const DefaultInput = "test"

// Check describes one compatibility contract. Label is the display name of
// the check and deliberately independent of Tag: a check labeled "v1.1" may
// well install the 1.2 line, and the report keeps both visible.
type Check struct {
	Label   string
	Package string
	Tag     string
	Runtime string
	Input   string
}

// Options apply across a list of checks.
type Options struct {
	// Package is used by checks that do not name one themselves.
	Package string
	// Runtime is the active runtime value. Checks pinned to a different
	// runtime are skipped rather than failed.
	Runtime string
	// Root is the directory packages are installed under.
	Root string
}

// Result records the outcome of a single check.
type Result struct {
	Check    Check
	Status   registry.Status
	Tag      string
	Label    string
	Tokens   int
	Error    string
	Duration time.Duration
}

// DefaultChecks returns the two standing contracts: the 1.0 series and the
// check labeled v1.1 which installs the 1.2 line. Both are pinned to
// runtime 3.9.
func DefaultChecks() []Check {
	return []Check{
		{Label: "v1.0", Tag: "1.0.x", Runtime: "3.9", Input: DefaultInput},
		{Label: "v1.1", Tag: "1.2.x", Runtime: "3.9", Input: DefaultInput},
	}
}

// Run executes every check and returns all results. The error is non-nil
// when at least one check failed; skipped checks do not fail the run.
func Run(ctx context.Context, store *registry.Store, checks []Check, opts Options) ([]Result, error) {
	results := make([]Result, 0, len(checks))
	failed := 0

	for _, check := range checks {
		result := runCheck(ctx, store, check, opts)
		if result.Status == registry.StatusFailed {
			failed++
		}

		results = append(results, result)
	}

	if failed > 0 {
		return results, eris.Errorf("%d of %d compatibility checks failed", failed, len(checks))
	}

	return results, nil
}

func runCheck(ctx context.Context, store *registry.Store, check Check, opts Options) Result {
	result := Result{Check: check}
	start := time.Now()

	if check.Runtime != "" && opts.Runtime != "" && check.Runtime != opts.Runtime {
		glog.Log(ctx).Debug().
			Str("check", check.Label).
			Str("pinned", check.Runtime).
			Str("active", opts.Runtime).
			Msg("Skipping compatibility check for other runtime")

		result.Status = registry.StatusSkipped
		return result
	}

	err := func() error {
		pkg := check.Package
		if pkg == "" {
			pkg = opts.Package
		}
		if pkg == "" {
			return eris.New("no package configured for this check")
		}
		if opts.Root == "" {
			return eris.New("no install root configured")
		}

		install, err := store.InstallPackage(ctx, pkg, check.Tag, opts.Root, registry.InstallOptions{
			NoDeps:    true,
			Force:     true,
			Transient: true,
		})
		if err != nil {
			return err
		}

		result.Tag = install.Tag
		result.Label = install.Label

		pipe, err := pipeline.Load(install.Path)
		if err != nil {
			return err
		}

		input := check.Input
		if input == "" {
			input = DefaultInput
		}

		doc, err := pipe.Process(input)
		if err != nil {
			return err
		}
		if !doc.Annotated() {
			return eris.Errorf("processing %q produced no annotations", input)
		}

		result.Tokens = len(doc.Tokens)
		return nil
	}()

	result.Duration = time.Since(start)
	if err != nil {
		result.Status = registry.StatusFailed
		result.Error = err.Error()

		glog.Log(ctx).Error().
			Err(err).
			Str("check", check.Label).
			Msg("Compatibility check failed")

		return result
	}

	result.Status = registry.StatusPassed
	glog.Log(ctx).Info().
		Str("check", check.Label).
		Str("tag", result.Tag).
		Str("label", result.Label).
		Dur("duration", result.Duration).
		Msg("Compatibility check passed")

	return result
}
