package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/interp"

	"github.com/gantryci/gantry/pkg/artifact"
	"github.com/gantryci/gantry/pkg/compat"
	"github.com/gantryci/gantry/pkg/registry"
	"github.com/gantryci/gantry/pkg/workflow"
)

// The gantry-* commands are available inside every step. They run in-process
// against the runner's store, so workflow files stay plain shell.
type builtinFunc func(ctx context.Context, r *Runner, wf *workflow.Workflow, hc interp.HandlerContext, args []string) error

var builtins = map[string]builtinFunc{
	"gantry-pack":        builtinPack,
	"gantry-verify-dist": builtinVerifyDist,
	"gantry-install":     builtinInstall,
	"gantry-uninstall":   builtinUninstall,
	"gantry-smoke":       builtinSmoke,
	"gantry-lint":        builtinLint,
}

func (r *Runner) requireStore() (*registry.Store, error) {
	if r.Store == nil {
		return nil, eris.New("no store configured")
	}

	return r.Store, nil
}

func (r *Runner) distDir(wf *workflow.Workflow) string {
	dist := r.Config.Dist
	if !filepath.IsAbs(dist) {
		dist = filepath.Join(wf.Root, dist)
	}

	return dist
}

func (r *Runner) installRoot(wf *workflow.Workflow) string {
	root := r.Config.InstallRoot()
	if !filepath.IsAbs(root) {
		root = filepath.Join(wf.Root, root)
	}

	return root
}

// gantry-pack [dir] [--codec xz|br] builds the package in dir into the dist
// directory as a versioned archive.
func builtinPack(ctx context.Context, r *Runner, wf *workflow.Workflow, hc interp.HandlerContext, args []string) error {
	dir := "."
	codec := artifact.CodecXZ

	for idx := 0; idx < len(args); idx++ {
		switch args[idx] {
		case "--codec":
			idx++
			if idx >= len(args) {
				return eris.New("--codec needs a value")
			}
			codec = artifact.Codec(args[idx])
		default:
			dir = args[idx]
		}
	}

	info, err := artifact.BuildDist(ctx, absIn(hc.Dir, dir), r.distDir(wf), codec)
	if err != nil {
		return err
	}

	fmt.Fprintf(hc.Stdout, "packed %s (%d files, %d bytes)\n", filepath.Base(info.Path), info.Files, info.Size)
	return nil
}

// gantry-verify-dist [dir] fails unless the dist directory contains exactly
// one archive.
func builtinVerifyDist(ctx context.Context, r *Runner, wf *workflow.Workflow, hc interp.HandlerContext, args []string) error {
	dir := r.distDir(wf)
	if len(args) > 0 {
		dir = absIn(hc.Dir, args[0])
	}

	path, err := artifact.EnsureSingleArchive(dir)
	if err != nil {
		return err
	}

	fmt.Fprintf(hc.Stdout, "dist contains exactly one archive: %s\n", filepath.Base(path))
	return nil
}

// gantry-install [target] [--no-deps] [--force] [--tag vX] installs a
// package. The target is an archive, a directory holding archives (the
// newest one wins) or a published name with an optional @constraint; it
// defaults to the dist directory.
func builtinInstall(ctx context.Context, r *Runner, wf *workflow.Workflow, hc interp.HandlerContext, args []string) error {
	store, err := r.requireStore()
	if err != nil {
		return err
	}

	opts := registry.InstallOptions{}
	tag := ""
	target := ""

	for idx := 0; idx < len(args); idx++ {
		switch args[idx] {
		case "--no-deps":
			opts.NoDeps = true
		case "--force":
			opts.Force = true
		case "--tag":
			idx++
			if idx >= len(args) {
				return eris.New("--tag needs a value")
			}
			tag = args[idx]
		default:
			if target != "" {
				return eris.Errorf("unexpected argument %s", args[idx])
			}
			target = args[idx]
		}
	}

	if target == "" {
		target = r.distDir(wf)
	}

	root := r.installRoot(wf)
	resolved := absIn(hc.Dir, target)

	archive := ""
	if artifact.IsArchive(resolved) {
		archive = resolved
	} else if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		archive, err = artifact.LastArchive(resolved)
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

	fmt.Fprintf(hc.Stdout, "installed %s %s into %s\n", install.Name, install.Tag, install.Path)
	return nil
}

// gantry-uninstall <name> removes an installed package.
func builtinUninstall(ctx context.Context, r *Runner, wf *workflow.Workflow, hc interp.HandlerContext, args []string) error {
	store, err := r.requireStore()
	if err != nil {
		return err
	}

	if len(args) != 1 {
		return eris.New("expected exactly one package name")
	}

	if err := store.Uninstall(ctx, args[0]); err != nil {
		return err
	}

	fmt.Fprintf(hc.Stdout, "uninstalled %s\n", args[0])
	return nil
}

// gantry-smoke [--package name] [--input text] runs the standing
// compatibility checks against the published versions of the package. The
// package defaults to $MODULE_NAME. Installs go into a scratch directory
// that is removed afterwards.
func builtinSmoke(ctx context.Context, r *Runner, wf *workflow.Workflow, hc interp.HandlerContext, args []string) error {
	store, err := r.requireStore()
	if err != nil {
		return err
	}

	pkg := ""
	input := ""

	for idx := 0; idx < len(args); idx++ {
		switch args[idx] {
		case "--package":
			idx++
			if idx >= len(args) {
				return eris.New("--package needs a value")
			}
			pkg = args[idx]
		case "--input":
			idx++
			if idx >= len(args) {
				return eris.New("--input needs a value")
			}
			input = args[idx]
		default:
			return eris.Errorf("unexpected argument %s", args[idx])
		}
	}

	if pkg == "" {
		pkg = hc.Env.Get("MODULE_NAME").String()
	}

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

	results, err := compat.Run(ctx, store, checks, compat.Options{
		Package: pkg,
		Runtime: r.Config.Runner.Runtime,
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
		fmt.Fprintln(hc.Stdout, line)
	}

	return err
}

// gantry-lint [file] statically checks the current workflow, or another
// workflow file when given.
func builtinLint(ctx context.Context, r *Runner, wf *workflow.Workflow, hc interp.HandlerContext, args []string) error {
	target := wf
	if len(args) > 0 {
		loaded, _, err := workflow.Load(ctx, absIn(hc.Dir, args[0]), wf.Root, nil, true)
		if err != nil {
			return err
		}
		target = loaded
	}

	if err := Lint(ctx, target); err != nil {
		return err
	}

	steps := 0
	for _, job := range target.Jobs {
		steps += len(job.Steps)
	}

	fmt.Fprintf(hc.Stdout, "workflow %s ok: %d jobs, %d steps\n", target.Name, len(target.Jobs), steps)
	return nil
}
