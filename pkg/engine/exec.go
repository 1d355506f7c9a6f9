package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/interp"

	"github.com/gantryci/gantry/pkg/workflow"
)

// execMiddleware routes the gantry-* builtins and the portability shims for
// mv, rm and mkdir to in-process implementations; everything else falls
// through to the real command.
func (r *Runner) execMiddleware(wf *workflow.Workflow) func(interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
		return func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return next(ctx, args)
			}

			hc := interp.HandlerCtx(ctx)

			if builtin, ok := builtins[args[0]]; ok {
				err := builtin(ctx, r, wf, hc, args[1:])
				if err != nil {
					fmt.Fprintf(hc.Stderr, "%s: %v\n", args[0], err)
					return interp.NewExitStatus(1)
				}
				return nil
			}

			switch args[0] {
			case "mv", "rm", "mkdir":
				// always use our cross-platform implementation for these operations to make sure
				// they behave consistently
				err := runShim(args[0], hc, args[1:])
				if err != nil {
					fmt.Fprintf(hc.Stderr, "%s: %v\n", args[0], err)
					return interp.NewExitStatus(1)
				}
				return nil
			}

			return next(ctx, args)
		}
	}
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

// absIn resolves path against the shell's working directory. The handler
// runs in-process, so the process working directory must not leak in.
func absIn(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(dir, path)
}

func runShim(name string, hc interp.HandlerContext, args []string) error {
	switch name {
	case "mkdir":
		return shimMkdir(hc, args)
	case "rm":
		return shimRemove(hc, args)
	case "mv":
		return shimMove(hc, args)
	}

	return eris.Errorf("no shim for %s", name)
}

// splitFlags separates single-letter flags from positional arguments.
// Combined flags like -rf are supported; anything unknown is an error.
func splitFlags(args []string, known string) (map[rune]bool, []string, error) {
	flags := make(map[rune]bool)
	rest := make([]string, 0, len(args))

	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") || arg == "-" || arg == "--" {
			rest = append(rest, arg)
			continue
		}

		for _, c := range arg[1:] {
			if !strings.ContainsRune(known, c) {
				return nil, nil, eris.Errorf("unsupported flag -%c", c)
			}
			flags[c] = true
		}
	}

	return flags, rest, nil
}

func shimMkdir(hc interp.HandlerContext, args []string) error {
	flags, items, err := splitFlags(args, "p")
	if err != nil {
		return err
	}

	for _, item := range items {
		path := absIn(hc.Dir, item)
		if flags['p'] {
			err = os.MkdirAll(path, 0o770)
		} else {
			err = os.Mkdir(path, 0o770)
		}

		if err != nil {
			return eris.Wrapf(err, "failed to create %s", item)
		}
	}

	return nil
}

func shimRemove(hc interp.HandlerContext, args []string) error {
	flags, items, err := splitFlags(args, "rf")
	if err != nil {
		return err
	}

	recursive := flags['r']
	force := flags['f']

	for _, item := range items {
		path := absIn(hc.Dir, item)
		info, err := os.Stat(path)
		if err != nil {
			if force && eris.Is(err, os.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "could not stat %s", item)
		}

		if info.IsDir() && !recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}

		if err := os.RemoveAll(path); err != nil {
			return eris.Wrapf(err, "could not delete %s", item)
		}
	}

	return nil
}

func shimMove(hc interp.HandlerContext, args []string) error {
	_, items, err := splitFlags(args, "f")
	if err != nil {
		return err
	}

	if len(items) < 2 {
		return eris.New("not enough parameters")
	}

	dest := absIn(hc.Dir, filepath.Clean(items[len(items)-1]))
	sources := items[:len(items)-1]

	info, err := os.Stat(dest)
	if err != nil && !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "failed to check destination %s", dest)
	}
	destIsDir := err == nil && info.IsDir()

	if len(sources) > 1 && !destIsDir {
		return eris.Errorf("can't move multiple items to %s because it is not a directory", dest)
	}

	if !destIsDir {
		parent := filepath.Dir(dest)
		parentInfo, err := os.Stat(parent)
		if err != nil {
			return eris.Wrapf(err, "could not find destination directory %s", parent)
		}

		if !parentInfo.IsDir() {
			return eris.Errorf("%s is not a directory", parent)
		}
	}

	for _, item := range sources {
		src := absIn(hc.Dir, item)
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(src))
		}

		if err := os.Rename(src, itemDest); err != nil {
			return eris.Wrapf(err, "failed to move %s to %s", item, itemDest)
		}
	}

	return nil
}
