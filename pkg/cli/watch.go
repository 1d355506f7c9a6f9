package cli

import (
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/engine"
	"github.com/gantryci/gantry/pkg/event"
	"github.com/gantryci/gantry/pkg/glog"
	"github.com/gantryci/gantry/pkg/registry"
	"github.com/gantryci/gantry/pkg/workflow"
)

// changes are batched until the checkout has been quiet this long
const watchSettle = 500 * time.Millisecond

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the checkout and run the workflow on changes",
	Long: `Watches the checkout for file changes and feeds them to the workflow as
synthetic push events, so the paths_ignore rules decide whether a change
triggers a run. The state and dist directories are ignored. Stops on SIGINT
or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		wf, _, err := loadWorkflow(ctx, nil)
		if err != nil {
			return err
		}

		store, err := registry.Open(storeDirIn(wf.Root))
		if err != nil {
			return err
		}
		defer store.Close()

		runner := &engine.Runner{Store: store, Config: cfg}
		return watchLoop(cmd, runner, wf)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// ignoredPath reports whether a checkout-relative path should never trigger
// a run: the state directory, the dist directory, the workflow cache and
// anything under .git.
func ignoredPath(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		switch part {
		case ".git", workflow.CacheName, filepath.Base(cfg.Store), filepath.Base(cfg.Dist):
			return true
		}
	}

	return false
}

func watchLoop(cmd *cobra.Command, runner *engine.Runner, wf *workflow.Workflow) error {
	ctx := cmd.Context()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "failed to create watcher")
	}
	defer watcher.Close()

	err = filepath.WalkDir(wf.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || !entry.IsDir() {
			return err
		}

		rel, err := filepath.Rel(wf.Root, path)
		if err != nil {
			return err
		}
		if rel != "." && ignoredPath(rel) {
			return fs.SkipDir
		}

		return watcher.Add(path)
	})
	if err != nil {
		return eris.Wrapf(err, "failed to watch %s", wf.Root)
	}

	glog.Log(ctx).Info().Msgf("Watching %s", wf.Root)

	pending := make(map[string]bool)
	var settle *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case watchErr := <-watcher.Errors:
			glog.Log(ctx).Warn().Err(watchErr).Msg("Watcher error")

		case evt := <-watcher.Events:
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			rel, err := filepath.Rel(wf.Root, evt.Name)
			if err != nil || ignoredPath(rel) {
				continue
			}

			// new directories need their own watch
			if evt.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
					if err := watcher.Add(evt.Name); err != nil {
						glog.Log(ctx).Warn().Err(err).Msgf("Failed to watch %s", evt.Name)
					}
					continue
				}
			}

			pending[filepath.ToSlash(rel)] = true
			if settle == nil {
				settle = time.NewTimer(watchSettle)
			} else {
				settle.Reset(watchSettle)
			}
			fire = settle.C

		case <-fire:
			fire = nil
			settle = nil

			paths := make([]string, 0, len(pending))
			for path := range pending {
				paths = append(paths, path)
			}
			sort.Strings(paths)
			pending = make(map[string]bool)

			ev := &event.Event{Kind: event.Push, Ref: "refs/heads/local", ChangedPaths: paths}
			run, err := runner.Run(ctx, engine.Request{Workflow: wf, Event: ev})
			if err != nil {
				glog.Log(ctx).Error().Err(err).Msg("Run failed")
			}
			if run != nil {
				printRunSummary(cmd.OutOrStdout(), run)
			}
		}
	}
}
