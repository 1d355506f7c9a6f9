// Package engine executes loaded workflows. It expands the build matrix,
// orders jobs along their needs edges and runs every matrix entry as a
// sequential job pipeline, with entries running in parallel. Steps run
// through an embedded POSIX shell interpreter with fail-fast semantics, so
// workflows behave the same on every platform.
package engine

import (
	"context"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/dominikbraun/graph"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
	"mvdan.cc/sh/v3/syntax"

	"github.com/gantryci/gantry/pkg/config"
	"github.com/gantryci/gantry/pkg/event"
	"github.com/gantryci/gantry/pkg/glog"
	"github.com/gantryci/gantry/pkg/matrix"
	"github.com/gantryci/gantry/pkg/registry"
	"github.com/gantryci/gantry/pkg/workflow"
)

// Runner executes workflows against a store and configuration. Stdout and
// Stderr default to the process streams and exist so tests can capture step
// output.
type Runner struct {
	Store  *registry.Store
	Config *config.Config
	DryRun bool
	Force  bool
	Stdout io.Writer
	Stderr io.Writer
}

// Request describes a single workflow run. An empty job list runs every
// visible job, or every job including hidden ones when All is set; a nil
// event marks a manual run that bypasses trigger checks.
type Request struct {
	Workflow *workflow.Workflow
	Jobs     []string
	All      bool
	Event    *event.Event
}

func (r *Runner) stdout() io.Writer {
	if r.Stdout != nil {
		return r.Stdout
	}

	return os.Stdout
}

func (r *Runner) stderr() io.Writer {
	if r.Stderr != nil {
		return r.Stderr
	}

	return os.Stderr
}

// Run executes the workflow and persists the outcome. The returned run is
// stored even when the run fails; the error reports job failures.
func (r *Runner) Run(ctx context.Context, req Request) (*registry.Run, error) {
	wf := req.Workflow
	run := &registry.Run{
		ID:        nanoid.New(),
		Workflow:  wf.Name,
		Trigger:   "manual",
		StartedAt: time.Now(),
	}

	if req.Event != nil {
		run.Trigger = string(req.Event.Kind)
		run.Ref = req.Event.ShortRef()

		matched, reason := event.Match(wf.Triggers, req.Event)
		if !matched {
			run.Status = registry.StatusSkipped
			run.Reason = reason
			run.FinishedAt = time.Now()

			glog.Log(ctx).Info().
				Str("workflow", wf.Name).
				Str("run", run.ID).
				Msgf("run skipped: %s", reason)
			return run, r.storeRun(ctx, run)
		}
	}

	if r.Config.Runner.Lint {
		if err := Lint(ctx, wf); err != nil {
			return nil, eris.Wrapf(err, "workflow %s failed the static checks", wf.Name)
		}
	}

	plan, err := planJobs(wf, req.Jobs, req.All)
	if err != nil {
		return nil, err
	}

	entries, err := matrix.Expand(wf.Matrix)
	if err != nil {
		return nil, err
	}

	workers := r.Config.Runner.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	failFast := r.Config.Runner.FailFast
	if wf.Matrix != nil {
		failFast = wf.Matrix.FailFast
	}

	glog.Log(ctx).Info().
		Str("workflow", wf.Name).
		Str("run", run.ID).
		Int("jobs", len(plan)).
		Int("entries", len(entries)).
		Msg("run started")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reports := make([][]registry.JobReport, len(entries))
	failures := make([]error, 0)
	mutex := sync.Mutex{}

	eg := errgroup.Group{}
	eg.SetLimit(workers)

	for idx, entry := range entries {
		idx, entry := idx, entry
		eg.Go(func() error {
			entryReports, err := r.runEntry(runCtx, wf, plan, entry)

			mutex.Lock()
			reports[idx] = entryReports
			if err != nil {
				failures = append(failures, err)
			}
			mutex.Unlock()

			if err != nil && failFast {
				cancel()
			}
			return nil
		})
	}

	// the goroutines never return an error; failures land in the slice
	_ = eg.Wait()

	for _, entryReports := range reports {
		run.Jobs = append(run.Jobs, entryReports...)
	}

	run.FinishedAt = time.Now()
	run.Status = overallStatus(run.Jobs, ctx.Err())

	err = nil
	switch {
	case len(failures) == 1:
		err = failures[0]
	case len(failures) > 1:
		err = eris.Errorf("%d of %d matrix entries failed", len(failures), len(entries))
	}

	glog.Log(ctx).Info().
		Str("workflow", wf.Name).
		Str("run", run.ID).
		Str("status", string(run.Status)).
		Dur("duration", run.Duration()).
		Msg("run finished")

	if storeErr := r.storeRun(ctx, run); storeErr != nil && err == nil {
		err = storeErr
	}
	return run, err
}

func (r *Runner) storeRun(ctx context.Context, run *registry.Run) error {
	if r.Store == nil {
		return nil
	}

	err := r.Store.PutRun(ctx, run)
	if err != nil {
		glog.Log(ctx).Warn().Err(err).Str("run", run.ID).Msg("failed to record run")
	}
	return err
}

func overallStatus(jobs []registry.JobReport, ctxErr error) registry.Status {
	if ctxErr != nil {
		return registry.StatusCanceled
	}

	status := registry.StatusSkipped
	for _, job := range jobs {
		switch job.Status {
		case registry.StatusFailed:
			return registry.StatusFailed
		case registry.StatusPassed:
			status = registry.StatusPassed
		}
	}

	return status
}

// planJobs returns the selected jobs plus their transitive needs, ordered so
// every job runs after the jobs it needs. Without an explicit selection the
// plan covers the visible jobs, or every job when all is set.
func planJobs(wf *workflow.Workflow, selected []string, all bool) ([]*workflow.Job, error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, job := range wf.Jobs {
		if err := g.AddVertex(job.Name); err != nil {
			return nil, eris.Wrapf(err, "failed to add job %s", job.Name)
		}
	}

	for _, job := range wf.Jobs {
		for _, dep := range job.Needs {
			if _, ok := wf.Job(dep); !ok {
				return nil, eris.Errorf("job %s needs unknown job %s", job.Name, dep)
			}

			err := g.AddEdge(dep, job.Name)
			if err != nil && !eris.Is(err, graph.ErrEdgeAlreadyExists) {
				return nil, eris.Wrapf(err, "job %s cannot need %s", job.Name, dep)
			}
		}
	}

	order, err := graph.StableTopologicalSort(g, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, eris.Wrap(err, "failed to order jobs")
	}

	wanted := make(map[string]bool)
	switch {
	case len(selected) == 0 && all:
		for _, job := range wf.Jobs {
			wanted[job.Name] = true
		}
	case len(selected) == 0:
		for _, job := range wf.Visible() {
			wanted[job.Name] = true
		}
	default:
		for _, name := range selected {
			if _, ok := wf.Job(name); !ok {
				return nil, eris.Errorf("job %s not found", name)
			}
			wanted[name] = true
		}
	}

	// pull transitive needs into the run
	changed := true
	for changed {
		changed = false
		for _, job := range wf.Jobs {
			if !wanted[job.Name] {
				continue
			}

			for _, dep := range job.Needs {
				if !wanted[dep] {
					wanted[dep] = true
					changed = true
				}
			}
		}
	}

	plan := make([]*workflow.Job, 0, len(wanted))
	for _, name := range order {
		if wanted[name] {
			job, _ := wf.Job(name)
			plan = append(plan, job)
		}
	}

	return plan, nil
}

// Lint statically checks a loaded workflow: the needs graph must be acyclic
// and complete, every step must parse as shell and step conditions may only
// reference declared matrix dimensions.
func Lint(ctx context.Context, wf *workflow.Workflow) error {
	if _, err := planJobs(wf, nil, true); err != nil {
		return err
	}

	parser := syntax.NewParser()
	for _, job := range wf.Jobs {
		for _, step := range job.Steps {
			if _, err := step.ToShellStmts(parser); err != nil {
				return eris.Wrapf(err, "job %s", job.Name)
			}

			for name := range step.Only {
				if wf.Matrix == nil {
					return eris.Errorf("job %s step %s has a matrix condition but the workflow declares no matrix", job.Name, step.Name)
				}

				if _, ok := wf.Matrix.Dimensions[name]; !ok {
					return eris.Errorf("job %s step %s conditions on unknown matrix dimension %s", job.Name, step.Name, name)
				}
			}
		}
	}

	glog.Log(ctx).Debug().Str("workflow", wf.Name).Msg("lint passed")
	return nil
}
