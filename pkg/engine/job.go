package engine

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/gantryci/gantry/pkg/glog"
	"github.com/gantryci/gantry/pkg/matrix"
	"github.com/gantryci/gantry/pkg/registry"
	"github.com/gantryci/gantry/pkg/workflow"
)

// runEntry executes the planned jobs for one matrix entry in order. Jobs
// whose needs failed are skipped; independent jobs keep running.
func (r *Runner) runEntry(ctx context.Context, wf *workflow.Workflow, plan []*workflow.Job, entry matrix.Entry) ([]registry.JobReport, error) {
	// dry runs preview the full matrix, including entries for other hosts
	hostSkip := ""
	if wanted, ok := entry["os"]; ok && !r.DryRun && wanted != r.Config.RunnerOS() {
		hostSkip = fmt.Sprintf("requires %s but this host runs %s", wanted, r.Config.RunnerOS())
	}

	reports := make([]registry.JobReport, 0, len(plan))
	unavailable := make(map[string]bool)

	var firstErr error
	for _, job := range plan {
		report := registry.JobReport{
			Name:   job.Name,
			Matrix: entry,
			Status: registry.StatusPassed,
		}

		blocked := ""
		for _, dep := range job.Needs {
			if unavailable[dep] {
				blocked = dep
				break
			}
		}

		switch {
		case ctx.Err() != nil:
			report.Status = registry.StatusCanceled
			unavailable[job.Name] = true
		case hostSkip != "":
			report.Status = registry.StatusSkipped
			glog.Log(ctx).Debug().
				Str("job", job.Name).
				Str("entry", entry.Label()).
				Msgf("skipped: %s", hostSkip)
		case blocked != "":
			report.Status = registry.StatusSkipped
			unavailable[job.Name] = true
			glog.Log(ctx).Info().
				Str("job", job.Name).
				Str("entry", entry.Label()).
				Msgf("skipped because %s did not pass", blocked)
		default:
			start := time.Now()
			err := r.runJob(ctx, wf, job, entry, &report)
			report.Duration = time.Since(start)

			if err != nil {
				unavailable[job.Name] = true
				if firstErr == nil {
					firstErr = eris.Wrapf(err, "job %s%s failed", job.Name, entrySuffix(entry))
				}
			}
		}

		reports = append(reports, report)
	}

	return reports, firstErr
}

func entrySuffix(entry matrix.Entry) string {
	label := entry.Label()
	if label == "" {
		return ""
	}

	return " " + label
}

// runJob runs a single job instance and fills in its report. The skip checks
// mirror the job declaration: if every skip_if_exists file is present, or the
// outputs are newer than every input, there is nothing to do.
func (r *Runner) runJob(ctx context.Context, wf *workflow.Workflow, job *workflow.Job, entry matrix.Entry, report *registry.JobReport) error {
	if !r.Force {
		skipList, err := resolvePatterns(wf.Root, job.Base, job.SkipIfExists)
		if err != nil {
			return eris.Wrap(err, "failed to resolve skip_if_exists list")
		}

		found := 0
		for _, item := range skipList {
			_, err := os.Stat(item)
			if err == nil {
				found++
			} else if !eris.Is(err, os.ErrNotExist) {
				return eris.Wrapf(err, "failed to check %s", item)
			}
		}

		if found > 0 && found == len(skipList) {
			glog.Log(ctx).Info().
				Str("job", job.Name).
				Msg("skipped because all skip files exist")

			report.Status = registry.StatusSkipped
			return nil
		}

		upToDate, err := outputsNewerThanInputs(ctx, wf.Root, job)
		if err != nil {
			return err
		}

		if upToDate {
			report.Status = registry.StatusSkipped
			return nil
		}
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(syntax.Minify(true))

	for idx, step := range job.Steps {
		if err := ctx.Err(); err != nil {
			report.Steps = append(report.Steps, registry.StepReport{Name: step.Name, Status: registry.StatusCanceled})
			report.Status = registry.StatusCanceled
			return err
		}

		if len(step.Only) > 0 && !entry.Matches(step.Only) {
			glog.Log(ctx).Debug().
				Str("job", job.Name).
				Str("step", step.Name).
				Msg("step skipped by matrix condition")

			report.Steps = append(report.Steps, registry.StepReport{Name: step.Name, Status: registry.StatusSkipped})
			continue
		}

		stepReport := registry.StepReport{Name: step.Name, Status: registry.StatusPassed}

		start := time.Now()
		output, err := r.runStep(ctx, wf, job, entry, step, parser, printer)
		stepReport.Duration = time.Since(start)
		stepReport.Output = output

		if err != nil {
			stepReport.Error = err.Error()
			stepReport.Status = registry.StatusFailed
			if ctx.Err() != nil {
				stepReport.Status = registry.StatusCanceled
			}
			report.Steps = append(report.Steps, stepReport)

			if step.ContinueOnError && ctx.Err() == nil {
				glog.Log(ctx).Warn().
					Err(err).
					Str("job", job.Name).
					Msgf("step %s failed but continue_on_error is set", step.Name)
				continue
			}

			for _, rest := range job.Steps[idx+1:] {
				report.Steps = append(report.Steps, registry.StepReport{Name: rest.Name, Status: registry.StatusSkipped})
			}

			if ctx.Err() != nil {
				report.Status = registry.StatusCanceled
			} else {
				report.Status = registry.StatusFailed
			}
			return eris.Wrapf(err, "step %s failed", step.Name)
		}

		report.Steps = append(report.Steps, stepReport)
	}

	return nil
}

// runStep executes one step in a fresh shell. Steps do not share shell state;
// everything they exchange goes through the filesystem or the environment
// layers.
func (r *Runner) runStep(ctx context.Context, wf *workflow.Workflow, job *workflow.Job, entry matrix.Entry, step *workflow.Step, parser *syntax.Parser, printer *syntax.Printer) (string, error) {
	stmts, err := step.ToShellStmts(parser)
	if err != nil {
		return "", err
	}

	output := strings.Builder{}
	runner, err := interp.New(
		interp.Dir(job.Base),
		interp.Env(r.stepEnv(wf, job, entry, step)),
		interp.ExecHandlers(r.execMiddleware(wf)),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, io.MultiWriter(r.stdout(), &output), io.MultiWriter(r.stderr(), &output)),
		interp.Params("-e"),
	)
	if err != nil {
		return "", eris.Wrap(err, "failed to initialize runner")
	}

	strBuffer := strings.Builder{}
	for _, stmt := range stmts {
		strBuffer.Reset()
		printer.Print(&strBuffer, stmt)
		glog.Log(ctx).Info().
			Str("job", job.Name).
			Str("step", step.Name).
			Bool("command", true).
			Msg(strBuffer.String())

		if r.DryRun {
			continue
		}

		err = runner.Run(ctx, stmt)
		if err != nil {
			return output.String(), err
		}

		if runner.Exited() {
			break
		}
	}

	return output.String(), nil
}

// stepEnv layers the environment: process < engine exports < workflow < job
// < matrix < step. CI is always set so tools skip interactive output.
func (r *Runner) stepEnv(wf *workflow.Workflow, job *workflow.Job, entry matrix.Entry, step *workflow.Step) expand.Environ {
	envVars := os.Environ()
	envVars = append(envVars, "CI=true")

	exports := map[string]string{
		"RUN_LINT": strconv.FormatBool(r.Config.Runner.Lint),
	}
	if r.Config.Module != "" {
		exports["MODULE_NAME"] = r.Config.Module
	}

	for _, layer := range []map[string]string{exports, wf.Env, job.Env, entry.Env(), step.Env} {
		for name, value := range layer {
			envVars = append(envVars, fmt.Sprintf("%s=%s", name, value))
		}
	}

	return expand.ListEnviron(envVars...)
}

func outputsNewerThanInputs(ctx context.Context, root string, job *workflow.Job) (bool, error) {
	var newestInput time.Time
	inputList, err := resolvePatterns(root, job.Base, job.Inputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve inputs")
	}

	outputList, err := resolvePatterns(root, job.Base, job.Outputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve output list")
	}

	for _, item := range inputList {
		info, err := os.Stat(item)
		if err != nil {
			return false, eris.Wrapf(err, "failed to check input %s", item)
		}

		if info.ModTime().Sub(newestInput) > 0 {
			newestInput = info.ModTime()
		}
	}

	if newestInput.IsZero() {
		return false, nil
	}

	var newestOutput time.Time
	oldestOutput := time.Now()

	for _, item := range outputList {
		info, err := os.Stat(item)
		if err != nil && !eris.Is(err, os.ErrNotExist) {
			return false, eris.Wrapf(err, "failed to check output %s", item)
		}

		if err == nil {
			mt := info.ModTime()
			if mt.Sub(newestOutput) > 0 {
				newestOutput = mt
			}

			if oldestOutput.Sub(mt) > 0 {
				oldestOutput = mt
			}
		}
	}

	if newestOutput.Sub(oldestOutput) > 10*time.Minute {
		glog.Log(ctx).Warn().
			Str("job", job.Name).
			Msgf("oldest output is %f minutes older than the newest output", newestOutput.Sub(oldestOutput).Minutes())
	}

	if newestOutput.Sub(newestInput) > 0 {
		glog.Log(ctx).Info().
			Str("job", job.Name).
			Msgf("nothing to do (output is %f seconds newer)", newestOutput.Sub(newestInput).Seconds())
		return true, nil
	}

	return false, nil
}

func shellReadDir(path string) ([]fs.DirEntry, error) {
	if path == "" {
		path = "."
	}

	return os.ReadDir(path)
}

// resolvePatterns expands shell glob patterns relative to base. A leading //
// anchors the pattern at the workflow root. Patterns that match nothing are
// dropped.
func resolvePatterns(root, base string, patterns []string) ([]string, error) {
	result := []string{}
	cfg := expand.Config{
		ReadDir2: shellReadDir,
		GlobStar: true,
	}

	parser := syntax.NewParser()
	for _, item := range patterns {
		if strings.HasPrefix(item, "//") {
			item = filepath.Join(root, item[2:])
		} else if !filepath.IsAbs(item) {
			item = filepath.Join(base, item)
		}
		item = filepath.ToSlash(item)

		words := make([]*syntax.Word, 0)
		parser.Words(strings.NewReader(item), func(w *syntax.Word) bool {
			words = append(words, w)
			return true
		})

		matches, err := expand.Fields(&cfg, words...)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", item)
		}

		for _, match := range matches {
			// unmatched patterns come back verbatim; skip those
			if !strings.Contains(match, "*") {
				result = append(result, match)
			}
		}
	}

	return result, nil
}
