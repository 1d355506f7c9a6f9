// Package workflow loads workflow files: Starlark scripts that declare the
// trigger surface, the build matrix and the jobs of a project. Loading runs
// in two phases. The init phase executes the global scope where option() and
// workflow() live; the configure phase calls the script's configure()
// function, which declares jobs and steps based on the chosen option values.
package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"

	"github.com/gantryci/gantry/pkg/event"
	"github.com/gantryci/gantry/pkg/glog"
	"github.com/gantryci/gantry/pkg/matrix"
)

// DefaultFile is the filename FindFile looks for.
const DefaultFile = "workflow.star"

type loadCtx struct {
	ctx          context.Context
	options      map[string]Option
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	filepath     string
	root         string
	workflow     *Workflow
	jobs         []*Job
	initPhase    bool
}

func getCtx(thread *starlark.Thread) *loadCtx {
	return thread.Local("loadCtx").(*loadCtx)
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	filepath := simplifyPath(ctx, ctx.filepath)

	glog.Log(ctx.ctx).Info().
		Msgf("%s:%d:%d: %s", filepath, pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	filepath := simplifyPath(ctx, ctx.filepath)

	glog.Log(ctx.ctx).Warn().
		Msgf("%s:%d:%d: %s", filepath, pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func processCmdParts(parts starlark.Tuple, parser *syntax.Parser, base string) (*syntax.CallExpr, error) {
	envVars := make([]string, 0, len(parts))
	for _, part := range parts {
		end := false
		switch value := part.(type) {
		case starlark.String:
			if strings.Contains(value.GoString(), "=") {
				envVars = append(envVars, value.GoString())
			} else {
				end = true
			}
		default:
			end = true
		}

		if end {
			break
		}
	}

	var cmd *syntax.CallExpr
	if len(envVars) > 0 {
		joinedEnvVars := strings.Join(envVars, " ")
		result, err := parser.Parse(strings.NewReader(joinedEnvVars), "env vars")
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command vars %s", joinedEnvVars)
		}

		if len(result.Stmts) != 1 || result.Stmts[0].Cmd == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}

		var ok bool
		cmd, ok = result.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || cmd.Assigns == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}
	} else {
		cmd = new(syntax.CallExpr)
	}

	argCount := len(parts) - len(envVars)
	cmd.Args = make([]*syntax.Word, argCount)
	for a, arg := range parts[len(envVars):] {
		var encodedValue string

		switch value := arg.(type) {
		case starlark.String:
			encodedValue = value.GoString()
		case StarlarkPath:
			encodedValue = string(value)

			if filepath.IsAbs(encodedValue) {
				// absolute paths cause issues on Windows
				relValue, err := filepath.Rel(base, encodedValue)
				if err == nil {
					encodedValue = relValue
				}
			}

			encodedValue = filepath.ToSlash(encodedValue)
		default:
			return nil, eris.Errorf("found argument of type %s but only strings and paths are supported: %s", arg.Type(), arg.String())
		}

		var wordPart syntax.WordPart

		if strings.ContainsAny(encodedValue, " $'") {
			node := new(syntax.SglQuoted)
			node.Value = encodedValue

			wordPart = syntax.WordPart(node)
		} else {
			node := new(syntax.Lit)
			node.Value = encodedValue

			wordPart = syntax.WordPart(node)
		}

		cmd.Args[a] = new(syntax.Word)
		cmd.Args[a].Parts = []syntax.WordPart{wordPart}
	}

	return cmd, nil
}

// scriptContent turns a step's run value (string, tuple or list) into shell
// script text. Argv-style tuples are rendered through the shell printer so
// quoting stays correct.
func scriptContent(thread *starlark.Thread, run starlark.Value, base string) (string, error) {
	parser := syntax.NewParser()
	printer := syntax.NewPrinter(syntax.Minify(true))

	switch value := run.(type) {
	case starlark.String:
		return value.GoString(), nil
	case starlark.Tuple:
		cmd, err := processCmdParts(value, parser, base)
		if err != nil {
			return "", err
		}

		buffer := strings.Builder{}
		if err := printer.Print(&buffer, cmd); err != nil {
			return "", eris.Wrap(err, "failed to render command")
		}

		return buffer.String(), nil
	case *starlark.List:
		parts := make(starlark.Tuple, value.Len())
		iter := value.Iterate()
		defer iter.Done()

		var item starlark.Value
		idx := 0
		for iter.Next(&item) {
			parts[idx] = item
			idx++
		}

		return scriptContent(thread, parts, base)
	}

	return "", eris.Errorf("unexpected type %s, only strings, tuples and lists are valid", run.Type())
}

// * Builtin declarations

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = Option{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func parsePushTrigger(value starlark.Value) (*event.PushTrigger, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case starlark.Bool:
		if bool(v) {
			return &event.PushTrigger{}, nil
		}
		return nil, nil
	case *starlark.Dict:
		trigger := new(event.PushTrigger)
		for _, rawKey := range v.Keys() {
			key, ok := rawKey.(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in on_push but only strings are supported", rawKey.Type())
			}

			rawValue, _, err := v.Get(rawKey)
			if err != nil {
				return nil, err
			}

			list, ok := rawValue.(*starlark.List)
			if !ok {
				return nil, eris.Errorf("on_push value %s must be a list", key.GoString())
			}

			switch key.GoString() {
			case "branches":
				trigger.Branches, err = iterableToStringSlice(list, "branches")
			case "paths_ignore":
				trigger.PathsIgnore, err = iterableToStringSlice(list, "paths_ignore")
			default:
				return nil, eris.Errorf("unknown on_push key %s", key.GoString())
			}
			if err != nil {
				return nil, err
			}
		}

		return trigger, nil
	}

	return nil, eris.Errorf("on_push must be True or a dict, got %s", value.Type())
}

func parsePullRequestTrigger(value starlark.Value) (*event.PullRequestTrigger, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case starlark.Bool:
		if bool(v) {
			return &event.PullRequestTrigger{}, nil
		}
		return nil, nil
	case *starlark.Dict:
		trigger := new(event.PullRequestTrigger)
		for _, rawKey := range v.Keys() {
			key, ok := rawKey.(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in on_pull_request but only strings are supported", rawKey.Type())
			}

			rawValue, _, err := v.Get(rawKey)
			if err != nil {
				return nil, err
			}

			list, ok := rawValue.(*starlark.List)
			if !ok {
				return nil, eris.Errorf("on_pull_request value %s must be a list", key.GoString())
			}

			switch key.GoString() {
			case "actions":
				trigger.Actions, err = iterableToStringSlice(list, "actions")
			case "branches":
				trigger.Branches, err = iterableToStringSlice(list, "branches")
			case "paths_ignore":
				trigger.PathsIgnore, err = iterableToStringSlice(list, "paths_ignore")
			default:
				return nil, eris.Errorf("unknown on_pull_request key %s", key.GoString())
			}
			if err != nil {
				return nil, err
			}
		}

		return trigger, nil
	}

	return nil, eris.Errorf("on_pull_request must be True or a dict, got %s", value.Type())
}

func parseMatrixSpec(dims *starlark.Dict, exclude *starlark.List, failFast bool) (*matrix.Spec, error) {
	if dims == nil && exclude != nil {
		return nil, eris.New("exclude requires a matrix")
	}
	if dims == nil {
		return nil, nil
	}

	spec := &matrix.Spec{
		Dimensions: map[string][]string{},
		FailFast:   failFast,
	}

	for _, rawKey := range dims.Keys() {
		key, ok := rawKey.(starlark.String)
		if !ok {
			return nil, eris.Errorf("found key type %s in matrix but only strings are supported", rawKey.Type())
		}

		rawValue, _, err := dims.Get(rawKey)
		if err != nil {
			return nil, err
		}

		list, ok := rawValue.(*starlark.List)
		if !ok {
			return nil, eris.Errorf("matrix dimension %s must be a list", key.GoString())
		}

		spec.Dimensions[key.GoString()], err = iterableToStringSlice(list, key.GoString())
		if err != nil {
			return nil, err
		}
	}

	if exclude != nil {
		iter := exclude.Iterate()
		defer iter.Done()

		var item starlark.Value
		for iter.Next(&item) {
			dict, ok := item.(*starlark.Dict)
			if !ok {
				return nil, eris.Errorf("matrix exclusions must be dicts, got %s", item.Type())
			}

			entry, err := dictToStringMap(dict, "exclude")
			if err != nil {
				return nil, err
			}

			spec.Exclude = append(spec.Exclude, entry)
		}
	}

	return spec, spec.Validate()
}

func workflowDecl(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var onPush starlark.Value
	var onPullRequest starlark.Value
	var dims *starlark.Dict
	var exclude *starlark.List
	var env *starlark.Dict
	failFast := true

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name,
		"on_push?", &onPush, "on_pull_request?", &onPullRequest,
		"matrix?", &dims, "exclude?", &exclude, "fail_fast?", &failFast, "env?", &env)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}
	if ctx.workflow != nil {
		return nil, eris.New("a workflow was already declared in this file")
	}
	if name == "" {
		return nil, eris.New("the workflow needs a name")
	}

	wf := &Workflow{Name: name}

	wf.Triggers.Push, err = parsePushTrigger(onPush)
	if err != nil {
		return nil, err
	}

	wf.Triggers.PullRequest, err = parsePullRequestTrigger(onPullRequest)
	if err != nil {
		return nil, err
	}

	wf.Matrix, err = parseMatrixSpec(dims, exclude, failFast)
	if err != nil {
		return nil, err
	}

	wf.Env, err = dictToStringMap(env, "env")
	if err != nil {
		return nil, err
	}

	ctx.workflow = wf
	return starlark.None, nil
}

func step(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var run starlark.Value
	var env *starlark.Dict
	var only *starlark.Dict

	result := new(Step)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "run", &run, "name?", &result.Name,
		"env?", &env, "only?", &only, "continue_on_error?", &result.ContinueOnError)
	if err != nil {
		return nil, err
	}

	if result.Name == "" {
		result.Name = "auto#" + nanoid.New()
	}

	ctx := getCtx(thread)
	result.Content, err = scriptContent(thread, run, filepath.Dir(ctx.filepath))
	if err != nil {
		return nil, err
	}

	result.Env, err = dictToStringMap(env, "env")
	if err != nil {
		return nil, err
	}

	result.Only, err = dictToStringMap(only, "only")
	if err != nil {
		return nil, err
	}

	return result, nil
}

func job(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var needs *starlark.List
	var skipIfExists *starlark.List
	var inputs *starlark.List
	var outputs *starlark.List
	var env *starlark.Dict
	var steps *starlark.List

	job := new(Job)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name??", &job.Name, "hidden?", &job.Hidden,
		"desc?", &job.Desc, "needs?", &needs, "base?", &job.Base, "skip_if_exists?", &skipIfExists,
		"inputs?", &inputs, "outputs?", &outputs, "env?", &env, "steps?", &steps)
	if err != nil {
		return nil, err
	}

	if job.Name == "" {
		job.Hidden = true
		job.Name = "auto#" + nanoid.New()
	}

	if job.Name == "configure" {
		return nil, eris.New(`the job name "configure" is reserved, please use a different name`)
	}

	ctx := getCtx(thread)
	if job.Base == "" {
		job.Base = "."
	}
	job.Base = normalizePath(ctx, job.Base)

	job.Needs, err = iterableToStringSlice(needs, "needs")
	if err != nil {
		return nil, err
	}

	job.SkipIfExists, err = iterableToStringSlice(skipIfExists, "skip_if_exists")
	if err != nil {
		return nil, err
	}

	job.Inputs, err = iterableToStringSlice(inputs, "inputs")
	if err != nil {
		return nil, err
	}

	job.Outputs, err = iterableToStringSlice(outputs, "outputs")
	if err != nil {
		return nil, err
	}

	job.Env, err = dictToStringMap(env, "env")
	if err != nil {
		return nil, err
	}

	job.Steps = make([]*Step, 0)
	if steps != nil {
		iter := steps.Iterate()
		defer iter.Done()

		var item starlark.Value
		idx := 0
		for iter.Next(&item) {
			switch value := item.(type) {
			case *Step:
				value.Index = idx
				job.Steps = append(job.Steps, value)
			case starlark.String, starlark.Tuple, *starlark.List:
				content, err := scriptContent(thread, value, job.Base)
				if err != nil {
					return nil, eris.Wrapf(err, "failed to process step #%d", idx)
				}

				job.Steps = append(job.Steps, &Step{
					Name:    "auto#" + nanoid.New(),
					Content: content,
					Index:   idx,
				})
			default:
				return nil, eris.Errorf("%s: unexpected type %s. Only steps, strings, tuples and lists are valid", fn.Name(), item.Type())
			}

			idx++
		}
	}

	if inputs != nil && inputs.Len() > 0 && (outputs == nil || outputs.Len() == 0) {
		warn(thread, "%s: found inputs but no outputs", fn.Name())
	}

	ctx.jobs = append(ctx.jobs, job)
	return job, nil
}

// FindFile searches dir and every parent directory for the workflow file.
func FindFile(dir string) (string, error) {
	start, err := filepath.Abs(dir)
	if err != nil {
		return "", eris.Wrapf(err, "failed to resolve %s", dir)
	}

	current := start
	for {
		candidate := filepath.Join(current, DefaultFile)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", eris.Errorf("no %s found in %s or any parent directory", DefaultFile, start)
		}
		current = parent
	}
}

// Load executes a workflow script and returns the declared workflow and
// options. If doConfigure is true, the script's configure function is called
// and the declared jobs are collected; otherwise the workflow carries only
// its init-phase declarations.
func Load(ctx context.Context, filename, root string, options map[string]string, doConfigure bool) (*Workflow, map[string]Option, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, nil, err
	}

	builtins := starlark.StringDict{
		"OS":           starlark.String(runtime.GOOS),
		"ARCH":         starlark.String(runtime.GOARCH),
		"info":         starlark.NewBuiltin("info", starInfo),
		"warn":         starlark.NewBuiltin("warn", starWarn),
		"error":        starlark.NewBuiltin("error", starError),
		"resolve_path": starlark.NewBuiltin("resolve_path", resolvePath),
		"option":       starlark.NewBuiltin("option", option),
		"getenv":       starlark.NewBuiltin("getenv", getenv),
		"setenv":       starlark.NewBuiltin("setenv", setenv),
		"prepend_path": starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":        starlark.NewBuiltin("isdir", starIsdir),
		"isfile":       starlark.NewBuiltin("isfile", starIsfile),
		"execute":      starlark.NewBuiltin("execute", starExec),
		"workflow":     starlark.NewBuiltin("workflow", workflowDecl),
		"job":          starlark.NewBuiltin("job", job),
		"step":         starlark.NewBuiltin("step", step),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			glog.Log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := loadCtx{
		ctx:          ctx,
		filepath:     filename,
		root:         root,
		options:      make(map[string]Option),
		optionValues: options,
		envOverrides: make(map[string]string),
		jobs:         make([]*Job, 0),
		yamlCache:    make(map[string]interface{}),
		initPhase:    true,
	}
	thread.SetLocal("loadCtx", &threadCtx)

	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to read file")
	}

	globals, err := starlark.ExecFile(thread, simplifyPath(&threadCtx, filename), script, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, eris.Errorf("failed to execute %s:\n%s", simplifyPath(&threadCtx, filename), evalError.Backtrace())
		}
		return nil, nil, eris.Wrap(err, "failed to execute")
	}

	wf := threadCtx.workflow
	if wf == nil {
		return nil, nil, eris.Errorf("%s did not declare a workflow", simplifyPath(&threadCtx, filename))
	}

	wf.Path = filename
	wf.Root = root
	if wf.Env == nil {
		wf.Env = map[string]string{}
	}

	if doConfigure {
		configure, ok := globals["configure"]
		if !ok {
			return nil, nil, eris.Errorf("%s did not declare a configure function", simplifyPath(&threadCtx, filename))
		}

		configureFunc, ok := configure.(starlark.Callable)
		if !ok {
			return nil, nil, eris.Errorf("%s did declare a configure value but it's not a function", simplifyPath(&threadCtx, filename))
		}

		threadCtx.initPhase = false
		_, err = starlark.Call(thread, configureFunc, make(starlark.Tuple, 0), make([]starlark.Tuple, 0))
		if err != nil {
			if evalError, ok := err.(*starlark.EvalError); ok {
				return nil, nil, eris.New(evalError.Backtrace())
			}
			return nil, nil, eris.Wrapf(err, "failed configure call in %s", simplifyPath(&threadCtx, filename))
		}

		seen := map[string]bool{}
		for _, declared := range threadCtx.jobs {
			if seen[declared.Name] {
				return nil, nil, eris.Errorf("the job name %s is declared twice", declared.Name)
			}
			seen[declared.Name] = true
		}
		wf.Jobs = threadCtx.jobs

		for name, value := range threadCtx.envOverrides {
			if _, present := wf.Env[name]; !present {
				wf.Env[name] = value
			}
		}
	}

	return wf, threadCtx.options, nil
}
