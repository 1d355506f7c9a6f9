package workflow

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/syntax"

	"github.com/gantryci/gantry/pkg/event"
	"github.com/gantryci/gantry/pkg/matrix"
)

// Step is a single shell script executed inside a job. Only gates the step
// on matrix values; ContinueOnError turns a failure into a warning instead
// of aborting the job.
type Step struct {
	Name            string
	Content         string
	Env             map[string]string
	Only            map[string]string
	ContinueOnError bool
	Index           int
}

// ToShellStmts parses the step content into shell statements.
func (s *Step) ToShellStmts(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	reader := strings.NewReader(s.Content)
	result, err := parser.Parse(reader, fmt.Sprintf("%s:%d", s.Name, s.Index))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse step %s", s.Name)
	}

	return result.Stmts, nil
}

// Job groups sequential steps sharing a working directory and environment.
// Needs names jobs that must finish first.
type Job struct {
	Name         string
	Desc         string
	Base         string
	Needs        []string
	SkipIfExists []string
	Inputs       []string
	Outputs      []string
	Env          map[string]string
	Steps        []*Step
	Hidden       bool
}

// Workflow is a fully loaded workflow file: trigger surface, build matrix
// and the declared jobs in declaration order.
type Workflow struct {
	Name     string
	Path     string
	Root     string
	Triggers event.Triggers
	Matrix   *matrix.Spec
	Env      map[string]string
	Jobs     []*Job
}

// Job looks a job up by name.
func (w *Workflow) Job(name string) (*Job, bool) {
	for _, job := range w.Jobs {
		if job.Name == name {
			return job, true
		}
	}

	return nil, false
}

// Visible returns the jobs that show up in listings.
func (w *Workflow) Visible() []*Job {
	result := make([]*Job, 0, len(w.Jobs))
	for _, job := range w.Jobs {
		if !job.Hidden {
			result = append(result, job)
		}
	}

	return result
}

// Option is a workflow option declared through option(): configurable from
// the command line with a default from the file.
type Option struct {
	DefaultValue starlark.String
	Help         string
}

// Default returns the default value as a plain string.
func (o Option) Default() string {
	return o.DefaultValue.GoString()
}

// Implement starlark.Value for *Job

// String returns a string representation of the job
func (j *Job) String() string {
	return fmt.Sprintf("<Job %s: %s>", j.Name, j.Desc)
}

// Type always returns "job" to indicate this type
func (j *Job) Type() string {
	return "job"
}

// Freeze doesn't do anything since jobs are immutable anyway
func (j *Job) Freeze() {}

// Truth always returns true since a job can't be nil or None
func (j *Job) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since job is not a hashable type
func (j *Job) Hash() (uint32, error) {
	return 0, eris.New("job is not a hashable type")
}

// Implement starlark.Value for *Step

func (s *Step) String() string {
	return fmt.Sprintf("<Step %s>", s.Name)
}

func (s *Step) Type() string {
	return "step"
}

func (s *Step) Freeze() {}

func (s *Step) Truth() starlark.Bool {
	return starlark.True
}

func (s *Step) Hash() (uint32, error) {
	return 0, eris.New("step is not a hashable type")
}

// StarlarkPath is a path value produced by resolve_path. It renders with
// forward slashes and compares like a string.
type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p StarlarkPath) Len() int {
	return len(p)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
