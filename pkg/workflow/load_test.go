package workflow_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryci/gantry/pkg/workflow"
)

func writeScript(t *testing.T, content string) (string, string) {
	t.Helper()

	root := t.TempDir()
	filename := filepath.Join(root, workflow.DefaultFile)
	require.NoError(t, os.WriteFile(filename, []byte(content), 0o600))

	return filename, root
}

const sampleScript = `
option("runtime", default = "3.9", help = "runtime to test against")

workflow(
    "tests",
    on_push = {"paths_ignore": ["*.md"]},
    on_pull_request = {
        "actions": ["opened", "synchronize", "reopened", "edited"],
        "paths_ignore": ["*.md"],
    },
    matrix = {
        "os": ["linux", "windows"],
        "runtime": ["3.8", "3.9"],
    },
    exclude = [{"os": "windows", "runtime": "3.8"}],
    env = {"MODULE_NAME": "sample"},
)

def configure():
    setenv("PIP_DISABLE_PIP_VERSION_CHECK", "1")

    job(
        name = "build",
        desc = "Build the package",
        steps = [
            step(name = "prepare", run = "mkdir -p dist"),
            "echo building",
            ("echo", "hello world"),
        ],
    )

    job(
        name = "test",
        needs = ["build"],
        env = {"RUN_MYPY": "true"},
        steps = [
            step(
                name = "pytest",
                run = "pytest tests",
                only = {"runtime": "3.9"},
                continue_on_error = True,
            ),
        ],
    )
`

func TestLoad(t *testing.T) {
	t.Parallel()

	filename, root := writeScript(t, sampleScript)
	wf, options, err := workflow.Load(context.Background(), filename, root, nil, true)
	require.NoError(t, err)

	assert.Equal(t, "tests", wf.Name)
	assert.Equal(t, filename, wf.Path)
	assert.Equal(t, root, wf.Root)

	require.NotNil(t, wf.Triggers.Push)
	assert.Equal(t, []string{"*.md"}, wf.Triggers.Push.PathsIgnore)

	require.NotNil(t, wf.Triggers.PullRequest)
	assert.Equal(t, []string{"opened", "synchronize", "reopened", "edited"}, wf.Triggers.PullRequest.Actions)

	require.NotNil(t, wf.Matrix)
	assert.Equal(t, map[string][]string{
		"os":      {"linux", "windows"},
		"runtime": {"3.8", "3.9"},
	}, wf.Matrix.Dimensions)
	assert.Equal(t, []map[string]string{{"os": "windows", "runtime": "3.8"}}, wf.Matrix.Exclude)
	assert.True(t, wf.Matrix.FailFast)

	assert.Equal(t, "sample", wf.Env["MODULE_NAME"])
	assert.Equal(t, "1", wf.Env["PIP_DISABLE_PIP_VERSION_CHECK"])

	require.Len(t, wf.Jobs, 2)

	build, ok := wf.Job("build")
	require.True(t, ok)
	assert.Equal(t, "Build the package", build.Desc)
	require.Len(t, build.Steps, 3)
	assert.Equal(t, "prepare", build.Steps[0].Name)
	assert.Equal(t, "mkdir -p dist", build.Steps[0].Content)
	assert.Equal(t, 0, build.Steps[0].Index)
	assert.True(t, strings.HasPrefix(build.Steps[1].Name, "auto#"))
	assert.Equal(t, "echo building", build.Steps[1].Content)
	assert.Equal(t, 1, build.Steps[1].Index)
	assert.Equal(t, "echo 'hello world'", build.Steps[2].Content)
	assert.Equal(t, 2, build.Steps[2].Index)

	test, ok := wf.Job("test")
	require.True(t, ok)
	assert.Equal(t, []string{"build"}, test.Needs)
	assert.Equal(t, "true", test.Env["RUN_MYPY"])
	require.Len(t, test.Steps, 1)
	assert.Equal(t, map[string]string{"runtime": "3.9"}, test.Steps[0].Only)
	assert.True(t, test.Steps[0].ContinueOnError)

	require.Contains(t, options, "runtime")
	assert.Equal(t, "3.9", options["runtime"].Default())
	assert.Equal(t, "runtime to test against", options["runtime"].Help)
}

func TestLoadOptionOverride(t *testing.T) {
	t.Parallel()

	filename, root := writeScript(t, `
rt = option("runtime", default = "3.9")

workflow("tests")

def configure():
    job(name = "test", steps = [step(name = "pytest-" + rt, run = "pytest")])
`)

	wf, options, err := workflow.Load(context.Background(), filename, root, map[string]string{"runtime": "3.7"}, true)
	require.NoError(t, err)

	test, ok := wf.Job("test")
	require.True(t, ok)
	require.Len(t, test.Steps, 1)
	assert.Equal(t, "pytest-3.7", test.Steps[0].Name)

	// the declared default is unaffected by the override
	assert.Equal(t, "3.9", options["runtime"].Default())
}

func TestLoadWithoutConfigure(t *testing.T) {
	t.Parallel()

	filename, root := writeScript(t, sampleScript)
	wf, _, err := workflow.Load(context.Background(), filename, root, nil, false)
	require.NoError(t, err)

	assert.Empty(t, wf.Jobs)
	assert.NotNil(t, wf.Triggers.Push)
	assert.NotNil(t, wf.Matrix)
}

func TestLoadHiddenJobs(t *testing.T) {
	t.Parallel()

	filename, root := writeScript(t, `
workflow("tests")

def configure():
    job(name = "fetch", hidden = True, steps = ["echo fetch"])
    job(name = "build", needs = ["fetch"], steps = ["echo build"])
    job(steps = ["echo anonymous"])
`)

	wf, _, err := workflow.Load(context.Background(), filename, root, nil, true)
	require.NoError(t, err)

	// hidden and anonymous jobs stay addressable but are not listed
	require.Len(t, wf.Jobs, 3)
	require.Len(t, wf.Visible(), 1)
	assert.Equal(t, "build", wf.Visible()[0].Name)

	fetch, ok := wf.Job("fetch")
	require.True(t, ok)
	assert.True(t, fetch.Hidden)

	anonymous := wf.Jobs[2]
	assert.True(t, anonymous.Hidden)
	assert.True(t, strings.HasPrefix(anonymous.Name, "auto#"))
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		script string
		msg    string
	}{
		{
			name:   "no workflow",
			script: "def configure():\n    pass\n",
			msg:    "did not declare a workflow",
		},
		{
			name:   "workflow declared twice",
			script: "workflow(\"a\")\nworkflow(\"b\")\n\ndef configure():\n    pass\n",
			msg:    "already declared",
		},
		{
			name:   "workflow without a name",
			script: "workflow(\"\")\n\ndef configure():\n    pass\n",
			msg:    "needs a name",
		},
		{
			name:   "no configure function",
			script: "workflow(\"tests\")\n",
			msg:    "did not declare a configure function",
		},
		{
			name:   "configure is not callable",
			script: "workflow(\"tests\")\nconfigure = True\n",
			msg:    "not a function",
		},
		{
			name:   "option after init phase",
			script: "workflow(\"tests\")\n\ndef configure():\n    option(\"late\")\n",
			msg:    "init phase",
		},
		{
			name:   "workflow after init phase",
			script: "workflow(\"tests\")\n\ndef configure():\n    workflow(\"again\")\n",
			msg:    "init phase",
		},
		{
			name:   "duplicate job names",
			script: "workflow(\"tests\")\n\ndef configure():\n    job(name = \"build\", steps = [])\n    job(name = \"build\", steps = [])\n",
			msg:    "declared twice",
		},
		{
			name:   "reserved job name",
			script: "workflow(\"tests\")\n\ndef configure():\n    job(name = \"configure\", steps = [])\n",
			msg:    "reserved",
		},
		{
			name:   "unknown exclude dimension",
			script: "workflow(\"tests\", matrix = {\"os\": [\"linux\"]}, exclude = [{\"arch\": \"arm\"}])\n\ndef configure():\n    pass\n",
			msg:    "unknown dimension",
		},
		{
			name:   "exclude without matrix",
			script: "workflow(\"tests\", exclude = [{\"os\": \"linux\"}])\n\ndef configure():\n    pass\n",
			msg:    "exclude requires a matrix",
		},
		{
			name:   "invalid step type",
			script: "workflow(\"tests\")\n\ndef configure():\n    job(name = \"build\", steps = [42])\n",
			msg:    "unexpected type",
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			filename, root := writeScript(t, testCase.script)
			_, _, err := workflow.Load(context.Background(), filename, root, nil, true)
			require.Error(t, err)
			assert.Contains(t, err.Error(), testCase.msg)
		})
	}
}

func TestFindFile(t *testing.T) {
	t.Parallel()

	_, root := writeScript(t, sampleScript)
	nested := filepath.Join(root, "pkg", "deep")
	require.NoError(t, os.MkdirAll(nested, 0o700))

	found, err := workflow.FindFile(nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, workflow.DefaultFile), found)

	_, err = workflow.FindFile(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), workflow.DefaultFile)
}
