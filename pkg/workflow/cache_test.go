package workflow_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryci/gantry/pkg/workflow"
)

func TestCacheRoundTrip(t *testing.T) {
	t.Parallel()

	filename, root := writeScript(t, sampleScript)
	values := map[string]string{"runtime": "3.8"}
	wf, options, err := workflow.Load(context.Background(), filename, root, values, true)
	require.NoError(t, err)

	buffer := bytes.Buffer{}
	require.NoError(t, workflow.WriteCache(&buffer, wf, options, values))

	cached, cachedOptions, cachedValues, err := workflow.ReadCache(&buffer)
	require.NoError(t, err)

	assert.Equal(t, wf.Name, cached.Name)
	assert.Equal(t, wf.Env, cached.Env)
	assert.Equal(t, values, cachedValues)
	require.NotNil(t, cached.Matrix)
	assert.Equal(t, wf.Matrix.Dimensions, cached.Matrix.Dimensions)
	require.NotNil(t, cached.Triggers.PullRequest)
	assert.Equal(t, wf.Triggers.PullRequest.Actions, cached.Triggers.PullRequest.Actions)

	require.Len(t, cached.Jobs, len(wf.Jobs))
	build, ok := cached.Job("build")
	require.True(t, ok)
	require.Len(t, build.Steps, 3)
	assert.Equal(t, "mkdir -p dist", build.Steps[0].Content)

	require.Contains(t, cachedOptions, "runtime")
	assert.Equal(t, "3.9", cachedOptions["runtime"].Default())
}

func TestLoadCached(t *testing.T) {
	t.Parallel()

	filename, root := writeScript(t, `
workflow("first")

def configure():
    job(name = "build", steps = ["echo one"])
`)

	wf, _, err := workflow.LoadCached(context.Background(), filename, root, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", wf.Name)

	cachePath := filepath.Join(root, workflow.CacheName)
	_, err = os.Stat(cachePath)
	require.NoError(t, err)

	// rewrite the script but keep the cache newer; the stale parse wins
	require.NoError(t, os.WriteFile(filename, []byte(`
workflow("second")

def configure():
    job(name = "build", steps = ["echo two"])
`), 0o600))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(cachePath, future, future))

	wf, _, err = workflow.LoadCached(context.Background(), filename, root, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", wf.Name)

	// different option values bypass the cache
	wf, _, err = workflow.LoadCached(context.Background(), filename, root, map[string]string{"flavor": "debug"})
	require.NoError(t, err)
	assert.Equal(t, "second", wf.Name)
}

func TestLoadCachedReparsesChangedScript(t *testing.T) {
	t.Parallel()

	filename, root := writeScript(t, `
workflow("first")

def configure():
    job(name = "build", steps = ["echo one"])
`)

	_, _, err := workflow.LoadCached(context.Background(), filename, root, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filename, []byte(`
workflow("second")

def configure():
    job(name = "build", steps = ["echo two"])
`), 0o600))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filename, future, future))

	wf, _, err := workflow.LoadCached(context.Background(), filename, root, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", wf.Name)
}
