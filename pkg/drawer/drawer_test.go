package drawer_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryci/gantry/pkg/drawer"
	"github.com/gantryci/gantry/pkg/registry"
	"github.com/gantryci/gantry/pkg/workflow"
)

func buildWorkflow(jobs ...*workflow.Job) *workflow.Workflow {
	return &workflow.Workflow{Name: "wf", Jobs: jobs}
}

func render(t *testing.T, d *drawer.Drawer) string {
	t.Helper()

	buffer := strings.Builder{}
	require.NoError(t, d.WriteDOT(&buffer))
	return buffer.String()
}

func TestWriteDOT(t *testing.T) {
	t.Parallel()

	wf := buildWorkflow(
		&workflow.Job{Name: "build"},
		&workflow.Job{Name: "test", Needs: []string{"build"}},
		&workflow.Job{Name: "package", Needs: []string{"build", "test"}},
		&workflow.Job{Name: "prepare", Hidden: true},
	)

	d, err := drawer.New(wf)
	require.NoError(t, err)

	dot := render(t, d)
	assert.Contains(t, dot, "strict digraph")
	assert.Contains(t, dot, `"build" -> "test"`)
	assert.Contains(t, dot, `"build" -> "package"`)
	assert.Contains(t, dot, `"test" -> "package"`)
	assert.Contains(t, dot, `shape="box"`)
	assert.Contains(t, dot, `style="dashed"`)
}

func TestNewRejectsBadGraphs(t *testing.T) {
	t.Parallel()

	_, err := drawer.New(buildWorkflow(
		&workflow.Job{Name: "a", Needs: []string{"b"}},
		&workflow.Job{Name: "b", Needs: []string{"a"}},
	))
	require.Error(t, err)

	_, err = drawer.New(buildWorkflow(
		&workflow.Job{Name: "a", Needs: []string{"ghost"}},
	))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")
}

func TestApplyRun(t *testing.T) {
	t.Parallel()

	wf := buildWorkflow(
		&workflow.Job{Name: "fast"},
		&workflow.Job{Name: "slow", Needs: []string{"fast"}},
		&workflow.Job{Name: "broken", Needs: []string{"fast"}},
		&workflow.Job{Name: "untouched"},
	)

	d, err := drawer.New(wf)
	require.NoError(t, err)

	require.NoError(t, d.ApplyRun(&registry.Run{
		Jobs: []registry.JobReport{
			{Name: "fast", Status: registry.StatusPassed, Duration: 100 * time.Millisecond},
			{Name: "slow", Status: registry.StatusPassed, Duration: 2 * time.Second},
			{Name: "broken", Status: registry.StatusFailed, Duration: time.Second},
			{Name: "untouched", Status: registry.StatusSkipped},
		},
	}))

	dot := render(t, d)

	// the fastest job is pure blue, the slowest pure red; failures are
	// always red
	assert.Contains(t, dot, `color="#0000f0"`)
	assert.Contains(t, dot, `color="#f00000"`)
	assert.Contains(t, dot, `color="#ff0000"`)
	assert.Contains(t, dot, "100ms")
	assert.Contains(t, dot, "2s")

	// durations move into the node label
	assert.Contains(t, dot, `label=<fast <BR /> <FONT POINT-SIZE="12">100ms</FONT>>`)
	assert.NotContains(t, dot, "xlabel")
}

func TestApplyRunMergesMatrixEntries(t *testing.T) {
	t.Parallel()

	wf := buildWorkflow(&workflow.Job{Name: "test"})

	d, err := drawer.New(wf)
	require.NoError(t, err)

	require.NoError(t, d.ApplyRun(&registry.Run{
		Jobs: []registry.JobReport{
			{Name: "test", Status: registry.StatusPassed, Duration: time.Second, Matrix: map[string]string{"os": "linux"}},
			{Name: "test", Status: registry.StatusPassed, Duration: time.Second, Matrix: map[string]string{"os": "windows"}},
		},
	}))

	dot := render(t, d)
	assert.Contains(t, dot, "2s")
}
