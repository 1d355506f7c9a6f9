package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gantryci/gantry/pkg/config"
	"github.com/gantryci/gantry/pkg/registry"
)

func TestSplitOptions(t *testing.T) {
	rest, options := splitOptions([]string{"build", "flavor=vanilla", "smoke", "tag=1.2.0-rc1"})
	assert.Equal(t, []string{"build", "smoke"}, rest)
	assert.Equal(t, map[string]string{"flavor": "vanilla", "tag": "1.2.0-rc1"}, options)

	rest, options = splitOptions(nil)
	assert.Empty(t, rest)
	assert.Empty(t, options)
}

func TestIgnoredPath(t *testing.T) {
	cfg = &config.Config{}
	cfg.Store = ".gantry"
	cfg.Dist = "dist"

	assert.True(t, ignoredPath(".gantry/state.db"))
	assert.True(t, ignoredPath("dist/sample-1.0.0.tar.xz"))
	assert.True(t, ignoredPath(".git/HEAD"))
	assert.True(t, ignoredPath(".workflow_cache"))
	assert.False(t, ignoredPath("pipeline.py"))
	assert.False(t, ignoredPath("src/distribution/helper.py"))
}

func TestPrintRunSummary(t *testing.T) {
	started := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	run := &registry.Run{
		ID:         "r1",
		Workflow:   "release",
		Status:     registry.StatusFailed,
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Jobs: []registry.JobReport{
			{
				Name:     "test",
				Matrix:   map[string]string{"os": "linux", "runtime": "3.9"},
				Status:   registry.StatusFailed,
				Duration: 42 * time.Second,
				Steps: []registry.StepReport{
					{Name: "unit", Status: registry.StatusPassed},
					{Name: "smoke", Status: registry.StatusFailed, Error: "exit status 1"},
				},
			},
		},
	}

	out := &bytes.Buffer{}
	printRunSummary(out, run)

	assert.Contains(t, out.String(), "run r1: failed (1m30s)")
	assert.Contains(t, out.String(), "test (linux, 3.9)")
	assert.Contains(t, out.String(), "smoke: exit status 1")
	assert.NotContains(t, out.String(), "unit:")
}
