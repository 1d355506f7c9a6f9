package registry_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryci/gantry/pkg/artifact"
	"github.com/gantryci/gantry/pkg/pipeline"
	"github.com/gantryci/gantry/pkg/registry"
)

func openStore(t *testing.T) *registry.Store {
	t.Helper()

	store, err := registry.Open(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func publishPackage(t *testing.T, store *registry.Store, name, version, tag string, deps []string) *registry.Artifact {
	t.Helper()

	dir := filepath.Join(t.TempDir(), name)
	vocab := []string{pipeline.UnknownPiece, "test"}
	model, err := pipeline.NewModel(2, [][]float32{{0, 0}, {1, 1}}, [][]float32{{9, 9}})
	require.NoError(t, err)

	meta := &pipeline.Manifest{
		Name:         name,
		Version:      version,
		Engine:       ">=1.0.0",
		Dependencies: deps,
		MaxBatchSize: 4,
		Width:        2,
		Vocab:        "vocab.txt",
		Weights:      "weights.bin",
	}
	require.NoError(t, pipeline.WritePackage(dir, meta, vocab, model))

	archivePath := filepath.Join(t.TempDir(), name+"-"+version+".tar.xz")
	_, err = artifact.Pack(context.Background(), dir, archivePath)
	require.NoError(t, err)

	art, err := store.Publish(context.Background(), archivePath, registry.PublishOptions{Tag: tag})
	require.NoError(t, err)

	return art
}

func TestPublishAndResolve(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()

	publishPackage(t, store, "demo", "1.0.0", "", nil)
	publishPackage(t, store, "demo", "1.2.0", "", nil)
	publishPackage(t, store, "demo", "1.1.0", "", nil)

	versions, err := store.Versions(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, "1.0.0", versions[0].Tag)
	assert.Equal(t, "1.1.0", versions[1].Tag)
	assert.Equal(t, "1.2.0", versions[2].Tag)

	latest, err := store.Resolve(ctx, "demo", "")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", latest.Tag)

	pinned, err := store.Resolve(ctx, "demo", ">=1.0.0 <1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", pinned.Tag)

	_, err = store.Resolve(ctx, "demo", ">=2.0.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "satisfies")

	_, err = store.Resolve(ctx, "unknown", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no published version")
}

func TestPublishKeepsTagAndLabelSeparate(t *testing.T) {
	t.Parallel()

	store := openStore(t)

	// The archive's manifest says 1.2.0 but it gets published as 1.1.0.
	art := publishPackage(t, store, "demo", "1.2.0", "1.1.0", nil)
	assert.Equal(t, "1.1.0", art.Tag)
	assert.Equal(t, "1.2.0", art.Label)

	resolved, err := store.Resolve(context.Background(), "demo", "1.1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", resolved.Label)
}

func TestPublishRejectsDuplicateTag(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	art := publishPackage(t, store, "demo", "1.0.0", "", nil)

	archivePath := store.ArchivePath(art)
	_, err := store.Publish(context.Background(), archivePath, registry.PublishOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already published")

	_, err = store.Publish(context.Background(), archivePath, registry.PublishOptions{Force: true})
	require.NoError(t, err)
}

func TestInstallAndUninstall(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	publishPackage(t, store, "demo", "1.0.0", "", nil)

	root := t.TempDir()
	record, err := store.InstallPackage(ctx, "demo", "", root, registry.InstallOptions{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "demo"), record.Path)

	pipe, err := pipeline.Load(record.Path)
	require.NoError(t, err)
	assert.Equal(t, "demo", pipe.Meta.Name)

	installed, err := store.Installed(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)

	require.NoError(t, store.Uninstall(ctx, "demo"))
	_, err = store.GetInstall(ctx, "demo")
	require.Error(t, err)
	_, statErr := os.Stat(record.Path)
	assert.True(t, os.IsNotExist(statErr))

	require.Error(t, store.Uninstall(ctx, "demo"))
}

func TestInstallDependencies(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	publishPackage(t, store, "base", "1.0.0", "", nil)
	publishPackage(t, store, "main", "1.0.0", "", []string{"base >=1.0.0"})

	root := t.TempDir()
	_, err := store.InstallPackage(ctx, "main", "", root, registry.InstallOptions{})
	require.NoError(t, err)

	installed, err := store.Installed(ctx)
	require.NoError(t, err)
	assert.Len(t, installed, 2)
}

func TestInstallNoDeps(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	publishPackage(t, store, "base", "1.0.0", "", nil)
	publishPackage(t, store, "main", "1.0.0", "", []string{"base"})

	root := t.TempDir()
	_, err := store.InstallPackage(ctx, "main", "", root, registry.InstallOptions{NoDeps: true})
	require.NoError(t, err)

	installed, err := store.Installed(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "main", installed[0].Name)
}

func TestInstallDetectsDependencyCycle(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	publishPackage(t, store, "a", "1.0.0", "", []string{"b"})
	publishPackage(t, store, "b", "1.0.0", "", []string{"a"})

	// Force keeps the resolver from short-circuiting on already installed
	// packages, so the cycle has to be caught explicitly.
	_, err := store.InstallPackage(ctx, "a", "", t.TempDir(), registry.InstallOptions{Force: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestSplitDependency(t *testing.T) {
	t.Parallel()

	name, constraint := registry.SplitDependency("base >=1.0.0 <2.0.0")
	assert.Equal(t, "base", name)
	assert.Equal(t, ">=1.0.0 <2.0.0", constraint)

	name, constraint = registry.SplitDependency("base")
	assert.Equal(t, "base", name)
	assert.Equal(t, "", constraint)
}

func TestRunHistory(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	first := &registry.Run{
		ID:         "run-one",
		Workflow:   "tests",
		Trigger:    "push",
		Status:     registry.StatusPassed,
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Jobs: []registry.JobReport{{
			Name:   "build",
			Matrix: map[string]string{"runtime": "3.9"},
			Status: registry.StatusPassed,
			Steps: []registry.StepReport{{
				Name:     "Run tests",
				Status:   registry.StatusPassed,
				Duration: 30 * time.Second,
			}},
			Duration: time.Minute,
		}},
	}
	require.NoError(t, store.PutRun(ctx, first))

	second := &registry.Run{
		ID:         "run-two",
		Workflow:   "tests",
		Trigger:    "pull_request",
		Status:     registry.StatusFailed,
		StartedAt:  started.Add(time.Hour),
		FinishedAt: started.Add(time.Hour + time.Minute),
	}
	require.NoError(t, store.PutRun(ctx, second))

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-two", runs[0].ID)
	assert.Equal(t, "run-one", runs[1].ID)

	limited, err := store.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "run-two", limited[0].ID)

	found, err := store.GetRun(ctx, "run-one")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPassed, found.Status)
	assert.Equal(t, time.Minute, found.Duration())
	require.Len(t, found.Jobs, 1)
	assert.Equal(t, "3.9", found.Jobs[0].Matrix["runtime"])

	_, err = store.GetRun(ctx, "missing")
	require.Error(t, err)

	require.Error(t, store.PutRun(ctx, &registry.Run{}))
}
