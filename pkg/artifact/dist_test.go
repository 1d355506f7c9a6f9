package artifact_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryci/gantry/pkg/artifact"
	"github.com/gantryci/gantry/pkg/pipeline"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
}

func TestListArchivesFiltersAndSorts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	touch(t, dir, "b-2.0.0.tar.xz")
	touch(t, dir, "a-1.0.0.tar.xz")
	touch(t, dir, "notes.md")
	touch(t, dir, "c.tar.br")

	archives, err := artifact.ListArchives(dir)
	require.NoError(t, err)
	require.Len(t, archives, 3)
	assert.Equal(t, "a-1.0.0.tar.xz", filepath.Base(archives[0]))
	assert.Equal(t, "b-2.0.0.tar.xz", filepath.Base(archives[1]))
	assert.Equal(t, "c.tar.br", filepath.Base(archives[2]))
}

func TestListArchivesMissingDir(t *testing.T) {
	t.Parallel()

	archives, err := artifact.ListArchives(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, archives)
}

func TestLastArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	touch(t, dir, "pkg-0.9.0.tar.xz")
	touch(t, dir, "pkg-1.0.0.tar.xz")

	last, err := artifact.LastArchive(dir)
	require.NoError(t, err)
	assert.Equal(t, "pkg-1.0.0.tar.xz", filepath.Base(last))

	_, err = artifact.LastArchive(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no package archive")
}

func TestEnsureSingleArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	touch(t, dir, "pkg-1.0.0.tar.xz")

	path, err := artifact.EnsureSingleArchive(dir)
	require.NoError(t, err)
	assert.Equal(t, "pkg-1.0.0.tar.xz", filepath.Base(path))

	touch(t, dir, "pkg-1.0.1.tar.xz")
	_, err = artifact.EnsureSingleArchive(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one archive")
}

func TestBuildDist(t *testing.T) {
	t.Parallel()

	pkgDir := filepath.Join(t.TempDir(), "pkg")
	require.NoError(t, pipeline.ScaffoldPackage(pkgDir, "demo", "1.2.3"))

	distDir := filepath.Join(t.TempDir(), "dist")
	info, err := artifact.BuildDist(context.Background(), pkgDir, distDir, artifact.CodecXZ)
	require.NoError(t, err)
	assert.Equal(t, "demo-1.2.3.tar.xz", filepath.Base(info.Path))

	// The dist now holds exactly one archive and it round-trips into a
	// loadable package.
	path, err := artifact.EnsureSingleArchive(distDir)
	require.NoError(t, err)

	unpacked := filepath.Join(t.TempDir(), "unpacked")
	require.NoError(t, artifact.Unpack(context.Background(), path, unpacked))

	pipe, err := pipeline.Load(unpacked)
	require.NoError(t, err)
	assert.Equal(t, "demo", pipe.Meta.Name)

	meta, err := artifact.PeekManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", meta.Version)
}
