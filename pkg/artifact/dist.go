package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/gantryci/gantry/pkg/pipeline"
)

// IsArchive reports whether the filename looks like a package archive.
func IsArchive(name string) bool {
	for _, codec := range []Codec{CodecXZ, CodecBrotli} {
		if strings.HasSuffix(name, codec.Ext()) {
			return true
		}
	}

	return false
}

// ListArchives returns the package archives in dir, sorted by name. A missing
// directory yields an empty list since a build that produced nothing and a
// build that never ran look the same to callers.
func ListArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "failed to read %s", dir)
	}

	var archives []string
	for _, entry := range entries {
		if !entry.IsDir() && IsArchive(entry.Name()) {
			archives = append(archives, filepath.Join(dir, entry.Name()))
		}
	}

	return archives, nil
}

// LastArchive returns the archive that sorts last in dir. Install steps use
// this to pick up "the" build output without knowing its exact name.
func LastArchive(dir string) (string, error) {
	archives, err := ListArchives(dir)
	if err != nil {
		return "", err
	}
	if len(archives) == 0 {
		return "", eris.Errorf("no package archive in %s", dir)
	}

	return archives[len(archives)-1], nil
}

// EnsureSingleArchive verifies that dir holds exactly one archive and returns
// it. Leftovers from earlier builds would otherwise make LastArchive pick an
// arbitrary file.
func EnsureSingleArchive(dir string) (string, error) {
	archives, err := ListArchives(dir)
	if err != nil {
		return "", err
	}
	if len(archives) != 1 {
		return "", eris.Errorf("expected exactly one archive in %s, found %d", dir, len(archives))
	}

	return archives[0], nil
}

// BuildDist validates a package directory and packs it into distDir under the
// canonical <name>-<version> archive name.
func BuildDist(ctx context.Context, pkgDir, distDir string, codec Codec) (*Info, error) {
	meta, err := pipeline.ReadManifest(pkgDir)
	if err != nil {
		return nil, err
	}

	if err := pipeline.Validate(pkgDir); err != nil {
		return nil, eris.Wrapf(err, "package %s failed validation", meta.Name)
	}

	destPath := filepath.Join(distDir, fmt.Sprintf("%s-%s%s", meta.Name, meta.Version, codec.Ext()))
	return Pack(ctx, pkgDir, destPath)
}
