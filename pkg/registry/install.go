package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"

	"github.com/gantryci/gantry/pkg/artifact"
	"github.com/gantryci/gantry/pkg/glog"
	"github.com/gantryci/gantry/pkg/pipeline"
)

// Install records a package unpacked into an install root.
type Install struct {
	Name        string
	Tag         string
	Label       string
	Path        string
	InstalledAt time.Time
}

// InstallOptions control dependency handling during installation.
type InstallOptions struct {
	// NoDeps skips the dependencies declared in the package manifest.
	NoDeps bool
	// Force reinstalls even when a satisfying version is already present.
	Force bool
	// Transient unpacks without consulting or writing install records.
	// Compatibility checks use this to install into scratch directories.
	Transient bool
}

// InstallPackage resolves, unpacks and records a package below root. Unless
// NoDeps is set, manifest dependencies are installed the same way.
func (s *Store) InstallPackage(ctx context.Context, name, constraint, root string, opts InstallOptions) (*Install, error) {
	var result *Install
	err := s.BatchUpdate(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.install(ctx, name, constraint, root, opts, map[string]bool{})
		return err
	})

	return result, err
}

func (s *Store) install(ctx context.Context, name, constraint, root string, opts InstallOptions, seen map[string]bool) (*Install, error) {
	if seen[name] {
		return nil, eris.Errorf("dependency cycle involving %s", name)
	}
	seen[name] = true

	art, err := s.Resolve(ctx, name, constraint)
	if err != nil {
		return nil, err
	}

	if existing, err := s.GetInstall(ctx, name); err == nil && !opts.Force && !opts.Transient {
		if existing.Tag == art.Tag {
			glog.Log(ctx).Debug().
				Str("name", name).
				Str("tag", existing.Tag).
				Msg("Already installed, skipping")
			return existing, nil
		}
	}

	dest := filepath.Join(root, name)
	if err := os.RemoveAll(dest); err != nil {
		return nil, eris.Wrapf(err, "failed to clear %s", dest)
	}

	if err := artifact.Unpack(ctx, s.ArchivePath(art), dest); err != nil {
		return nil, err
	}

	record := &Install{
		Name:        art.Name,
		Tag:         art.Tag,
		Label:       art.Label,
		Path:        dest,
		InstalledAt: time.Now(),
	}

	if !opts.Transient {
		encoded, err := json.Marshal(record)
		if err != nil {
			return nil, eris.Wrap(err, "failed to encode install record")
		}
		if err := txFromCtx(ctx).Bucket(installsBucket).Put([]byte(name), encoded); err != nil {
			return nil, eris.Wrapf(err, "failed to record install of %s", name)
		}
	}

	glog.Log(ctx).Info().
		Str("name", art.Name).
		Str("tag", art.Tag).
		Str("path", dest).
		Msg("Installed package")

	if opts.NoDeps {
		return record, nil
	}

	meta, err := pipeline.ReadManifest(dest)
	if err != nil {
		return nil, err
	}

	for _, dep := range meta.Dependencies {
		depName, depConstraint := SplitDependency(dep)
		if depName == "" {
			return nil, eris.Errorf("package %s declares an empty dependency", name)
		}

		if existing, err := s.GetInstall(ctx, depName); err == nil && !opts.Force && !opts.Transient {
			if satisfies(existing.Tag, depConstraint) {
				continue
			}
		}

		if _, err := s.install(ctx, depName, depConstraint, root, opts, seen); err != nil {
			return nil, eris.Wrapf(err, "failed to install dependency %s of %s", depName, name)
		}
	}

	return record, nil
}

// Uninstall removes an installed package from disk and from the records.
func (s *Store) Uninstall(ctx context.Context, name string) error {
	return s.BatchUpdate(ctx, func(ctx context.Context) error {
		bucket := txFromCtx(ctx).Bucket(installsBucket)
		value := bucket.Get([]byte(name))
		if value == nil {
			return eris.Errorf("%s is not installed", name)
		}

		var record Install
		if err := json.Unmarshal(value, &record); err != nil {
			return eris.Wrap(err, "failed to decode install record")
		}

		if err := os.RemoveAll(record.Path); err != nil {
			return eris.Wrapf(err, "failed to remove %s", record.Path)
		}

		glog.Log(ctx).Info().Str("name", name).Msg("Uninstalled package")
		return bucket.Delete([]byte(name))
	})
}

// GetInstall returns the install record for a package name.
func (s *Store) GetInstall(ctx context.Context, name string) (*Install, error) {
	var record *Install
	err := s.BatchRead(ctx, func(ctx context.Context) error {
		value := txFromCtx(ctx).Bucket(installsBucket).Get([]byte(name))
		if value == nil {
			return eris.Errorf("%s is not installed", name)
		}

		record = new(Install)
		return eris.Wrap(json.Unmarshal(value, record), "failed to decode install record")
	})

	return record, err
}

// Installed returns every install record in name order.
func (s *Store) Installed(ctx context.Context) ([]*Install, error) {
	var result []*Install
	err := s.BatchRead(ctx, func(ctx context.Context) error {
		return txFromCtx(ctx).Bucket(installsBucket).ForEach(func(_, value []byte) error {
			var record Install
			if err := json.Unmarshal(value, &record); err != nil {
				return eris.Wrap(err, "failed to decode install record")
			}

			result = append(result, &record)
			return nil
		})
	})

	return result, err
}

// SplitDependency parses a manifest dependency entry of the form
// "name" or "name <constraint>".
func SplitDependency(dep string) (string, string) {
	fields := strings.Fields(dep)
	if len(fields) == 0 {
		return "", ""
	}

	return fields[0], strings.Join(fields[1:], " ")
}

func satisfies(tag, constraint string) bool {
	if constraint == "" || constraint == "*" {
		return true
	}

	parsed, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}

	ver, err := semver.NewVersion(tag)
	if err != nil {
		return false
	}

	return parsed.Check(ver)
}
