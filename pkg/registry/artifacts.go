package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"

	"github.com/gantryci/gantry/pkg/artifact"
	"github.com/gantryci/gantry/pkg/glog"
)

// Artifact is a published package archive. Tag is the version it was
// published under while Label is the version its manifest declares. The two
// normally match but the registry keeps them separate so a repackaged build
// can not silently lie about its contents.
type Artifact struct {
	Name        string
	Tag         string
	Label       string
	File        string
	Checksum    string
	Size        int64
	PublishedAt time.Time
}

// PublishOptions control how an archive enters the registry.
type PublishOptions struct {
	// Tag overrides the manifest version as the published version.
	Tag string
	// Force replaces an already published tag.
	Force bool
}

func artifactKey(name, tag string) []byte {
	return []byte(name + "#" + tag)
}

// Publish copies an archive into the registry and records it under its tag.
func (s *Store) Publish(ctx context.Context, archivePath string, opts PublishOptions) (*Artifact, error) {
	meta, err := artifact.PeekManifest(archivePath)
	if err != nil {
		return nil, err
	}

	tag := opts.Tag
	if tag == "" {
		tag = meta.Version
	}

	// normalize shorthand tags like v1.0 to their full semver form
	ver, err := semver.NewVersion(tag)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid tag %q", tag)
	}
	tag = ver.String()

	codec, err := artifact.CodecForPath(archivePath)
	if err != nil {
		return nil, err
	}

	checksum, err := artifact.Checksum(archivePath)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(archivePath)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to stat %s", archivePath)
	}

	art := &Artifact{
		Name:        meta.Name,
		Tag:         tag,
		Label:       meta.Version,
		File:        fmt.Sprintf("%s-%s%s", meta.Name, tag, codec.Ext()),
		Checksum:    checksum,
		Size:        fi.Size(),
		PublishedAt: time.Now(),
	}

	err = s.BatchUpdate(ctx, func(ctx context.Context) error {
		bucket := txFromCtx(ctx).Bucket(artifactsBucket)
		key := artifactKey(art.Name, art.Tag)
		if bucket.Get(key) != nil && !opts.Force {
			return eris.Errorf("%s@%s is already published", art.Name, art.Tag)
		}

		encoded, err := json.Marshal(art)
		if err != nil {
			return eris.Wrap(err, "failed to encode artifact record")
		}

		return bucket.Put(key, encoded)
	})
	if err != nil {
		return nil, err
	}

	if err := copyFile(archivePath, s.ArchivePath(art)); err != nil {
		return nil, err
	}

	glog.Log(ctx).Info().
		Str("name", art.Name).
		Str("tag", art.Tag).
		Str("label", art.Label).
		Msg("Published artifact")

	return art, nil
}

// ArchivePath returns the location of a published archive inside the store.
func (s *Store) ArchivePath(art *Artifact) string {
	return filepath.Join(s.ArchiveDir(), art.File)
}

// Artifacts returns every published artifact in key order.
func (s *Store) Artifacts(ctx context.Context) ([]*Artifact, error) {
	var result []*Artifact
	err := s.BatchRead(ctx, func(ctx context.Context) error {
		return txFromCtx(ctx).Bucket(artifactsBucket).ForEach(func(_, value []byte) error {
			var art Artifact
			if err := json.Unmarshal(value, &art); err != nil {
				return eris.Wrap(err, "failed to decode artifact record")
			}

			result = append(result, &art)
			return nil
		})
	})

	return result, err
}

// Versions returns the published artifacts for one package, sorted from
// oldest to newest tag.
func (s *Store) Versions(ctx context.Context, name string) ([]*Artifact, error) {
	var result []*Artifact
	err := s.BatchRead(ctx, func(ctx context.Context) error {
		cursor := txFromCtx(ctx).Bucket(artifactsBucket).Cursor()
		prefix := []byte(name + "#")

		for key, value := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, value = cursor.Next() {
			var art Artifact
			if err := json.Unmarshal(value, &art); err != nil {
				return eris.Wrap(err, "failed to decode artifact record")
			}

			result = append(result, &art)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(a, b int) bool {
		verA, errA := semver.NewVersion(result[a].Tag)
		verB, errB := semver.NewVersion(result[b].Tag)
		if errA != nil || errB != nil {
			return result[a].Tag < result[b].Tag
		}

		return verA.LessThan(verB)
	})

	return result, nil
}

// Resolve picks the newest published tag of a package that satisfies the
// given constraint. An empty constraint means "latest".
func (s *Store) Resolve(ctx context.Context, name, constraint string) (*Artifact, error) {
	versions, err := s.Versions(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, eris.Errorf("no published version of %s", name)
	}

	if constraint == "" || constraint == "*" {
		return versions[len(versions)-1], nil
	}

	parsed, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid constraint %q", constraint)
	}

	for idx := len(versions) - 1; idx >= 0; idx-- {
		ver, err := semver.NewVersion(versions[idx].Tag)
		if err != nil {
			continue
		}

		if parsed.Check(ver) {
			return versions[idx], nil
		}
	}

	return nil, eris.Errorf("no published version of %s satisfies %s", name, constraint)
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return eris.Wrapf(err, "failed to create %s", filepath.Dir(dest))
	}

	source, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", src)
	}
	defer source.Close()

	target, err := os.Create(dest)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", dest)
	}

	if _, err := io.Copy(target, source); err != nil {
		target.Close()
		return eris.Wrapf(err, "failed to copy %s", src)
	}

	return eris.Wrapf(target.Close(), "failed to close %s", dest)
}
