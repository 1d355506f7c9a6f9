// Package artifact packs pipeline packages into compressed tar archives and
// unpacks them again. Archives are what the registry stores and what install
// steps consume; the dist helpers enforce the one-archive-per-build rule.
package artifact

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"

	"github.com/gantryci/gantry/pkg/glog"
	"github.com/gantryci/gantry/pkg/pipeline"
)

// Codec selects the compression applied around the tar stream.
type Codec string

const (
	CodecXZ     Codec = "xz"
	CodecBrotli Codec = "br"
)

// Ext returns the canonical archive suffix for this codec.
func (c Codec) Ext() string {
	return ".tar." + string(c)
}

// CodecForPath derives the codec from an archive filename.
func CodecForPath(path string) (Codec, error) {
	switch {
	case strings.HasSuffix(path, CodecXZ.Ext()):
		return CodecXZ, nil
	case strings.HasSuffix(path, CodecBrotli.Ext()):
		return CodecBrotli, nil
	default:
		return "", eris.Errorf("unsupported archive type %s", filepath.Base(path))
	}
}

func (c Codec) newWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CodecXZ:
		xw, err := xz.NewWriter(w)
		return xw, eris.Wrap(err, "failed to init xz writer")
	case CodecBrotli:
		return brotli.NewWriterLevel(w, brotli.BestCompression), nil
	default:
		return nil, eris.Errorf("unknown codec %s", c)
	}
}

func (c Codec) newReader(r io.Reader) (io.Reader, error) {
	switch c {
	case CodecXZ:
		xr, err := xz.NewReader(r)
		return xr, eris.Wrap(err, "failed to init xz reader")
	case CodecBrotli:
		return brotli.NewReader(r), nil
	default:
		return nil, eris.Errorf("unknown codec %s", c)
	}
}

// Info describes a finished archive.
type Info struct {
	Path     string
	Size     int64
	Files    int
	Checksum string
}

func getProgressBar(length int64, desc string) *progressbar.ProgressBar {
	if os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

// Pack archives the contents of srcDir into destPath. The codec is derived
// from the destination suffix and entry names are stored relative to srcDir
// so archives unpack into a clean directory.
func Pack(ctx context.Context, srcDir, destPath string) (*Info, error) {
	var total int64
	err := filepath.WalkDir(srcDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		fi, err := entry.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to scan %s", srcDir)
	}

	codec, err := CodecForPath(destPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", filepath.Dir(destPath))
	}

	hdl, err := os.Create(destPath)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", destPath)
	}
	defer hdl.Close()

	hash := sha256.New()
	cw, err := codec.newWriter(io.MultiWriter(hdl, hash))
	if err != nil {
		return nil, err
	}

	bar := getProgressBar(total, "Packing "+filepath.Base(destPath))
	archive := tar.NewWriter(cw)
	buf := make([]byte, 4096)
	count := 0

	err = filepath.WalkDir(srcDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return eris.Wrapf(err, "failed to resolve %s", path)
		}

		fi, err := entry.Info()
		if err != nil {
			return eris.Wrapf(err, "failed to stat %s", path)
		}

		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return eris.Wrapf(err, "failed to describe %s", path)
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.ModTime = fi.ModTime().Truncate(time.Second)

		if err := archive.WriteHeader(hdr); err != nil {
			return eris.Wrapf(err, "failed to write entry %s", hdr.Name)
		}

		src, err := os.Open(path)
		if err != nil {
			return eris.Wrapf(err, "failed to open %s", path)
		}
		defer src.Close()

		if _, err := io.CopyBuffer(io.MultiWriter(archive, bar), src, buf); err != nil {
			return eris.Wrapf(err, "failed to archive %s", path)
		}

		count++
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := archive.Close(); err != nil {
		return nil, eris.Wrap(err, "failed to finish archive")
	}
	if err := cw.Close(); err != nil {
		return nil, eris.Wrap(err, "failed to finish compression")
	}
	if err := hdl.Close(); err != nil {
		return nil, eris.Wrapf(err, "failed to close %s", destPath)
	}

	fi, err := os.Stat(destPath)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to stat %s", destPath)
	}

	glog.Log(ctx).Debug().
		Str("archive", destPath).
		Int("files", count).
		Int64("size", fi.Size()).
		Msg("Packed archive")

	return &Info{
		Path:     destPath,
		Size:     fi.Size(),
		Files:    count,
		Checksum: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// Unpack extracts an archive into destDir. Entries that would escape the
// destination are rejected.
func Unpack(ctx context.Context, archivePath, destDir string) error {
	codec, err := CodecForPath(archivePath)
	if err != nil {
		return err
	}

	hdl, err := os.Open(archivePath)
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", archivePath)
	}
	defer hdl.Close()

	fi, err := hdl.Stat()
	if err != nil {
		return eris.Wrapf(err, "failed to stat %s", archivePath)
	}

	cr, err := codec.newReader(hdl)
	if err != nil {
		return err
	}

	bar := getProgressBar(fi.Size(), "Unpacking "+filepath.Base(archivePath))
	archive := tar.NewReader(cr)
	buf := make([]byte, 4096)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return eris.Wrap(err, "failed to read archive entry")
		}

		dest, err := sanitizedDest(destDir, item.Name)
		if err != nil {
			return err
		}

		info := item.FileInfo()
		if info.IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return eris.Wrapf(err, "failed to create %s", dest)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return eris.Wrapf(err, "failed to create %s", filepath.Dir(dest))
		}

		if item.Typeflag == tar.TypeSymlink {
			if err := os.Symlink(item.Linkname, dest); err != nil {
				return eris.Wrapf(err, "failed to create symlink %s pointing to %s", dest, item.Linkname)
			}
			continue
		}

		destHandle, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return eris.Wrapf(err, "failed to create %s", dest)
		}

		if _, err := io.CopyBuffer(destHandle, archive, buf); err != nil {
			destHandle.Close()
			return eris.Wrapf(err, "failed to write extracted file %s", dest)
		}

		if err := destHandle.Close(); err != nil {
			return eris.Wrapf(err, "failed to close %s", dest)
		}

		if pos, err := hdl.Seek(0, io.SeekCurrent); err == nil {
			bar.Set64(pos)
		}
	}

	glog.Log(ctx).Debug().
		Str("archive", archivePath).
		Str("dest", destDir).
		Msg("Unpacked archive")

	return nil
}

// PeekManifest reads the package manifest out of an archive without
// unpacking the rest.
func PeekManifest(archivePath string) (*pipeline.Manifest, error) {
	codec, err := CodecForPath(archivePath)
	if err != nil {
		return nil, err
	}

	hdl, err := os.Open(archivePath)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open %s", archivePath)
	}
	defer hdl.Close()

	cr, err := codec.newReader(hdl)
	if err != nil {
		return nil, err
	}

	archive := tar.NewReader(cr)
	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				return nil, eris.Errorf("%s does not contain a %s", archivePath, pipeline.ManifestName)
			}
			return nil, eris.Wrap(err, "failed to read archive entry")
		}

		if filepath.Clean(filepath.FromSlash(item.Name)) != pipeline.ManifestName {
			continue
		}

		content, err := io.ReadAll(archive)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read %s", pipeline.ManifestName)
		}

		meta, err := pipeline.DecodeManifest(content)
		return meta, eris.Wrapf(err, "archive %s", archivePath)
	}
}

func sanitizedDest(destDir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", eris.Errorf("archive entry %s escapes the destination", name)
	}

	return filepath.Join(destDir, clean), nil
}

// Checksum returns the hex-encoded SHA256 sum of the given file.
func Checksum(path string) (string, error) {
	hdl, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "failed to open %s", path)
	}
	defer hdl.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, hdl); err != nil {
		return "", eris.Wrapf(err, "failed to read %s", path)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
