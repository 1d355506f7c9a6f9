package pipeline

import (
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// ManifestName is the file every pipeline package must carry at its root.
const ManifestName = "manifest.yml"

// Manifest describes a pipeline package: identity, the engine versions it
// supports, its runtime dependencies and the files that make up the model.
type Manifest struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Engine       string   `yaml:"engine"`
	Description  string   `yaml:"description,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	MaxBatchSize int      `yaml:"max_batch_size"`
	Width        int      `yaml:"width"`
	Vocab        string   `yaml:"vocab"`
	Weights      string   `yaml:"weights"`
}

// DecodeManifest parses and checks raw manifest content.
func DecodeManifest(content []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(content, &m); err != nil {
		return nil, eris.Wrap(err, "failed to parse manifest")
	}

	if err := m.Check(); err != nil {
		return nil, eris.Wrap(err, "invalid manifest")
	}

	return &m, nil
}

// ReadManifest loads and checks the manifest of a package directory.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}

	m, err := DecodeManifest(content)
	return m, eris.Wrapf(err, "failed to load %s", path)
}

// WriteManifest stores the manifest into a package directory.
func WriteManifest(dir string, m *Manifest) error {
	if err := m.Check(); err != nil {
		return err
	}

	content, err := yaml.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "failed to encode manifest")
	}

	path := filepath.Join(dir, ManifestName)
	return eris.Wrapf(os.WriteFile(path, content, 0o644), "failed to write %s", path)
}

// Check validates the manifest fields that do not require file access.
func (m *Manifest) Check() error {
	if m.Name == "" {
		return eris.New("name must be set")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return eris.Wrapf(err, "invalid version %q", m.Version)
	}
	if m.Engine != "" {
		if _, err := semver.NewConstraint(m.Engine); err != nil {
			return eris.Wrapf(err, "invalid engine constraint %q", m.Engine)
		}
	}
	if m.MaxBatchSize < 1 {
		return eris.Errorf("max_batch_size must be at least 1, got %d", m.MaxBatchSize)
	}
	if m.Width < 1 {
		return eris.Errorf("width must be at least 1, got %d", m.Width)
	}
	if m.Vocab == "" || m.Weights == "" {
		return eris.New("vocab and weights files must be set")
	}

	return nil
}

// SemVersion returns the parsed package version.
func (m *Manifest) SemVersion() (*semver.Version, error) {
	ver, err := semver.NewVersion(m.Version)
	return ver, eris.Wrapf(err, "invalid version %q", m.Version)
}
