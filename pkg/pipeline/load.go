package pipeline

import (
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"
)

// Load reads a package directory and returns a runnable pipeline. The
// manifest's engine constraint is checked against EngineVersion so packages
// built for an incompatible runtime fail to load instead of misbehaving.
func Load(dir string) (*Pipeline, error) {
	meta, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	if err := checkEngineConstraint(meta); err != nil {
		return nil, err
	}

	vocab, err := ReadVocab(filepath.Join(dir, meta.Vocab))
	if err != nil {
		return nil, err
	}

	model, err := ReadModel(filepath.Join(dir, meta.Weights))
	if err != nil {
		return nil, err
	}

	pipe, err := New(meta, vocab, model)
	return pipe, eris.Wrapf(err, "package %s is inconsistent", meta.Name)
}

// Validate lints a package directory without building the pipeline state.
// This is the static check stage: manifest shape, vocab duplicates and
// weight table dimensions.
func Validate(dir string) error {
	meta, err := ReadManifest(dir)
	if err != nil {
		return err
	}

	if err := checkEngineConstraint(meta); err != nil {
		return err
	}

	vocab, err := ReadVocab(filepath.Join(dir, meta.Vocab))
	if err != nil {
		return err
	}

	model, err := ReadModel(filepath.Join(dir, meta.Weights))
	if err != nil {
		return err
	}

	if model.Width() != meta.Width {
		return eris.Errorf("weights width %d does not match manifest width %d", model.Width(), meta.Width)
	}
	if model.Rows() != vocab.Len() {
		return eris.Errorf("weights cover %d vocab rows but the vocab has %d entries", model.Rows(), vocab.Len())
	}

	return nil
}

func checkEngineConstraint(meta *Manifest) error {
	if meta.Engine == "" {
		return nil
	}

	constraint, err := semver.NewConstraint(meta.Engine)
	if err != nil {
		return eris.Wrapf(err, "invalid engine constraint %q", meta.Engine)
	}

	current, err := semver.NewVersion(EngineVersion)
	if err != nil {
		return eris.Wrap(err, "invalid engine version")
	}

	if !constraint.Check(current) {
		return eris.Errorf("package %s requires engine %s but this engine is %s",
			meta.Name, meta.Engine, EngineVersion)
	}

	return nil
}
