package pipeline

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// WritePackage materializes a complete package directory: manifest, vocab
// file and weights. Used by the scaffold command and by tests that need a
// loadable package on disk.
func WritePackage(dir string, meta *Manifest, vocab []string, model *Model) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "failed to create %s", dir)
	}

	if err := WriteManifest(dir, meta); err != nil {
		return err
	}

	vocabPath := filepath.Join(dir, meta.Vocab)
	content := strings.Join(vocab, "\n") + "\n"
	if err := os.WriteFile(vocabPath, []byte(content), 0o644); err != nil {
		return eris.Wrapf(err, "failed to write %s", vocabPath)
	}

	return WriteModel(filepath.Join(dir, meta.Weights), model)
}

// ScaffoldPackage writes a small demo package that loads and processes text
// out of the box.
func ScaffoldPackage(dir, name, version string) error {
	vocab := []string{
		UnknownPiece,
		"test", "the", "cat", "sat", "on", "mat", "hello", "world",
		"to", "ken", "##s", "##ing", ".", ",",
	}

	width := 4
	rows := make([][]float32, len(vocab))
	for idx := range rows {
		row := make([]float32, width)
		for col := range row {
			row[col] = float32(idx+1) / float32(col+2)
		}
		rows[idx] = row
	}
	buckets := [][]float32{
		{0.1, 0.1, 0.1, 0.1},
		{0.2, 0.2, 0.2, 0.2},
	}

	model, err := NewModel(width, rows, buckets)
	if err != nil {
		return err
	}

	meta := &Manifest{
		Name:         name,
		Version:      version,
		Engine:       ">=1.0.0 <2.0.0",
		Description:  "scaffolded demo package",
		MaxBatchSize: 8,
		Width:        width,
		Vocab:        "vocab.txt",
		Weights:      "weights.bin",
	}

	return WritePackage(dir, meta, vocab, model)
}
