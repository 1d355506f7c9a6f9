package pipeline_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryci/gantry/pkg/pipeline"
)

func TestNewModelValidatesRowWidth(t *testing.T) {
	t.Parallel()

	_, err := pipeline.NewModel(2, [][]float32{{1, 2}, {3}}, [][]float32{{0, 0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "width")

	_, err = pipeline.NewModel(2, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestEmbedUsesVocabRowsAndBuckets(t *testing.T) {
	t.Parallel()

	model, err := pipeline.NewModel(2,
		[][]float32{{1, 1}, {2, 2}},
		[][]float32{{9, 9}},
	)
	require.NoError(t, err)

	vectors := model.Embed([]pipeline.Piece{
		{Text: "known", ID: 1},
		{Text: "missing", ID: -1},
	})

	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{2, 2}, vectors[0])
	// Out-of-vocab pieces land in the single bucket.
	assert.Equal(t, []float32{9, 9}, vectors[1])
}

func TestModelRoundTrip(t *testing.T) {
	t.Parallel()

	model, err := pipeline.NewModel(3,
		[][]float32{{0.25, -1, 2}, {3, 4, 5}},
		[][]float32{{-0.5, 0, 0.5}, {1, 1, 1}},
	)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "weights.bin")
	require.NoError(t, pipeline.WriteModel(path, model))

	loaded, err := pipeline.ReadModel(path)
	require.NoError(t, err)

	assert.Equal(t, 3, loaded.Width())
	assert.Equal(t, 2, loaded.Rows())
	assert.Equal(t, []float32{3, 4, 5}, loaded.Embed([]pipeline.Piece{{Text: "x", ID: 1}})[0])
	assert.Equal(t, model.Embed([]pipeline.Piece{{Text: "oov", ID: -1}}), loaded.Embed([]pipeline.Piece{{Text: "oov", ID: -1}}))
}

func TestReadModelRejectsForeignFiles(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "weights.bin")
	require.NoError(t, os.WriteFile(path, []byte("definitely not weights"), 0o600))

	_, err := pipeline.ReadModel(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")
}
