package pipeline

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/rotisserie/eris"
)

// Weight files start with this magic followed by a format version.
var weightsMagic = [4]byte{'G', 'N', 'T', 'W'}

const weightsFormatVersion = 1

// Model is a frozen embedding table: one row per vocab entry plus a block of
// hash buckets that catches out-of-vocab pieces.
type Model struct {
	width   int
	rows    [][]float32
	buckets [][]float32
}

// NewModel assembles a model and checks that every row has the same width.
func NewModel(width int, rows, buckets [][]float32) (*Model, error) {
	if width <= 0 {
		return nil, eris.Errorf("invalid model width %d", width)
	}
	if len(buckets) == 0 {
		return nil, eris.New("model needs at least one hash bucket")
	}
	for idx, row := range rows {
		if len(row) != width {
			return nil, eris.Errorf("vocab row %d has width %d, want %d", idx, len(row), width)
		}
	}
	for idx, row := range buckets {
		if len(row) != width {
			return nil, eris.Errorf("bucket row %d has width %d, want %d", idx, len(row), width)
		}
	}

	return &Model{width: width, rows: rows, buckets: buckets}, nil
}

// Width returns the embedding width.
func (m *Model) Width() int { return m.width }

// Rows returns the number of vocab rows.
func (m *Model) Rows() int { return len(m.rows) }

// Embed returns one vector per piece. Pieces with a vocab ID use their row
// directly; everything else falls into a bucket picked by the piece hash.
func (m *Model) Embed(pieces []Piece) [][]float32 {
	out := make([][]float32, len(pieces))
	for idx, piece := range pieces {
		if piece.ID >= 0 && piece.ID < len(m.rows) {
			out[idx] = m.rows[piece.ID]
			continue
		}
		bucket := HashString(piece.Text) % uint64(len(m.buckets))
		out[idx] = m.buckets[bucket]
	}

	return out
}

// WriteModel serializes a model into the binary weights format.
func WriteModel(path string, m *Model) error {
	hdl, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", path)
	}
	defer hdl.Close()

	w := bufio.NewWriter(hdl)
	if _, err := w.Write(weightsMagic[:]); err != nil {
		return eris.Wrap(err, "failed to write header")
	}

	header := []uint32{weightsFormatVersion, uint32(len(m.rows)), uint32(len(m.buckets)), uint32(m.width)}
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return eris.Wrap(err, "failed to write header")
		}
	}

	for _, block := range [][][]float32{m.rows, m.buckets} {
		for _, row := range block {
			if err := binary.Write(w, binary.LittleEndian, row); err != nil {
				return eris.Wrap(err, "failed to write weights")
			}
		}
	}

	return eris.Wrap(w.Flush(), "failed to flush weights")
}

// ReadModel loads a weights file written by WriteModel.
func ReadModel(path string) (*Model, error) {
	hdl, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open %s", path)
	}
	defer hdl.Close()

	return readModel(bufio.NewReader(hdl))
}

func readModel(r io.Reader) (*Model, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, eris.Wrap(err, "failed to read weights header")
	}
	if magic != weightsMagic {
		return nil, eris.New("not a weights file (bad magic)")
	}

	var version, rows, buckets, width uint32
	for _, field := range []*uint32{&version, &rows, &buckets, &width} {
		if err := binary.Read(r, binary.LittleEndian, field); err != nil {
			return nil, eris.Wrap(err, "failed to read weights header")
		}
	}
	if version != weightsFormatVersion {
		return nil, eris.Errorf("unsupported weights format version %d", version)
	}
	if width == 0 || buckets == 0 {
		return nil, eris.New("weights header describes an empty model")
	}

	readBlock := func(count uint32) ([][]float32, error) {
		block := make([][]float32, count)
		for idx := range block {
			row := make([]float32, width)
			if err := binary.Read(r, binary.LittleEndian, row); err != nil {
				return nil, eris.Wrapf(err, "failed to read weight row %d", idx)
			}
			block[idx] = row
		}
		return block, nil
	}

	rowBlock, err := readBlock(rows)
	if err != nil {
		return nil, err
	}
	bucketBlock, err := readBlock(buckets)
	if err != nil {
		return nil, err
	}

	return NewModel(int(width), rowBlock, bucketBlock)
}
