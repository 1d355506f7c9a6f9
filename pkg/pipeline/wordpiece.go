package pipeline

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// ContinuationPrefix marks vocab entries that may only continue a token.
const ContinuationPrefix = "##"

// UnknownPiece is the fallback entry for tokens the vocab cannot cover.
const UnknownPiece = "[UNK]"

// Vocab is an ordered subword vocabulary. Entry order matters because piece
// IDs index into the model's embedding table.
type Vocab struct {
	entries []string
	index   map[string]int
}

// NewVocab builds a vocab from the given entries, rejecting duplicates.
func NewVocab(entries []string) (*Vocab, error) {
	v := &Vocab{
		entries: entries,
		index:   make(map[string]int, len(entries)),
	}

	for idx, entry := range entries {
		if entry == "" {
			return nil, eris.Errorf("vocab entry %d is empty", idx)
		}
		if _, dup := v.index[entry]; dup {
			return nil, eris.Errorf("duplicate vocab entry %q", entry)
		}
		v.index[entry] = idx
	}

	return v, nil
}

// ReadVocab loads a vocab file with one entry per line.
func ReadVocab(path string) (*Vocab, error) {
	hdl, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open vocab %s", path)
	}
	defer hdl.Close()

	return parseVocab(hdl)
}

func parseVocab(r io.Reader) (*Vocab, error) {
	var entries []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entries = append(entries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "failed to read vocab")
	}

	return NewVocab(entries)
}

// Len returns the number of entries.
func (v *Vocab) Len() int { return len(v.entries) }

// Lookup returns the row index of an entry, or -1 when it is unknown.
func (v *Vocab) Lookup(entry string) int {
	idx, ok := v.index[entry]
	if !ok {
		return -1
	}
	return idx
}

// Segment cuts the tokens of a doc into subword pieces using greedy longest
// match. A token the vocab cannot cover at all becomes a single unknown
// piece spanning the whole token, so alignment never loses a token.
func (v *Vocab) Segment(tokens []Token) []Piece {
	pieces := make([]Piece, 0, len(tokens))
	for tokIdx, tok := range tokens {
		pieces = append(pieces, v.segmentToken(tok, tokIdx)...)
	}

	return pieces
}

func (v *Vocab) segmentToken(tok Token, tokIdx int) []Piece {
	text := tok.Text
	var out []Piece
	pos := 0

	for pos < len(text) {
		end := len(text)
		found := -1
		var entry string

		for end > pos {
			candidate := text[pos:end]
			if pos > 0 {
				candidate = ContinuationPrefix + candidate
			}
			if idx := v.Lookup(candidate); idx >= 0 {
				found = idx
				entry = candidate
				break
			}
			end--
		}

		if found < 0 {
			// No prefix matches: the whole token degrades to [UNK].
			return []Piece{{
				Text:       UnknownPiece,
				ID:         v.Lookup(UnknownPiece),
				Start:      tok.Start,
				End:        tok.End,
				TokenIndex: tokIdx,
			}}
		}

		out = append(out, Piece{
			Text:       entry,
			ID:         found,
			Start:      tok.Start + pos,
			End:        tok.Start + end,
			TokenIndex: tokIdx,
		})
		pos = end
	}

	return out
}
