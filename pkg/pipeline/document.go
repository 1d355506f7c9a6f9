package pipeline

import "hash/fnv"

// Token is a single linguistic token with byte offsets into the source text.
type Token struct {
	Text  string
	Start int
	End   int
	Hash  uint64
}

// Piece is a subword unit produced by the segmenter. TokenIndex points at the
// token the piece was cut from; ID is the vocab row or -1 for out-of-vocab
// pieces, which are embedded through the hash buckets instead.
type Piece struct {
	Text       string
	ID         int
	Start      int
	End        int
	TokenIndex int
}

// Doc is a processed document. TokenVectors is filled in by the pipeline:
// every token receives the sum of the vectors of the pieces aligned to it.
type Doc struct {
	Text         string
	Tokens       []Token
	Pieces       []Piece
	PieceVectors [][]float32
	TokenVectors [][]float32
}

// Annotated reports whether the pipeline has assigned token vectors.
func (d *Doc) Annotated() bool {
	return d.TokenVectors != nil && len(d.TokenVectors) == len(d.Tokens)
}

// HashString returns the FNV-1a hash used for token and piece identities.
func HashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// BatchID derives an identity for a batch of docs from the token hashes. The
// embedder stamps its broadcast with this ID and listeners refuse data
// computed for a different batch.
func BatchID(docs []*Doc) uint64 {
	var id uint64
	for _, doc := range docs {
		for _, tok := range doc.Tokens {
			id += tok.Hash
		}
	}

	return id
}
