// Package pipeline implements the loadable pipeline runtime: versioned
// packages bundling a subword vocab and a frozen embedding table, processed
// into annotated documents. The embedder broadcasts its per-doc output to
// registered listeners so downstream components share one computation per
// batch instead of re-embedding.
package pipeline

import "github.com/rotisserie/eris"

// EngineVersion is the runtime version packages declare compatibility with
// through the manifest's engine constraint.
const EngineVersion = "1.2.0"

// Pipeline processes raw text into annotated docs using a loaded package.
type Pipeline struct {
	Meta      *Manifest
	vocab     *Vocab
	model     *Model
	listeners []*Listener
}

// New assembles a pipeline from its parts. Load is the usual entry point;
// New exists for tests and for callers that build models in memory.
func New(meta *Manifest, vocab *Vocab, model *Model) (*Pipeline, error) {
	if meta == nil || vocab == nil || model == nil {
		return nil, eris.New("meta, vocab and model must all be set")
	}
	if model.Width() != meta.Width {
		return nil, eris.Errorf("model width %d does not match manifest width %d", model.Width(), meta.Width)
	}
	if model.Rows() != vocab.Len() {
		return nil, eris.Errorf("model has %d vocab rows but the vocab has %d entries", model.Rows(), vocab.Len())
	}

	return &Pipeline{Meta: meta, vocab: vocab, model: model}, nil
}

// AddListener wires a new downstream listener to the embedder.
func (p *Pipeline) AddListener(name string) *Listener {
	listener := &Listener{name: name, upstream: p.Meta.Name}
	p.listeners = append(p.listeners, listener)

	return listener
}

// Process runs a single text through the pipeline.
func (p *Pipeline) Process(text string) (*Doc, error) {
	doc := &Doc{Text: text, Tokens: Tokenize(text)}
	if err := p.ProcessBatch([]*Doc{doc}); err != nil {
		return nil, err
	}

	return doc, nil
}

// ProcessBatch segments, embeds and annotates the given docs as one batch.
// An empty batch is a no-op rather than an error.
func (p *Pipeline) ProcessBatch(docs []*Doc) error {
	if len(docs) == 0 {
		return nil
	}

	data := make([]DocData, len(docs))
	for idx, doc := range docs {
		pieces := p.vocab.Segment(doc.Tokens)
		data[idx] = DocData{
			Pieces:  pieces,
			Vectors: p.model.Embed(pieces),
		}
	}

	batchID := BatchID(docs)
	for _, listener := range p.listeners {
		listener.Receive(batchID, data)
	}

	for idx, doc := range docs {
		p.annotate(doc, data[idx])
	}

	return nil
}

// Pipe processes texts in minibatches of at most the manifest's
// max_batch_size, returning docs in input order.
func (p *Pipeline) Pipe(texts []string) ([]*Doc, error) {
	docs := make([]*Doc, len(texts))
	for idx, text := range texts {
		docs[idx] = &Doc{Text: text, Tokens: Tokenize(text)}
	}

	size := p.Meta.MaxBatchSize
	for start := 0; start < len(docs); start += size {
		end := start + size
		if end > len(docs) {
			end = len(docs)
		}
		if err := p.ProcessBatch(docs[start:end]); err != nil {
			return nil, eris.Wrapf(err, "failed to process batch starting at %d", start)
		}
	}

	return docs, nil
}

// annotate stores the embedder output on the doc and pools piece vectors
// into token vectors. When multiple pieces align to the same token, the
// token receives the sum of their values.
func (p *Pipeline) annotate(doc *Doc, data DocData) {
	doc.Pieces = data.Pieces
	doc.PieceVectors = data.Vectors

	width := p.model.Width()
	doc.TokenVectors = make([][]float32, len(doc.Tokens))
	for idx := range doc.TokenVectors {
		doc.TokenVectors[idx] = make([]float32, width)
	}

	for pieceIdx, piece := range data.Pieces {
		if piece.TokenIndex < 0 || piece.TokenIndex >= len(doc.Tokens) {
			continue
		}
		row := doc.TokenVectors[piece.TokenIndex]
		for col, value := range data.Vectors[pieceIdx] {
			row[col] += value
		}
	}
}
