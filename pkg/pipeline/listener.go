package pipeline

import "github.com/rotisserie/eris"

// DocData is the per-doc slice of an embedder broadcast: the pieces that were
// cut from the doc and one vector per piece.
type DocData struct {
	Pieces  []Piece
	Vectors [][]float32
}

// Listener receives embedder output for downstream components. A listener
// never computes anything itself; it holds the data of the last batch along
// with the batch ID so consumers can detect when they are fed a batch the
// upstream component never saw.
type Listener struct {
	name     string
	upstream string
	batchID  uint64
	outputs  []DocData
	received bool
}

// Name returns the listener name.
func (l *Listener) Name() string { return l.name }

// Upstream returns the name of the component this listener is wired to.
func (l *Listener) Upstream() string { return l.upstream }

// Receive stores a broadcast batch.
func (l *Listener) Receive(batchID uint64, outputs []DocData) {
	l.batchID = batchID
	l.outputs = outputs
	l.received = true
}

// Consume returns the stored batch after verifying it matches the given docs.
func (l *Listener) Consume(docs []*Doc) ([]DocData, error) {
	if !l.received {
		return nil, eris.Errorf("listener %s has not received any batch", l.name)
	}

	id := BatchID(docs)
	if id != l.batchID {
		return nil, eris.Errorf("listener %s: mismatched batch id %d, want %d", l.name, id, l.batchID)
	}

	return l.outputs, nil
}
