package notedoc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

// ErrMalformed is returned for state vectors and deltas that cannot be
// decoded.
var ErrMalformed = errors.New("notedoc: malformed payload")

const hashSize = len(automerge.ChangeHash{})

// StateVector summarises which changes a replica has seen: its heads.
type StateVector []automerge.ChangeHash

// StateVectorOf returns the current state vector of doc.
func StateVectorOf(doc *automerge.Doc) StateVector {
	return StateVector(doc.Heads())
}

// Encode writes the vector as a uvarint count followed by raw hashes.
func (sv StateVector) Encode() []byte {
	out := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(sv)*hashSize), uint64(len(sv)))
	for _, h := range sv {
		out = append(out, h[:]...)
	}
	return out
}

// DecodeStateVector is the inverse of StateVector.Encode.
func DecodeStateVector(raw []byte) (StateVector, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	n, read := binary.Uvarint(raw)
	if read <= 0 {
		return nil, fmt.Errorf("%w: bad state vector length", ErrMalformed)
	}
	raw = raw[read:]
	if n > uint64(len(raw)/hashSize) || uint64(len(raw)) != n*uint64(hashSize) {
		return nil, fmt.Errorf("%w: state vector has %d bytes for %d hashes", ErrMalformed, len(raw), n)
	}
	sv := make(StateVector, n)
	for i := range sv {
		copy(sv[i][:], raw[i*hashSize:(i+1)*hashSize])
	}
	return sv, nil
}

// Missing returns the changes doc holds that a replica at sv has not seen.
// When sv names hashes doc does not know, every change is returned; the
// surplus is harmless because applying a change twice is a no-op.
func Missing(doc *automerge.Doc, sv StateVector) ([]*automerge.Change, error) {
	changes, err := doc.Changes(sv...)
	if err == nil {
		return changes, nil
	}
	all, allErr := doc.Changes()
	if allErr != nil {
		return nil, fmt.Errorf("failed to collect changes: %w", allErr)
	}
	return all, nil
}
