package notedoc

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/automerge/automerge-go"
)

// automerge binary chunk framing: magic, checksum, type, uleb length, body.
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkDocument   = 0
	chunkChange     = 1
	chunkCompressed = 2
)

// Delta is an encoded batch of automerge changes.
type Delta struct {
	Raw []byte

	// hashes of the uncompressed change chunks in Raw
	hashes []automerge.ChangeHash
}

// EncodeDelta encodes changes for the wire. An empty batch encodes to an
// empty payload.
func EncodeDelta(changes []*automerge.Change) Delta {
	if len(changes) == 0 {
		return Delta{}
	}
	d := Delta{Raw: automerge.SaveChanges(changes), hashes: make([]automerge.ChangeHash, len(changes))}
	for i, c := range changes {
		d.hashes[i] = c.Hash()
	}
	return d
}

// DecodeDelta checks the chunk framing and checksums of raw. Changes are
// not required to be causally complete: a change whose dependencies are
// missing is held back by the receiving document until they arrive.
func DecodeDelta(raw []byte) (Delta, error) {
	if len(raw) == 0 {
		return Delta{}, nil
	}
	d := Delta{Raw: raw}
	for rest := raw; len(rest) > 0; {
		if len(rest) < len(chunkMagic)+4+1 || !bytes.Equal(rest[:len(chunkMagic)], chunkMagic) {
			return Delta{}, fmt.Errorf("%w: bad chunk header", ErrMalformed)
		}
		checksum := rest[4:8]
		typ := rest[8]
		length, read := binary.Uvarint(rest[9:])
		if read <= 0 || length > uint64(len(rest)-9-read) {
			return Delta{}, fmt.Errorf("%w: bad chunk length", ErrMalformed)
		}
		end := 9 + read + int(length)
		switch typ {
		case chunkChange:
			sum := sha256.Sum256(rest[8:end])
			if !bytes.Equal(sum[:4], checksum) {
				return Delta{}, fmt.Errorf("%w: chunk checksum mismatch", ErrMalformed)
			}
			d.hashes = append(d.hashes, automerge.ChangeHash(sum))
		case chunkDocument, chunkCompressed:
		default:
			return Delta{}, fmt.Errorf("%w: unknown chunk type %d", ErrMalformed, typ)
		}
		rest = rest[end:]
	}
	return d, nil
}

func (d Delta) Empty() bool { return len(d.Raw) == 0 }

// Len is the number of uncompressed changes in the delta.
func (d Delta) Len() int { return len(d.hashes) }

// Contains reports whether the delta carries the change with hash h.
// Changes inside compressed or document chunks are not reported.
func (d Delta) Contains(h automerge.ChangeHash) bool {
	for _, x := range d.hashes {
		if x == h {
			return true
		}
	}
	return false
}

// Apply merges the delta into doc. The payload is loaded into a fork first
// so one that automerge refuses leaves doc untouched.
func (d Delta) Apply(doc *automerge.Doc) error {
	_, err := Merge(doc, d)
	return err
}

// Merge applies d to doc and returns every change that entered doc's
// history as a result. That includes changes held back by earlier deltas
// whose missing dependencies d supplied, and excludes changes of d that
// are still waiting on theirs.
func Merge(doc *automerge.Doc, d Delta) ([]*automerge.Change, error) {
	if d.Empty() {
		return nil, nil
	}
	before := doc.Heads()
	fork, err := doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork doc: %w", err)
	}
	if err := fork.LoadIncremental(d.Raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := doc.LoadIncremental(d.Raw); err != nil {
		return nil, fmt.Errorf("failed to apply changes: %w", err)
	}
	applied, err := doc.Changes(before...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect changes: %w", err)
	}
	return applied, nil
}
