// Package notedoc holds the automerge document conventions shared by the
// server rooms and the sync clients: the note schema, the deterministic
// seed every replica starts from, state vectors and deltas.
//
// A note is a root map whose "content" key holds an automerge Text. Every
// replica creates that Text with a byte-identical seed change, so two
// clients that edit a brand new note concurrently insert into the same
// object instead of racing to create it.
//
// Concurrent inserts at the same position are ordered by automerge's RGA
// rule: by Lamport operation id (counter, then actor id), greater id first.
// That order is the same on every replica, which is what makes the merged
// text byte-identical everywhere.
package notedoc

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

const (
	// ContentKey is the root map key of the note text.
	ContentKey = "content"

	seedActor   = "00000000000000000000000000000000"
	seedMessage = "notesync: init"
)

var seedTime = time.Unix(0, 0).UTC()

// New returns an empty note document with a fresh random actor.
func New() (*automerge.Doc, error) {
	return NewWithActor(RandomActor())
}

// NewWithActor returns an empty note document whose subsequent changes are
// authored by actor (hex encoded).
func NewWithActor(actor string) (*automerge.Doc, error) {
	doc := automerge.New()
	if err := doc.SetActorID(seedActor); err != nil {
		return nil, fmt.Errorf("failed to set seed actor: %w", err)
	}
	if err := doc.Path(ContentKey).Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("failed to create content: %w", err)
	}
	if _, err := doc.Commit(seedMessage, automerge.CommitOptions{Time: &seedTime}); err != nil {
		return nil, fmt.Errorf("failed to commit seed: %w", err)
	}
	if err := doc.SetActorID(actor); err != nil {
		return nil, fmt.Errorf("failed to set actor: %w", err)
	}
	return doc, nil
}

// Load decodes a saved document and gives it a fresh actor so that any
// change made through it never collides with the original author's
// sequence numbers.
func Load(raw []byte) (*automerge.Doc, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	if err := doc.SetActorID(RandomActor()); err != nil {
		return nil, fmt.Errorf("failed to set actor: %w", err)
	}
	return doc, nil
}

// RandomActor returns a hex encoded random actor id.
func RandomActor() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Text returns the plain-text projection of the note.
func Text(doc *automerge.Doc) (string, error) {
	v, err := doc.Path(ContentKey).Get()
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	if v.Kind() != automerge.KindText {
		return "", nil
	}
	return v.Text().Get()
}

// Insert inserts s at pos in the note text, commits, and returns the delta
// describing the edit.
func Insert(doc *automerge.Doc, pos int, s string) (Delta, error) {
	before := doc.Heads()
	if err := doc.Path(ContentKey).Text().Insert(pos, s); err != nil {
		return Delta{}, fmt.Errorf("failed to insert: %w", err)
	}
	return commitSince(doc, before, "insert")
}

// Delete removes n characters starting at pos and returns the delta.
func Delete(doc *automerge.Doc, pos, n int) (Delta, error) {
	before := doc.Heads()
	if err := doc.Path(ContentKey).Text().Delete(pos, n); err != nil {
		return Delta{}, fmt.Errorf("failed to delete: %w", err)
	}
	return commitSince(doc, before, "delete")
}

func commitSince(doc *automerge.Doc, before []automerge.ChangeHash, msg string) (Delta, error) {
	if _, err := doc.Commit(msg); err != nil {
		return Delta{}, fmt.Errorf("failed to commit: %w", err)
	}
	changes, err := doc.Changes(before...)
	if err != nil {
		return Delta{}, fmt.Errorf("failed to collect changes: %w", err)
	}
	return EncodeDelta(changes), nil
}
