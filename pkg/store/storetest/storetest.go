// Package storetest is the conformance suite every store backend runs.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/astromechza/notesync/pkg/access"
	"github.com/astromechza/notesync/pkg/notedoc"
	"github.com/astromechza/notesync/pkg/store"
)

// RunSnapshots exercises a SnapshotStore.
func RunSnapshots(t *testing.T, s store.SnapshotStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		if _, err := s.LoadSnapshot(ctx, "never-saved"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		doc, err := notedoc.New()
		if err != nil {
			t.Fatalf("new doc: %v", err)
		}
		if _, err := notedoc.Insert(doc, 0, "Hello, wörld"); err != nil {
			t.Fatalf("insert: %v", err)
		}
		text, err := notedoc.Text(doc)
		if err != nil {
			t.Fatalf("text: %v", err)
		}
		if err := s.SaveSnapshot(ctx, store.Snapshot{NoteID: "rt", State: doc.Save(), Text: text}); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, err := s.LoadSnapshot(ctx, "rt")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.NoteID != "rt" || got.Text != "Hello, wörld" {
			t.Fatalf("unexpected snapshot %q %q", got.NoteID, got.Text)
		}
		reloaded, err := notedoc.Load(got.State)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if rt, _ := notedoc.Text(reloaded); rt != text {
			t.Fatalf("reloaded text %q, want %q", rt, text)
		}
	})

	t.Run("overwrite keeps latest", func(t *testing.T) {
		for i, text := range []string{"one", "two", "three"} {
			if err := s.SaveSnapshot(ctx, store.Snapshot{NoteID: "ow", State: []byte{byte(i)}, Text: text}); err != nil {
				t.Fatalf("save %d: %v", i, err)
			}
		}
		got, err := s.LoadSnapshot(ctx, "ow")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.Text != "three" || len(got.State) != 1 || got.State[0] != 2 {
			t.Fatalf("expected last write, got %q %v", got.Text, got.State)
		}
	})
}

// RunBackend exercises snapshots, sessions and note access.
func RunBackend(t *testing.T, b store.Backend) {
	t.Helper()
	RunSnapshots(t, b)
	ctx := context.Background()

	t.Run("sessions", func(t *testing.T) {
		expires := time.Unix(2_000_000_000, 0).UTC()
		if err := b.PutSession(ctx, "secret-token", "alice", expires); err != nil {
			t.Fatalf("put session: %v", err)
		}
		s, err := b.LookupSession(ctx, access.HashToken("secret-token"))
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if s.UserID != "alice" || !s.ExpiresAt.Equal(expires) {
			t.Fatalf("unexpected session %+v", s)
		}
		if _, err := b.LookupSession(ctx, "secret-token"); !errors.Is(err, access.ErrNoRecord) {
			t.Fatalf("raw tokens must not be stored, got %v", err)
		}
	})

	t.Run("note access", func(t *testing.T) {
		if err := b.PutNote(ctx, "n1", "alice", false); err != nil {
			t.Fatalf("put note: %v", err)
		}
		if err := b.Share(ctx, "n1", "bob", access.Read); err != nil {
			t.Fatalf("share: %v", err)
		}
		if err := b.Share(ctx, "n1", "bob", access.Edit); err != nil {
			t.Fatalf("reshare: %v", err)
		}
		facts, err := b.NoteAccess(ctx, "n1", "bob")
		if err != nil {
			t.Fatalf("note access: %v", err)
		}
		if facts.OwnerID != "alice" || facts.Public || facts.Grant != access.Edit {
			t.Fatalf("unexpected facts %+v", facts)
		}
		facts, err = b.NoteAccess(ctx, "n1", "carol")
		if err != nil {
			t.Fatalf("note access: %v", err)
		}
		if facts.Grant != access.Denied {
			t.Fatalf("carol has no grant, got %+v", facts)
		}
		if err := b.PutNote(ctx, "n1", "alice", true); err != nil {
			t.Fatalf("update note: %v", err)
		}
		if facts, _ := b.NoteAccess(ctx, "n1", "carol"); !facts.Public {
			t.Fatalf("note should now be public")
		}
		if _, err := b.NoteAccess(ctx, "missing", "bob"); !errors.Is(err, access.ErrNoRecord) {
			t.Fatalf("expected ErrNoRecord, got %v", err)
		}
	})
}
