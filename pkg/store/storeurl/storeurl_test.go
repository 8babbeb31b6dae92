package storeurl

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/astromechza/notesync/pkg/store"
	"github.com/astromechza/notesync/pkg/store/memory"
	"github.com/astromechza/notesync/pkg/store/sqlite"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, "mem://", "")
	if err != nil {
		t.Fatalf("mem: %v", err)
	}
	if _, ok := b.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", b)
	}

	path := filepath.Join(t.TempDir(), "x.sqlite3")
	b, err = Open(ctx, "sqlite://"+path, "")
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*sqlite.Store); !ok {
		t.Fatalf("expected sqlite store, got %T", b)
	}

	for _, bad := range []string{"nope", "ftp://x", "sqlite://"} {
		if _, err := Open(ctx, bad, ""); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSplitRoutesSnapshots(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "x.sqlite3"), "mem://")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	if err := b.SaveSnapshot(ctx, store.Snapshot{NoteID: "n", State: []byte{1}, Text: "t"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := b.LoadSnapshot(ctx, "n"); err != nil {
		t.Fatalf("load: %v", err)
	}
	// access records still come from sqlite
	if err := b.PutNote(ctx, "n", "alice", true); err != nil {
		t.Fatalf("put note: %v", err)
	}
	if facts, err := b.NoteAccess(ctx, "n", "bob"); err != nil || !facts.Public {
		t.Fatalf("unexpected %+v %v", facts, err)
	}
}
