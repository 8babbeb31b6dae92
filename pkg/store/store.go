// Package store defines the persistence collaborators of the sync engine:
// note snapshots, and the session and sharing records the access gate
// reads. Backends live in the sub-packages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/astromechza/notesync/pkg/access"
)

// ErrNotFound is returned when a note has no snapshot.
var ErrNotFound = errors.New("store: not found")

// Snapshot is the full encoded document plus its plain-text projection.
// Both are always written together.
type Snapshot struct {
	NoteID  string
	State   []byte
	Text    string
	SavedAt time.Time
}

type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, noteID string) (Snapshot, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
}

// Admin writes the records normally owned by the note service. The sync
// engine itself never calls it; tests and the admin command do.
type Admin interface {
	PutSession(ctx context.Context, token, userID string, expiresAt time.Time) error
	PutNote(ctx context.Context, noteID, ownerID string, public bool) error
	Share(ctx context.Context, noteID, userID string, perm access.Permission) error
}

// Backend is a store that holds snapshots and access records.
type Backend interface {
	SnapshotStore
	access.AccessStore
	Admin
	Close() error
}

// Split combines a Backend with a different snapshot store, e.g. SQL for
// access records and object storage for snapshots.
func Split(b Backend, snapshots SnapshotStore) Backend {
	if snapshots == nil {
		return b
	}
	return splitBackend{Backend: b, snapshots: snapshots}
}

type splitBackend struct {
	Backend
	snapshots SnapshotStore
}

func (s splitBackend) LoadSnapshot(ctx context.Context, noteID string) (Snapshot, error) {
	return s.snapshots.LoadSnapshot(ctx, noteID)
}

func (s splitBackend) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	return s.snapshots.SaveSnapshot(ctx, snap)
}

func (s splitBackend) Close() error {
	err := s.Backend.Close()
	if c, ok := s.snapshots.(interface{ Close() error }); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
