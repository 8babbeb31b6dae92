// Package memory is an in-process store backend for tests and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/astromechza/notesync/pkg/access"
	"github.com/astromechza/notesync/pkg/store"
)

type note struct {
	owner  string
	public bool
	grants map[string]access.Permission
}

type Store struct {
	mu        sync.RWMutex
	snapshots map[string]store.Snapshot
	sessions  map[string]access.Session
	notes     map[string]*note
	now       func() time.Time
}

func New() *Store {
	return &Store{
		snapshots: make(map[string]store.Snapshot),
		sessions:  make(map[string]access.Session),
		notes:     make(map[string]*note),
		now:       time.Now,
	}
}

func (s *Store) LoadSnapshot(_ context.Context, noteID string) (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[noteID]
	if !ok {
		return store.Snapshot{}, store.ErrNotFound
	}
	snap.State = append([]byte(nil), snap.State...)
	return snap, nil
}

func (s *Store) SaveSnapshot(_ context.Context, snap store.Snapshot) error {
	snap.State = append([]byte(nil), snap.State...)
	if snap.SavedAt.IsZero() {
		snap.SavedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.NoteID] = snap
	return nil
}

func (s *Store) LookupSession(_ context.Context, tokenHash string) (access.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[tokenHash]
	if !ok {
		return access.Session{}, access.ErrNoRecord
	}
	return session, nil
}

func (s *Store) NoteAccess(_ context.Context, noteID, userID string) (access.NoteAccess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notes[noteID]
	if !ok {
		return access.NoteAccess{}, access.ErrNoRecord
	}
	grant, ok := n.grants[userID]
	if !ok {
		grant = access.Denied
	}
	return access.NoteAccess{OwnerID: n.owner, Public: n.public, Grant: grant}, nil
}

func (s *Store) PutSession(_ context.Context, token, userID string, expiresAt time.Time) error {
	hash := access.HashToken(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[hash] = access.Session{TokenHash: hash, UserID: userID, ExpiresAt: expiresAt}
	return nil
}

func (s *Store) PutNote(_ context.Context, noteID, ownerID string, public bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[noteID]
	if !ok {
		n = &note{grants: make(map[string]access.Permission)}
		s.notes[noteID] = n
	}
	n.owner = ownerID
	n.public = public
	return nil
}

func (s *Store) Share(_ context.Context, noteID, userID string, perm access.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[noteID]
	if !ok {
		return access.ErrNoRecord
	}
	n.grants[userID] = perm
	return nil
}

func (s *Store) Close() error { return nil }
