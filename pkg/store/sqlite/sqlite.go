// Package sqlite stores snapshots and access records in a local sqlite
// database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/notesync/pkg/access"
	"github.com/astromechza/notesync/pkg/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		token_hash text not null primary key,
		user_id text not null,
		expires_at integer not null
	)`,
	`CREATE TABLE IF NOT EXISTS notes (
		id text not null primary key,
		owner_id text not null,
		public integer not null default 0
	)`,
	`CREATE TABLE IF NOT EXISTS note_shares (
		note_id text not null,
		user_id text not null,
		permission text not null,
		primary key (note_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS note_snapshots (
		note_id text not null primary key,
		state blob not null,
		content text not null,
		saved_at integer not null
	)`,
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and ensures the
// tables exist.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY between our own connections
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: time.Now}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, noteID string) (store.Snapshot, error) {
	snap := store.Snapshot{NoteID: noteID}
	var savedAt int64
	err := s.db.QueryRowContext(
		ctx, `SELECT state, content, saved_at FROM note_snapshots WHERE note_id = ?`, noteID,
	).Scan(&snap.State, &snap.Text, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snapshot{}, store.ErrNotFound
	} else if err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to query snapshot: %w", err)
	}
	snap.SavedAt = time.UnixMilli(savedAt).UTC()
	return snap, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = s.now()
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO note_snapshots (note_id, state, content, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (note_id) DO UPDATE SET state = excluded.state, content = excluded.content, saved_at = excluded.saved_at`,
		snap.NoteID, snap.State, snap.Text, snap.SavedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func (s *Store) LookupSession(ctx context.Context, tokenHash string) (access.Session, error) {
	session := access.Session{TokenHash: tokenHash}
	var expiresAt int64
	err := s.db.QueryRowContext(
		ctx, `SELECT user_id, expires_at FROM sessions WHERE token_hash = ?`, tokenHash,
	).Scan(&session.UserID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Session{}, access.ErrNoRecord
	} else if err != nil {
		return access.Session{}, fmt.Errorf("failed to query session: %w", err)
	}
	session.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return session, nil
}

func (s *Store) NoteAccess(ctx context.Context, noteID, userID string) (access.NoteAccess, error) {
	var facts access.NoteAccess
	var grant sql.NullString
	err := s.db.QueryRowContext(
		ctx,
		`SELECT n.owner_id, n.public, s.permission FROM notes n
		LEFT JOIN note_shares s ON s.note_id = n.id AND s.user_id = ?
		WHERE n.id = ?`,
		userID, noteID,
	).Scan(&facts.OwnerID, &facts.Public, &grant)
	if errors.Is(err, sql.ErrNoRows) {
		return access.NoteAccess{}, access.ErrNoRecord
	} else if err != nil {
		return access.NoteAccess{}, fmt.Errorf("failed to query note access: %w", err)
	}
	facts.Grant = access.ParsePermission(grant.String)
	return facts, nil
}

func (s *Store) PutSession(ctx context.Context, token, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (token_hash, user_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (token_hash) DO UPDATE SET user_id = excluded.user_id, expires_at = excluded.expires_at`,
		access.HashToken(token), userID, expiresAt.Unix(),
	)
	return err
}

func (s *Store) PutNote(ctx context.Context, noteID, ownerID string, public bool) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO notes (id, owner_id, public) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, public = excluded.public`,
		noteID, ownerID, public,
	)
	return err
}

func (s *Store) Share(ctx context.Context, noteID, userID string, perm access.Permission) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM notes WHERE id = ?`, noteID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
		return access.ErrNoRecord
	} else if err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO note_shares (note_id, user_id, permission) VALUES (?, ?, ?)
		ON CONFLICT (note_id, user_id) DO UPDATE SET permission = excluded.permission`,
		noteID, userID, string(perm),
	)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
