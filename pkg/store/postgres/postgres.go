// Package postgres stores snapshots and access records in PostgreSQL via a
// pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astromechza/notesync/pkg/access"
	"github.com/astromechza/notesync/pkg/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		token_hash text primary key,
		user_id text not null,
		expires_at timestamptz not null
	)`,
	`CREATE TABLE IF NOT EXISTS notes (
		id text primary key,
		owner_id text not null,
		public boolean not null default false
	)`,
	`CREATE TABLE IF NOT EXISTS note_shares (
		note_id text not null references notes (id) on delete cascade,
		user_id text not null,
		permission text not null,
		primary key (note_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS note_snapshots (
		note_id text primary key,
		state bytea not null,
		content text not null,
		saved_at timestamptz not null
	)`,
}

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return &Store{pool: pool, now: time.Now}, nil
}

func (s *Store) LoadSnapshot(ctx context.Context, noteID string) (store.Snapshot, error) {
	snap := store.Snapshot{NoteID: noteID}
	err := s.pool.QueryRow(
		ctx, `SELECT state, content, saved_at FROM note_snapshots WHERE note_id = $1`, noteID,
	).Scan(&snap.State, &snap.Text, &snap.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Snapshot{}, store.ErrNotFound
	} else if err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return snap, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = s.now()
	}
	if _, err := s.pool.Exec(
		ctx,
		`INSERT INTO note_snapshots (note_id, state, content, saved_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (note_id) DO UPDATE SET state = excluded.state, content = excluded.content, saved_at = excluded.saved_at`,
		snap.NoteID, snap.State, snap.Text, snap.SavedAt,
	); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func (s *Store) LookupSession(ctx context.Context, tokenHash string) (access.Session, error) {
	session := access.Session{TokenHash: tokenHash}
	err := s.pool.QueryRow(
		ctx, `SELECT user_id, expires_at FROM sessions WHERE token_hash = $1`, tokenHash,
	).Scan(&session.UserID, &session.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return access.Session{}, access.ErrNoRecord
	} else if err != nil {
		return access.Session{}, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

func (s *Store) NoteAccess(ctx context.Context, noteID, userID string) (access.NoteAccess, error) {
	var facts access.NoteAccess
	var grant *string
	err := s.pool.QueryRow(
		ctx,
		`SELECT n.owner_id, n.public, s.permission FROM notes n
		LEFT JOIN note_shares s ON s.note_id = n.id AND s.user_id = $1
		WHERE n.id = $2`,
		userID, noteID,
	).Scan(&facts.OwnerID, &facts.Public, &grant)
	if errors.Is(err, pgx.ErrNoRows) {
		return access.NoteAccess{}, access.ErrNoRecord
	} else if err != nil {
		return access.NoteAccess{}, fmt.Errorf("failed to query note access: %w", err)
	}
	facts.Grant = access.Denied
	if grant != nil {
		facts.Grant = access.ParsePermission(*grant)
	}
	return facts, nil
}

func (s *Store) PutSession(ctx context.Context, token, userID string, expiresAt time.Time) error {
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO sessions (token_hash, user_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id = excluded.user_id, expires_at = excluded.expires_at`,
		access.HashToken(token), userID, expiresAt,
	)
	return err
}

func (s *Store) PutNote(ctx context.Context, noteID, ownerID string, public bool) error {
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO notes (id, owner_id, public) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, public = excluded.public`,
		noteID, ownerID, public,
	)
	return err
}

func (s *Store) Share(ctx context.Context, noteID, userID string, perm access.Permission) error {
	tag, err := s.pool.Exec(
		ctx,
		`INSERT INTO note_shares (note_id, user_id, permission)
		SELECT id, $2, $3 FROM notes WHERE id = $1
		ON CONFLICT (note_id, user_id) DO UPDATE SET permission = excluded.permission`,
		noteID, userID, string(perm),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return access.ErrNoRecord
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
