package access

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// ErrNoRecord is returned by AccessStore lookups that find nothing.
var ErrNoRecord = errors.New("access: no record")

// Session is a stored bearer credential. Only the token hash is stored.
type Session struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
}

// NoteAccess holds the facts permission resolution needs about one note and
// one user.
type NoteAccess struct {
	OwnerID string
	Public  bool
	// Grant is the explicit per-user grant, Denied when there is none.
	Grant Permission
}

// AccessStore is implemented by the storage backends that hold sessions
// and note sharing records.
type AccessStore interface {
	LookupSession(ctx context.Context, tokenHash string) (Session, error)
	NoteAccess(ctx context.Context, noteID, userID string) (NoteAccess, error)
}

// HashToken returns the hex blake3 digest under which a token is stored.
func HashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// StoreValidator validates opaque tokens against stored sessions.
type StoreValidator struct {
	Store AccessStore
	Now   func() time.Time
}

func (v StoreValidator) ValidateCredential(ctx context.Context, token string) (Identity, error) {
	session, err := v.Store.LookupSession(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, ErrNoRecord) {
			return Identity{}, ErrUnauthenticated
		}
		return Identity{}, fmt.Errorf("failed to look up session: %w", err)
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if !session.ExpiresAt.IsZero() && !now().Before(session.ExpiresAt) {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{UserID: session.UserID}, nil
}

// StoreResolver resolves permissions with the priority owner, explicit
// grant, public read, deny.
type StoreResolver struct {
	Store AccessStore
}

func (r StoreResolver) ResolvePermission(ctx context.Context, userID, noteID string) (Permission, error) {
	facts, err := r.Store.NoteAccess(ctx, noteID, userID)
	if err != nil {
		if errors.Is(err, ErrNoRecord) {
			return Denied, nil
		}
		return Denied, fmt.Errorf("failed to load note access: %w", err)
	}
	return Resolve(facts, userID), nil
}

// Resolve applies the permission priority to facts.
func Resolve(facts NoteAccess, userID string) Permission {
	switch {
	case userID != "" && facts.OwnerID == userID:
		return Edit
	case facts.Grant == Edit || facts.Grant == Read:
		return facts.Grant
	case facts.Public:
		return Read
	default:
		return Denied
	}
}
