// Package access decides whether a bearer credential may join a note room
// and with which permission.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Permission string

const (
	Edit   Permission = "edit"
	Read   Permission = "read"
	Denied Permission = "denied"
)

// ParsePermission maps stored grant values to a Permission; anything
// unrecognised is Denied.
func ParsePermission(s string) Permission {
	switch Permission(strings.ToLower(strings.TrimSpace(s))) {
	case Edit:
		return Edit
	case Read:
		return Read
	default:
		return Denied
	}
}

func (p Permission) CanRead() bool { return p == Edit || p == Read }
func (p Permission) CanEdit() bool { return p == Edit }

var (
	// ErrUnauthenticated means the credential is absent, unknown or expired.
	ErrUnauthenticated = errors.New("access: unauthenticated")
	// ErrForbidden means the caller is known but may not open the note.
	ErrForbidden = errors.New("access: forbidden")
)

type Identity struct {
	UserID string
}

type Grant struct {
	Identity   Identity
	Permission Permission
}

type CredentialValidator interface {
	// ValidateCredential returns ErrUnauthenticated for credentials that do
	// not identify a user.
	ValidateCredential(ctx context.Context, token string) (Identity, error)
}

type PermissionResolver interface {
	ResolvePermission(ctx context.Context, userID, noteID string) (Permission, error)
}

// Gate authorizes room joins. It fails closed: collaborator errors deny.
type Gate struct {
	validator CredentialValidator
	resolver  PermissionResolver
}

func NewGate(validator CredentialValidator, resolver PermissionResolver) *Gate {
	return &Gate{validator: validator, resolver: resolver}
}

// Authorize validates token and resolves the caller's permission on noteID.
// The returned Grant always carries Read or Edit when err is nil.
func (g *Gate) Authorize(ctx context.Context, token, noteID string) (Grant, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Grant{}, ErrUnauthenticated
	}
	identity, err := g.validator.ValidateCredential(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return Grant{}, err
		}
		return Grant{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if identity.UserID == "" {
		return Grant{}, ErrUnauthenticated
	}
	perm, err := g.resolver.ResolvePermission(ctx, identity.UserID, noteID)
	if err != nil {
		return Grant{Identity: identity, Permission: Denied}, fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if !perm.CanRead() {
		return Grant{Identity: identity, Permission: Denied}, ErrForbidden
	}
	return Grant{Identity: identity, Permission: perm}, nil
}
