// Package identity links auth-provider principals to domain users and
// runs the one-time flows that complete a user's profile: root-admin
// bootstrap, invitation-driven onboarding, and self-service onboarding.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/finmark/finmark/internal/provider"
	"github.com/finmark/finmark/internal/rbac"
	"github.com/finmark/finmark/internal/user"
)

// UserDirectory is the subset of the user store the identity layer needs.
type UserDirectory interface {
	GetByPrincipalID(ctx context.Context, principalID string) (*user.User, error)
	GetByEmail(ctx context.Context, email string) (*user.User, error)
	Create(ctx context.Context, in user.CreateUserInput) (*user.User, error)
	Update(ctx context.Context, id string, in user.UpdateUserInput) (*user.User, error)
}

// Resolver finds or creates the domain user for a principal. Resolve
// is idempotent: racing resolutions of the same principal converge on
// one row via duplicate-then-refetch handling.
type Resolver struct {
	users  UserDirectory
	logger *slog.Logger
}

// NewResolver creates a Resolver over the given user directory.
func NewResolver(users UserDirectory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{users: users, logger: logger}
}

// Resolve returns the domain user for the principal, creating or
// linking one if needed.
//
// Lookup order: by principal id (already linked), then by email (an
// account that predates this principal gets linked to it), then
// create. A new user takes its role from the invited-role metadata if
// present, analyst otherwise; its name falls back from metadata to the
// email local part. The resolver never writes memberships.
func (r *Resolver) Resolve(ctx context.Context, p *provider.Principal) (*user.User, error) {
	u, err := r.resolveOnce(ctx, p)
	if errors.Is(err, user.ErrDuplicate) {
		// Lost a creation race; the winning row exists now.
		return r.resolveOnce(ctx, p)
	}
	return u, err
}

func (r *Resolver) resolveOnce(ctx context.Context, p *provider.Principal) (*user.User, error) {
	u, err := r.users.GetByPrincipalID(ctx, p.ID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, user.ErrNotFound) {
		return nil, fmt.Errorf("looking up user by principal: %w", err)
	}

	u, err = r.users.GetByEmail(ctx, p.Email)
	if err == nil {
		return r.link(ctx, u, p)
	}
	if !errors.Is(err, user.ErrNotFound) {
		return nil, fmt.Errorf("looking up user by email: %w", err)
	}

	return r.create(ctx, p)
}

// link attaches the principal to an existing user that was created
// before this principal authenticated (email/password signup followed
// by a federated sign-in with the same address).
func (r *Resolver) link(ctx context.Context, u *user.User, p *provider.Principal) (*user.User, error) {
	upd := user.UpdateUserInput{PrincipalID: &p.ID}
	if u.Name == "" {
		if name := p.Metadata.DisplayName(); name != "" {
			upd.Name = &name
		}
	}
	linked, err := r.users.Update(ctx, u.ID, upd)
	if err != nil {
		return nil, fmt.Errorf("linking principal to user: %w", err)
	}
	r.logger.Info("linked principal to existing user", "user_id", u.ID, "email", u.Email)
	return linked, nil
}

func (r *Resolver) create(ctx context.Context, p *provider.Principal) (*user.User, error) {
	role := rbac.RoleAnalyst
	if invited, ok := rbac.ParseRole(p.Metadata[provider.MetaInvitedRole]); ok {
		role = invited
	}

	name := p.Metadata.DisplayName()
	if name == "" {
		name = emailLocalPart(p.Email)
	}

	u, err := r.users.Create(ctx, user.CreateUserInput{
		PrincipalID: p.ID,
		Email:       p.Email,
		Name:        name,
		Position:    p.Metadata[provider.MetaPosition],
		Role:        role,
		Onboarded:   false,
	})
	if err != nil {
		if errors.Is(err, user.ErrDuplicate) {
			return nil, user.ErrDuplicate
		}
		return nil, fmt.Errorf("creating user for principal: %w", err)
	}
	r.logger.Info("created user for principal", "user_id", u.ID, "email", u.Email, "role", u.Role)
	return u, nil
}

func emailLocalPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
