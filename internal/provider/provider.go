// Package provider defines the authentication-provider boundary: the
// Principal and Session types FinMark consumes, and the Provider
// interface the rest of the application is written against. Local is
// the Postgres-backed implementation used in every deployment; tests
// substitute fakes.
package provider

import (
	"context"
	"errors"
	"time"
)

// Metadata is the free-form bag attached to a principal at signup or
// invitation time. Invitation parameters travel through it and are
// consumed exactly once during onboarding.
type Metadata map[string]string

// Metadata keys understood by the identity layer.
const (
	MetaFullName       = "full_name"
	MetaName           = "name"
	MetaInvitedRole    = "invited_role"
	MetaPosition       = "invited_position"
	MetaOrganization   = "invited_org"
	MetaInvitationFlow = "invitation_flow"
)

// InvitationFlow reports whether the principal was minted through an
// admin invitation link.
func (m Metadata) InvitationFlow() bool {
	return m[MetaInvitationFlow] == "true"
}

// DisplayName returns the best available display name from the
// metadata, or "" if none was recorded.
func (m Metadata) DisplayName() string {
	if v := m[MetaFullName]; v != "" {
		return v
	}
	return m[MetaName]
}

// Principal is an authenticated identity as reported by the provider.
// It is not the domain user; the identity resolver links the two.
type Principal struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	PasswordSet bool      `json:"password_set"`
	Metadata    Metadata  `json:"metadata,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is an authenticated provider session. Token is the opaque
// plaintext handed to the client; only its hash is stored.
type Session struct {
	Token       string    `json:"token"`
	PrincipalID string    `json:"principal_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

var (
	// ErrInvalidCredentials is returned on a failed sign-in.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrSessionInvalid is returned when a session token is unknown or
	// expired.
	ErrSessionInvalid = errors.New("session invalid or expired")
	// ErrDuplicateEmail is returned when signing up or inviting an
	// email that already has a principal.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrCodeInvalid is returned when a one-time code is malformed,
	// expired, or already redeemed.
	ErrCodeInvalid = errors.New("invitation code invalid or already used")
	// ErrPrincipalNotFound is returned when a lookup by id or email
	// matches nothing.
	ErrPrincipalNotFound = errors.New("principal not found")
)

// Provider is the auth-provider contract consumed by the gate, the
// identity resolver, and the HTTP handlers.
type Provider interface {
	// CurrentPrincipal resolves a session token to its principal.
	CurrentPrincipal(ctx context.Context, token string) (*Principal, error)
	// SignIn verifies credentials and opens a session.
	SignIn(ctx context.Context, email, password string) (*Session, error)
	// SignUp registers a new principal with a usable password.
	SignUp(ctx context.Context, email, password string, meta Metadata) (*Principal, error)
	// ExchangeCode redeems a one-time invitation code for a session.
	// A code redeems at most once.
	ExchangeCode(ctx context.Context, code string) (*Session, error)
	// InviteByEmail mints a principal carrying the invitation metadata
	// and returns the single-use link the invitee follows. redirectTo
	// is appended so the client lands on the right page after exchange.
	InviteByEmail(ctx context.Context, email string, meta Metadata, redirectTo string) (string, error)
	// SetPassword sets a usable password on the principal.
	SetPassword(ctx context.Context, principalID, newPassword string) error
	// SignOut invalidates the session token. Unknown tokens are a no-op.
	SignOut(ctx context.Context, token string) error
}
