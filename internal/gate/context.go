package gate

import (
	"context"

	"github.com/finmark/finmark/internal/provider"
	"github.com/finmark/finmark/internal/user"
)

type contextKey int

const identityContextKey contextKey = iota

// Identity is the authorized continuation carried on the request
// context: the resolved domain user and the raw principal.
type Identity struct {
	User      *user.User
	Principal *provider.Principal
}

// ContextWithIdentity returns a new context carrying the identity.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext extracts the identity, or nil if not present.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey).(*Identity)
	return id
}
