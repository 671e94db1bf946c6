// Package gate implements the per-request access gate: a short chain
// of guards deciding which state a visitor is in (needs bootstrap,
// needs login, needs password, needs onboarding, or authorized) and
// where to send them. Every protected request passes through one gate
// evaluation; the guards run most-fundamental-first so a missing
// dependency fails at the most diagnostic step.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/finmark/finmark/internal/identity"
	"github.com/finmark/finmark/internal/provider"
	"github.com/finmark/finmark/internal/user"
)

// State is the outcome of a gate evaluation.
type State string

const (
	StateNeedsBootstrap      State = "needs_bootstrap"
	StateNeedsAuthentication State = "needs_authentication"
	StateNeedsPasswordSet    State = "needs_password_set"
	StateNeedsOnboarding     State = "needs_onboarding"
	StateAuthorized          State = "authorized"
)

// Route is an abstract redirect target emitted by the gate. The SPA
// shell maps these to its own URL scheme.
type Route string

const (
	RouteBootstrap   Route = "/bootstrap"
	RouteLogin       Route = "/login"
	RouteSetPassword Route = "/set-password"
	RouteOnboarding  Route = "/onboarding"
	RouteDashboard   Route = "/dashboard"
	RouteError       Route = "/error"
)

// routes maps each non-authorized state to the page that resolves it.
var routes = map[State]Route{
	StateNeedsBootstrap:      RouteBootstrap,
	StateNeedsAuthentication: RouteLogin,
	StateNeedsPasswordSet:    RouteSetPassword,
	StateNeedsOnboarding:     RouteOnboarding,
	StateAuthorized:          RouteDashboard,
}

// Decision is the result of one gate evaluation. User and Principal
// are set when the evaluation got far enough to resolve them.
type Decision struct {
	State     State
	Redirect  Route
	User      *user.User
	Principal *provider.Principal
}

// Authorized reports whether the request may proceed.
func (d Decision) Authorized() bool { return d.State == StateAuthorized }

// PrincipalResolver finds or creates the domain user for a principal.
type PrincipalResolver interface {
	Resolve(ctx context.Context, p *provider.Principal) (*user.User, error)
}

// Gate composes the bootstrap check, the auth provider, and the
// identity resolver into the per-request state machine.
type Gate struct {
	counter  identity.UserCounter
	auth     provider.Provider
	resolver PrincipalResolver
	logger   *slog.Logger

	// Observe, when set, is called once per evaluation with the
	// resulting state. Wired to metrics by the server.
	Observe func(State)
}

// New creates a Gate. All collaborators are required.
func New(counter identity.UserCounter, auth provider.Provider, resolver PrincipalResolver, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{counter: counter, auth: auth, resolver: resolver, logger: logger}
}

// Evaluate runs the guard chain for the given session token. A
// storage failure is fatal and returned as an error, with one
// exception: a users relation that does not exist yet is folded into
// the needs-bootstrap state, so a fresh database routes to bootstrap
// instead of erroring. Auth-provider failures fail closed to login.
func (g *Gate) Evaluate(ctx context.Context, sessionToken string) (Decision, error) {
	d, err := g.evaluate(ctx, sessionToken)
	if err == nil && g.Observe != nil {
		g.Observe(d.State)
	}
	return d, err
}

func (g *Gate) evaluate(ctx context.Context, sessionToken string) (Decision, error) {
	empty, err := g.SystemIsEmpty(ctx)
	if err != nil {
		return Decision{}, err
	}
	if empty {
		return decide(StateNeedsBootstrap, nil, nil), nil
	}

	p, err := g.auth.CurrentPrincipal(ctx, sessionToken)
	if err != nil {
		if !errors.Is(err, provider.ErrSessionInvalid) {
			// Provider trouble is indistinguishable from an expired
			// session to the visitor; prompt a fresh login.
			g.logger.Warn("auth provider error, failing closed to login", "error", err)
		}
		return decide(StateNeedsAuthentication, nil, nil), nil
	}

	if p.Metadata.InvitationFlow() && !p.PasswordSet {
		return decide(StateNeedsPasswordSet, nil, p), nil
	}

	u, err := g.resolver.Resolve(ctx, p)
	if err != nil {
		return Decision{}, fmt.Errorf("resolving identity: %w", err)
	}

	if !u.Onboarded {
		return decide(StateNeedsOnboarding, u, p), nil
	}

	return decide(StateAuthorized, u, p), nil
}

// SystemIsEmpty reports whether no user exists yet. A users relation
// that does not exist (schema not migrated) counts as empty; the
// distinction is deliberately collapsed for this check. Any other
// storage error is fatal.
func (g *Gate) SystemIsEmpty(ctx context.Context) (bool, error) {
	n, err := g.counter.CountAll(ctx)
	if err != nil {
		if errors.Is(err, user.ErrSchemaNotInitialized) {
			return true, nil
		}
		return false, fmt.Errorf("checking bootstrap state: %w", err)
	}
	return n == 0, nil
}

func decide(s State, u *user.User, p *provider.Principal) Decision {
	return Decision{State: s, Redirect: routes[s], User: u, Principal: p}
}
