package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/finmark/finmark/internal/org"
	"github.com/finmark/finmark/internal/provider"
	"github.com/finmark/finmark/internal/rbac"
	"github.com/finmark/finmark/internal/user"
)

// InviteOrgPolicy decides what happens when invitation metadata names
// an organization that does not exist.
type InviteOrgPolicy string

const (
	// InviteOrgWarn logs the miss and creates no membership.
	InviteOrgWarn InviteOrgPolicy = "warn"
	// InviteOrgFail rejects the onboarding submission.
	InviteOrgFail InviteOrgPolicy = "fail"
)

// demoMembershipCount is how many random organizations a demo-mode
// self-signup user is assigned.
const demoMembershipCount = 2

var (
	// ErrInvalidInput marks user-facing validation failures.
	ErrInvalidInput = errors.New("invalid input")
	// ErrAlreadyOnboarded is returned when onboarding is re-submitted
	// for a user that already completed it.
	ErrAlreadyOnboarded = errors.New("user already onboarded")
	// ErrOrganizationNotFound is returned under the fail policy when
	// the invited organization does not exist.
	ErrOrganizationNotFound = errors.New("invited organization not found")
	// ErrBootstrapDone is returned when bootstrap is attempted after a
	// user already exists.
	ErrBootstrapDone = errors.New("system already bootstrapped")
)

// OrgDirectory is the subset of the organization store the onboarding
// flow needs.
type OrgDirectory interface {
	GetByName(ctx context.Context, name string) (*org.Organization, error)
	Create(ctx context.Context, in org.CreateOrgInput) (*org.Organization, error)
	ListRandom(ctx context.Context, n int) ([]*org.Organization, error)
	AddMembership(ctx context.Context, userID, orgID, orgRole string, isDefault bool) (*org.Membership, error)
}

// UserCounter reports whether any user exists yet.
type UserCounter interface {
	CountAll(ctx context.Context) (int64, error)
}

// OnboardingConfig tunes the membership assignment policy.
type OnboardingConfig struct {
	InviteOrgPolicy InviteOrgPolicy
	// DemoMode assigns self-signup users a couple of random
	// organizations so fresh installs have something to look at. Off
	// in real deployments.
	DemoMode bool
}

// Onboarding completes user profiles and assigns initial memberships.
type Onboarding struct {
	users    UserDirectory
	counter  UserCounter
	orgs     OrgDirectory
	resolver *Resolver
	auth     provider.Provider
	cfg      OnboardingConfig
	logger   *slog.Logger
}

// NewOnboarding wires the onboarding flow.
func NewOnboarding(users UserDirectory, counter UserCounter, orgs OrgDirectory, resolver *Resolver, auth provider.Provider, cfg OnboardingConfig, logger *slog.Logger) *Onboarding {
	if cfg.InviteOrgPolicy == "" {
		cfg.InviteOrgPolicy = InviteOrgWarn
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Onboarding{users: users, counter: counter, orgs: orgs, resolver: resolver, auth: auth, cfg: cfg, logger: logger}
}

// CompleteInput is the onboarding form submission.
type CompleteInput struct {
	Name     string `json:"name"`
	Position string `json:"position"`
}

// Complete finalizes the principal's profile and flips onboarded to
// true, exactly once. Invitation metadata is consumed here: an invited
// role sticks, and the named organization (if any) becomes the user's
// default membership. Without invitation metadata, demo mode assigns
// two random non-default memberships; otherwise none.
func (o *Onboarding) Complete(ctx context.Context, p *provider.Principal, in CompleteInput) (*user.User, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	u, err := o.resolver.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	if u.Onboarded {
		return nil, ErrAlreadyOnboarded
	}

	role := u.Role
	if invited, ok := rbac.ParseRole(p.Metadata[provider.MetaInvitedRole]); ok {
		role = invited
	}

	// Assign memberships before flipping the flag so a failed
	// assignment under the fail policy leaves onboarding repeatable.
	if err := o.assignInitialMemberships(ctx, u, p.Metadata); err != nil {
		return nil, err
	}

	onboarded := true
	position := strings.TrimSpace(in.Position)
	updated, err := o.users.Update(ctx, u.ID, user.UpdateUserInput{
		Name:      &name,
		Position:  &position,
		Role:      &role,
		Onboarded: &onboarded,
	})
	if err != nil {
		return nil, fmt.Errorf("completing onboarding: %w", err)
	}

	o.logger.Info("user onboarded", "user_id", updated.ID, "role", updated.Role)
	return updated, nil
}

func (o *Onboarding) assignInitialMemberships(ctx context.Context, u *user.User, meta provider.Metadata) error {
	if orgName := strings.TrimSpace(meta[provider.MetaOrganization]); orgName != "" {
		target, err := o.orgs.GetByName(ctx, orgName)
		if errors.Is(err, org.ErrNotFound) {
			if o.cfg.InviteOrgPolicy == InviteOrgFail {
				return fmt.Errorf("%w: %q", ErrOrganizationNotFound, orgName)
			}
			o.logger.Warn("invited organization not found, skipping membership", "org", orgName, "user_id", u.ID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("looking up invited organization: %w", err)
		}

		if _, err := o.orgs.AddMembership(ctx, u.ID, target.ID, "member", true); err != nil && !errors.Is(err, org.ErrDuplicate) {
			return fmt.Errorf("assigning invited membership: %w", err)
		}
		return nil
	}

	if !o.cfg.DemoMode {
		return nil
	}

	picks, err := o.orgs.ListRandom(ctx, demoMembershipCount)
	if err != nil {
		return fmt.Errorf("picking demo organizations: %w", err)
	}
	for _, pick := range picks {
		if _, err := o.orgs.AddMembership(ctx, u.ID, pick.ID, "member", false); err != nil && !errors.Is(err, org.ErrDuplicate) {
			return fmt.Errorf("assigning demo membership: %w", err)
		}
	}
	return nil
}

// BootstrapInput is the first-run form creating the root administrator.
type BootstrapInput struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	Name         string `json:"name"`
	Organization string `json:"organization"` // optional initial organization
}

// CompleteBootstrap creates the first principal and user. The user is
// minted as an onboarded root_admin; an optional initial organization
// becomes their default membership. Rejected once any user exists.
func (o *Onboarding) CompleteBootstrap(ctx context.Context, in BootstrapInput) (*user.User, *provider.Session, error) {
	name := strings.TrimSpace(in.Name)
	if in.Email == "" || name == "" {
		return nil, nil, fmt.Errorf("%w: email and name are required", ErrInvalidInput)
	}
	if len(in.Password) < 8 {
		return nil, nil, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}

	n, err := o.counter.CountAll(ctx)
	if err != nil && !errors.Is(err, user.ErrSchemaNotInitialized) {
		return nil, nil, fmt.Errorf("checking bootstrap state: %w", err)
	}
	if n > 0 {
		return nil, nil, ErrBootstrapDone
	}

	p, err := o.auth.SignUp(ctx, in.Email, in.Password, provider.Metadata{provider.MetaFullName: name})
	if err != nil {
		if errors.Is(err, provider.ErrDuplicateEmail) {
			return nil, nil, ErrBootstrapDone
		}
		return nil, nil, fmt.Errorf("creating root principal: %w", err)
	}

	u, err := o.users.Create(ctx, user.CreateUserInput{
		PrincipalID: p.ID,
		Email:       p.Email,
		Name:        name,
		Role:        rbac.RoleRootAdmin,
		Onboarded:   true,
	})
	if err != nil {
		if errors.Is(err, user.ErrDuplicate) {
			return nil, nil, ErrBootstrapDone
		}
		return nil, nil, fmt.Errorf("creating root user: %w", err)
	}

	if orgName := strings.TrimSpace(in.Organization); orgName != "" {
		created, err := o.orgs.Create(ctx, org.CreateOrgInput{Name: orgName, Type: org.TypeFinancial})
		if err != nil {
			o.logger.Warn("could not create initial organization", "org", orgName, "error", err)
		} else if _, err := o.orgs.AddMembership(ctx, u.ID, created.ID, "owner", true); err != nil {
			o.logger.Warn("could not assign initial membership", "org", orgName, "error", err)
		}
	}

	sess, err := o.auth.SignIn(ctx, in.Email, in.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("opening bootstrap session: %w", err)
	}

	o.logger.Info("system bootstrapped", "user_id", u.ID, "email", u.Email)
	return u, sess, nil
}
