package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/finmark/finmark/internal/org"
	"github.com/finmark/finmark/internal/provider"
	"github.com/finmark/finmark/internal/rbac"
	"github.com/finmark/finmark/internal/user"
)

type memOrgs struct {
	mu          sync.Mutex
	orgs        []*org.Organization
	memberships []*org.Membership
	seq         int
}

func (m *memOrgs) Create(ctx context.Context, in org.CreateOrgInput) (*org.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orgs {
		if strings.EqualFold(o.Name, in.Name) {
			return nil, org.ErrDuplicate
		}
	}
	m.seq++
	o := &org.Organization{ID: fmt.Sprintf("o%d", m.seq), Name: in.Name, Type: in.Type, Status: "active"}
	m.orgs = append(m.orgs, o)
	return o, nil
}

func (m *memOrgs) GetByName(ctx context.Context, name string) (*org.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orgs {
		if strings.EqualFold(o.Name, name) {
			return o, nil
		}
	}
	return nil, org.ErrNotFound
}

func (m *memOrgs) ListRandom(ctx context.Context, n int) ([]*org.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.orgs) {
		n = len(m.orgs)
	}
	return m.orgs[:n], nil
}

func (m *memOrgs) AddMembership(ctx context.Context, userID, orgID, orgRole string, isDefault bool) (*org.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range m.memberships {
		if mem.UserID == userID && mem.OrgID == orgID {
			return nil, org.ErrDuplicate
		}
	}
	if isDefault {
		for _, mem := range m.memberships {
			if mem.UserID == userID {
				mem.IsDefault = false
			}
		}
	}
	mem := &org.Membership{UserID: userID, OrgID: orgID, OrgRole: orgRole, IsDefault: isDefault}
	m.memberships = append(m.memberships, mem)
	return mem, nil
}

func (m *memOrgs) membershipsOf(userID string) []*org.Membership {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*org.Membership
	for _, mem := range m.memberships {
		if mem.UserID == userID {
			out = append(out, mem)
		}
	}
	return out
}

// fakeAuth implements the provider methods bootstrap needs.
type fakeAuth struct {
	provider.Provider

	mu         sync.Mutex
	principals map[string]*provider.Principal // email -> principal
	seq        int
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{principals: map[string]*provider.Principal{}}
}

func (f *fakeAuth) SignUp(ctx context.Context, email, password string, meta provider.Metadata) (*provider.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.principals[email]; ok {
		return nil, provider.ErrDuplicateEmail
	}
	f.seq++
	p := &provider.Principal{ID: fmt.Sprintf("p%d", f.seq), Email: email, PasswordSet: true, Metadata: meta}
	f.principals[email] = p
	return p, nil
}

func (f *fakeAuth) SignIn(ctx context.Context, email, password string) (*provider.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principals[email]
	if !ok {
		return nil, provider.ErrInvalidCredentials
	}
	return &provider.Session{Token: "tok-" + p.ID, PrincipalID: p.ID}, nil
}

func newOnboarding(users *memUsers, orgs *memOrgs, cfg OnboardingConfig) *Onboarding {
	return NewOnboarding(users, users, orgs, NewResolver(users, nil), newFakeAuth(), cfg, nil)
}

// --- Complete tests ---

func TestComplete_SelfSignupNoDemoMode(t *testing.T) {
	users := newMemUsers()
	orgs := &memOrgs{}
	ob := newOnboarding(users, orgs, OnboardingConfig{})

	p := &provider.Principal{ID: "p1", Email: "jane@x.com"}
	u, err := ob.Complete(context.Background(), p, CompleteInput{Name: "Jane Doe"})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	if !u.Onboarded {
		t.Error("user should be onboarded")
	}
	if u.Name != "Jane Doe" {
		t.Errorf("name = %q", u.Name)
	}
	if u.Role != rbac.RoleAnalyst {
		t.Errorf("role = %s, want analyst", u.Role)
	}
	if got := orgs.membershipsOf(u.ID); len(got) != 0 {
		t.Errorf("memberships = %d, want 0 outside demo mode", len(got))
	}
}

func TestComplete_DemoModeAssignsTwoRandom(t *testing.T) {
	users := newMemUsers()
	orgs := &memOrgs{}
	for _, name := range []string{"Acme", "Globex", "Initech"} {
		if _, err := orgs.Create(context.Background(), org.CreateOrgInput{Name: name, Type: org.TypeFinancial}); err != nil {
			t.Fatalf("seeding org: %v", err)
		}
	}
	ob := newOnboarding(users, orgs, OnboardingConfig{DemoMode: true})

	p := &provider.Principal{ID: "p1", Email: "jane@x.com"}
	u, err := ob.Complete(context.Background(), p, CompleteInput{Name: "Jane Doe"})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	got := orgs.membershipsOf(u.ID)
	if len(got) != 2 {
		t.Fatalf("memberships = %d, want 2", len(got))
	}
	for _, m := range got {
		if m.IsDefault {
			t.Error("demo memberships must not be default")
		}
	}
}

func TestComplete_InvitationAssignsDefaultMembership(t *testing.T) {
	users := newMemUsers()
	orgs := &memOrgs{}
	acme, err := orgs.Create(context.Background(), org.CreateOrgInput{Name: "Acme Corp", Type: org.TypeManufacturing})
	if err != nil {
		t.Fatalf("seeding org: %v", err)
	}
	ob := newOnboarding(users, orgs, OnboardingConfig{})

	p := &provider.Principal{
		ID:    "p1",
		Email: "bob@x.com",
		Metadata: provider.Metadata{
			provider.MetaInvitedRole:  "manager",
			provider.MetaOrganization: "acme corp", // match is case-insensitive
		},
	}
	u, err := ob.Complete(context.Background(), p, CompleteInput{Name: "Bob"})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	if u.Role != rbac.RoleManager {
		t.Errorf("role = %s, want manager from invitation", u.Role)
	}
	got := orgs.membershipsOf(u.ID)
	if len(got) != 1 {
		t.Fatalf("memberships = %d, want exactly 1", len(got))
	}
	if got[0].OrgID != acme.ID || !got[0].IsDefault {
		t.Errorf("membership = %+v, want default membership to %s", got[0], acme.ID)
	}
}

func TestComplete_InvitedOrgMissing_WarnPolicy(t *testing.T) {
	users := newMemUsers()
	orgs := &memOrgs{}
	ob := newOnboarding(users, orgs, OnboardingConfig{InviteOrgPolicy: InviteOrgWarn})

	p := &provider.Principal{ID: "p1", Email: "bob@x.com", Metadata: provider.Metadata{provider.MetaOrganization: "Nowhere Inc"}}
	u, err := ob.Complete(context.Background(), p, CompleteInput{Name: "Bob"})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if got := orgs.membershipsOf(u.ID); len(got) != 0 {
		t.Errorf("memberships = %d, want 0 when invited org is missing", len(got))
	}
	if !u.Onboarded {
		t.Error("onboarding should still complete under warn policy")
	}
}

func TestComplete_InvitedOrgMissing_FailPolicy(t *testing.T) {
	users := newMemUsers()
	orgs := &memOrgs{}
	ob := newOnboarding(users, orgs, OnboardingConfig{InviteOrgPolicy: InviteOrgFail})

	p := &provider.Principal{ID: "p1", Email: "bob@x.com", Metadata: provider.Metadata{provider.MetaOrganization: "Nowhere Inc"}}
	_, err := ob.Complete(context.Background(), p, CompleteInput{Name: "Bob"})
	if !errors.Is(err, ErrOrganizationNotFound) {
		t.Fatalf("err = %v, want ErrOrganizationNotFound", err)
	}

	// The flag must not have flipped: onboarding stays repeatable.
	u, err := users.GetByPrincipalID(context.Background(), "p1")
	if err != nil {
		t.Fatalf("user should exist: %v", err)
	}
	if u.Onboarded {
		t.Error("onboarded must remain false after a failed submission")
	}
}

func TestComplete_RequiresName(t *testing.T) {
	ob := newOnboarding(newMemUsers(), &memOrgs{}, OnboardingConfig{})

	_, err := ob.Complete(context.Background(), &provider.Principal{ID: "p1", Email: "a@x.com"}, CompleteInput{Name: "   "})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestComplete_ExactlyOnce(t *testing.T) {
	users := newMemUsers()
	ob := newOnboarding(users, &memOrgs{}, OnboardingConfig{})
	p := &provider.Principal{ID: "p1", Email: "a@x.com"}

	if _, err := ob.Complete(context.Background(), p, CompleteInput{Name: "A"}); err != nil {
		t.Fatalf("first Complete() error: %v", err)
	}
	_, err := ob.Complete(context.Background(), p, CompleteInput{Name: "A again"})
	if !errors.Is(err, ErrAlreadyOnboarded) {
		t.Fatalf("err = %v, want ErrAlreadyOnboarded", err)
	}
}

// --- bootstrap tests ---

func TestCompleteBootstrap(t *testing.T) {
	users := newMemUsers()
	orgs := &memOrgs{}
	ob := newOnboarding(users, orgs, OnboardingConfig{})

	u, sess, err := ob.CompleteBootstrap(context.Background(), BootstrapInput{
		Email:        "root@x.com",
		Password:     "correct horse",
		Name:         "Root Admin",
		Organization: "FinMark HQ",
	})
	if err != nil {
		t.Fatalf("CompleteBootstrap() error: %v", err)
	}

	if u.Role != rbac.RoleRootAdmin {
		t.Errorf("role = %s, want root_admin", u.Role)
	}
	if !u.Onboarded {
		t.Error("root admin should be onboarded immediately")
	}
	if sess == nil || sess.Token == "" {
		t.Error("bootstrap should open a session")
	}

	got := orgs.membershipsOf(u.ID)
	if len(got) != 1 || !got[0].IsDefault || got[0].OrgRole != "owner" {
		t.Errorf("memberships = %+v, want one default owner membership", got)
	}
}

func TestCompleteBootstrap_RejectedOncePopulated(t *testing.T) {
	users := newMemUsers()
	if _, err := users.Create(context.Background(), user.CreateUserInput{Email: "existing@x.com", Role: rbac.RoleAdmin}); err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	ob := newOnboarding(users, &memOrgs{}, OnboardingConfig{})

	_, _, err := ob.CompleteBootstrap(context.Background(), BootstrapInput{
		Email: "root@x.com", Password: "correct horse", Name: "Root",
	})
	if !errors.Is(err, ErrBootstrapDone) {
		t.Fatalf("err = %v, want ErrBootstrapDone", err)
	}
}

func TestCompleteBootstrap_Validation(t *testing.T) {
	ob := newOnboarding(newMemUsers(), &memOrgs{}, OnboardingConfig{})

	if _, _, err := ob.CompleteBootstrap(context.Background(), BootstrapInput{Email: "", Password: "longenough", Name: "X"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("missing email: err = %v, want ErrInvalidInput", err)
	}
	if _, _, err := ob.CompleteBootstrap(context.Background(), BootstrapInput{Email: "a@x.com", Password: "short", Name: "X"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("short password: err = %v, want ErrInvalidInput", err)
	}
}
