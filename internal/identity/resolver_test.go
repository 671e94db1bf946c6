package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/finmark/finmark/internal/provider"
	"github.com/finmark/finmark/internal/rbac"
	"github.com/finmark/finmark/internal/user"
)

// memUsers is an in-memory UserDirectory enforcing the same
// uniqueness rules as the schema: one user per principal id, one per
// email. beforeCreate, when set, runs before each insert's uniqueness
// check so tests can interleave a competing write.
type memUsers struct {
	mu           sync.Mutex
	byID         map[string]*user.User
	seq          int
	beforeCreate func()
}

func newMemUsers() *memUsers {
	return &memUsers{byID: map[string]*user.User{}}
}

func (m *memUsers) insertLocked(in user.CreateUserInput) (*user.User, error) {
	for _, u := range m.byID {
		if u.PrincipalID == in.PrincipalID && in.PrincipalID != "" {
			return nil, user.ErrDuplicate
		}
		if strings.EqualFold(u.Email, in.Email) {
			return nil, user.ErrDuplicate
		}
	}
	m.seq++
	u := &user.User{
		ID:          fmt.Sprintf("u%d", m.seq),
		PrincipalID: in.PrincipalID,
		Email:       in.Email,
		Name:        in.Name,
		Position:    in.Position,
		Role:        in.Role,
		Onboarded:   in.Onboarded,
	}
	m.byID[u.ID] = u
	return u, nil
}

func (m *memUsers) Create(ctx context.Context, in user.CreateUserInput) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beforeCreate != nil {
		hook := m.beforeCreate
		m.beforeCreate = nil
		hook()
	}
	return m.insertLocked(in)
}

func (m *memUsers) GetByPrincipalID(ctx context.Context, principalID string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.PrincipalID == principalID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, user.ErrNotFound
}

func (m *memUsers) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, user.ErrNotFound
}

func (m *memUsers) Update(ctx context.Context, id string, in user.UpdateUserInput) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	if in.PrincipalID != nil {
		u.PrincipalID = *in.PrincipalID
	}
	if in.Name != nil {
		u.Name = *in.Name
	}
	if in.Position != nil {
		u.Position = *in.Position
	}
	if in.Role != nil {
		u.Role = *in.Role
	}
	if in.Onboarded != nil {
		u.Onboarded = *in.Onboarded
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) CountAll(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.byID)), nil
}

// --- Resolve tests ---

func TestResolve_CreatesWithDefaults(t *testing.T) {
	users := newMemUsers()
	r := NewResolver(users, nil)

	p := &provider.Principal{ID: "p1", Email: "jane.doe@x.com"}
	u, err := r.Resolve(context.Background(), p)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if u.Role != rbac.RoleAnalyst {
		t.Errorf("role = %s, want analyst default", u.Role)
	}
	if u.Name != "jane.doe" {
		t.Errorf("name = %q, want email local part", u.Name)
	}
	if u.Onboarded {
		t.Error("new user should not be onboarded")
	}
	if u.PrincipalID != "p1" {
		t.Errorf("principal id = %q, want p1", u.PrincipalID)
	}
}

func TestResolve_NamePrecedence(t *testing.T) {
	cases := []struct {
		name string
		meta provider.Metadata
		want string
	}{
		{"full name first", provider.Metadata{provider.MetaFullName: "Jane Doe", provider.MetaName: "jane"}, "Jane Doe"},
		{"name second", provider.Metadata{provider.MetaName: "jane"}, "jane"},
		{"local part last", provider.Metadata{}, "jane.doe"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			users := newMemUsers()
			r := NewResolver(users, nil)
			u, err := r.Resolve(context.Background(), &provider.Principal{ID: "p1", Email: "jane.doe@x.com", Metadata: c.meta})
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if u.Name != c.want {
				t.Errorf("name = %q, want %q", u.Name, c.want)
			}
		})
	}
}

func TestResolve_InvitedRolePropagates(t *testing.T) {
	users := newMemUsers()
	r := NewResolver(users, nil)

	p := &provider.Principal{
		ID:    "p1",
		Email: "bob@x.com",
		Metadata: provider.Metadata{
			provider.MetaInvitedRole: "manager",
			provider.MetaPosition:    "Head of Ops",
		},
	}
	u, err := r.Resolve(context.Background(), p)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if u.Role != rbac.RoleManager {
		t.Errorf("role = %s, want manager", u.Role)
	}
	if u.Position != "Head of Ops" {
		t.Errorf("position = %q", u.Position)
	}
}

func TestResolve_UnknownInvitedRoleFallsBack(t *testing.T) {
	users := newMemUsers()
	r := NewResolver(users, nil)

	p := &provider.Principal{ID: "p1", Email: "a@x.com", Metadata: provider.Metadata{provider.MetaInvitedRole: "emperor"}}
	u, err := r.Resolve(context.Background(), p)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if u.Role != rbac.RoleAnalyst {
		t.Errorf("role = %s, want analyst for an invalid invited role", u.Role)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	users := newMemUsers()
	r := NewResolver(users, nil)
	p := &provider.Principal{ID: "p1", Email: "a@x.com"}

	u1, err := r.Resolve(context.Background(), p)
	if err != nil {
		t.Fatalf("first Resolve() error: %v", err)
	}
	u2, err := r.Resolve(context.Background(), p)
	if err != nil {
		t.Fatalf("second Resolve() error: %v", err)
	}

	if u1.ID != u2.ID {
		t.Errorf("ids differ: %s vs %s", u1.ID, u2.ID)
	}
	if n, _ := users.CountAll(context.Background()); n != 1 {
		t.Errorf("row count = %d, want 1", n)
	}
}

func TestResolve_RaceOnCreateRefetches(t *testing.T) {
	users := newMemUsers()
	r := NewResolver(users, nil)
	p := &provider.Principal{ID: "p1", Email: "a@x.com"}

	// A competing request wins the insert just before ours commits;
	// the unique-constraint failure must be swallowed and the winning
	// row returned.
	users.beforeCreate = func() {
		if _, err := users.insertLocked(user.CreateUserInput{
			PrincipalID: "p1", Email: "a@x.com", Name: "winner", Role: rbac.RoleAnalyst,
		}); err != nil {
			t.Fatalf("seeding competing row: %v", err)
		}
	}

	u, err := r.Resolve(context.Background(), p)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if u.Name != "winner" {
		t.Errorf("resolved %q, want the row that won the race", u.Name)
	}
	if n, _ := users.CountAll(context.Background()); n != 1 {
		t.Errorf("row count = %d, want 1", n)
	}
}

func TestResolve_LinksExistingEmailAccount(t *testing.T) {
	users := newMemUsers()
	existing, err := users.Create(context.Background(), user.CreateUserInput{
		Email: "jane@x.com", Name: "Jane Doe", Role: rbac.RoleManager, Onboarded: true,
	})
	if err != nil {
		t.Fatalf("seeding user: %v", err)
	}

	r := NewResolver(users, nil)
	p := &provider.Principal{ID: "p-new", Email: "jane@x.com", Metadata: provider.Metadata{provider.MetaFullName: "J. Doe"}}

	u, err := r.Resolve(context.Background(), p)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if u.ID != existing.ID {
		t.Errorf("linked to %s, want existing %s (no duplicate)", u.ID, existing.ID)
	}
	if u.PrincipalID != "p-new" {
		t.Errorf("principal id = %q, want p-new", u.PrincipalID)
	}
	// A previously-set name must not be overwritten.
	if u.Name != "Jane Doe" {
		t.Errorf("name = %q, want Jane Doe preserved", u.Name)
	}
	if n, _ := users.CountAll(context.Background()); n != 1 {
		t.Errorf("row count = %d, want 1", n)
	}
}

func TestResolve_LinkBackfillsEmptyName(t *testing.T) {
	users := newMemUsers()
	existing, err := users.Create(context.Background(), user.CreateUserInput{
		Email: "jane@x.com", Role: rbac.RoleViewer,
	})
	if err != nil {
		t.Fatalf("seeding user: %v", err)
	}

	r := NewResolver(users, nil)
	p := &provider.Principal{ID: "p-new", Email: "jane@x.com", Metadata: provider.Metadata{provider.MetaFullName: "Jane Doe"}}

	u, err := r.Resolve(context.Background(), p)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if u.ID != existing.ID {
		t.Fatalf("linked to %s, want %s", u.ID, existing.ID)
	}
	if u.Name != "Jane Doe" {
		t.Errorf("name = %q, want backfilled from metadata", u.Name)
	}
}
