package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/finmark/finmark/internal/gate"
	"github.com/finmark/finmark/internal/provider"
	"github.com/finmark/finmark/internal/rbac"
	"github.com/finmark/finmark/internal/user"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeCounter struct {
	n   int64
	err error
}

func (f *fakeCounter) CountAll(context.Context) (int64, error) { return f.n, f.err }

type fakeProvider struct {
	principals map[string]*provider.Principal // session token -> principal
	session    *provider.Session
	signInErr  error
	inviteLink string
}

func (f *fakeProvider) CurrentPrincipal(_ context.Context, token string) (*provider.Principal, error) {
	if p, ok := f.principals[token]; ok {
		return p, nil
	}
	return nil, provider.ErrSessionInvalid
}

func (f *fakeProvider) SignIn(context.Context, string, string) (*provider.Session, error) {
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	return f.session, nil
}

func (f *fakeProvider) SignUp(context.Context, string, string, provider.Metadata) (*provider.Principal, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) ExchangeCode(context.Context, string) (*provider.Session, error) {
	return nil, provider.ErrCodeInvalid
}

func (f *fakeProvider) InviteByEmail(context.Context, string, provider.Metadata, string) (string, error) {
	return f.inviteLink, nil
}

func (f *fakeProvider) SetPassword(context.Context, string, string) error { return nil }
func (f *fakeProvider) SignOut(context.Context, string) error             { return nil }

type fakeResolver struct {
	u   *user.User
	err error
}

func (f *fakeResolver) Resolve(context.Context, *provider.Principal) (*user.User, error) {
	return f.u, f.err
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRouter wires a router around fakes: count users in the system,
// a provider, and the user the resolver hands back.
func newTestRouter(n int64, p *fakeProvider, u *user.User) http.Handler {
	if p == nil {
		p = &fakeProvider{}
	}
	g := gate.New(&fakeCounter{n: n}, p, &fakeResolver{u: u}, discardLogger())
	return NewRouter(RouterDeps{
		Auth:           p,
		Gate:           g,
		AllowedOrigins: []string{"*"},
	})
}

// ---------------------------------------------------------------------------
// Health and manifest
// ---------------------------------------------------------------------------

func TestHealthCheck_OK(t *testing.T) {
	handler := newTestRouter(0, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
	if body["database"] != "connected" {
		t.Errorf("expected database=connected, got %q", body["database"])
	}
}

func TestHealthCheck_DBDown(t *testing.T) {
	g := gate.New(&fakeCounter{}, &fakeProvider{}, &fakeResolver{}, discardLogger())
	handler := NewRouter(RouterDeps{
		Auth:   &fakeProvider{},
		Gate:   g,
		DBPool: &fakePinger{err: errors.New("connection refused")},
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["database"] != "unreachable" {
		t.Errorf("expected database=unreachable, got %q", body["database"])
	}
}

func TestWellKnownManifest(t *testing.T) {
	handler := newTestRouter(0, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/finmark.json", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var manifest map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&manifest); err != nil {
		t.Fatalf("failed to decode manifest: %v", err)
	}
	if name, _ := manifest["name"].(string); name != "FinMark" {
		t.Errorf("expected name=FinMark, got %q", name)
	}
	for _, field := range []string{"api_base", "auth", "endpoints", "health"} {
		if _, ok := manifest[field]; !ok {
			t.Errorf("manifest missing field %q", field)
		}
	}
}

// ---------------------------------------------------------------------------
// Middleware behavior
// ---------------------------------------------------------------------------

func TestCORSPreflight(t *testing.T) {
	handler := newTestRouter(0, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/gate", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected allow-origin *, got %q", got)
	}
}

func TestSecureHeadersAndRequestID(t *testing.T) {
	handler := newTestRouter(0, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff, got %q", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID")
	}
}

func TestRequestIDPassthrough(t *testing.T) {
	handler := newTestRouter(0, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("expected request id passthrough, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Gate and bootstrap endpoints
// ---------------------------------------------------------------------------

func TestGateEndpoint_EmptySystem(t *testing.T) {
	handler := newTestRouter(0, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/gate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["state"] != string(gate.StateNeedsBootstrap) {
		t.Errorf("expected state %s, got %v", gate.StateNeedsBootstrap, body["state"])
	}
	if body["redirect"] != string(gate.RouteBootstrap) {
		t.Errorf("expected redirect %s, got %v", gate.RouteBootstrap, body["redirect"])
	}
}

func TestGateEndpoint_AnonymousOnPopulatedSystem(t *testing.T) {
	handler := newTestRouter(3, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/gate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body map[string]interface{}
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["state"] != string(gate.StateNeedsAuthentication) {
		t.Errorf("expected state %s, got %v", gate.StateNeedsAuthentication, body["state"])
	}
}

func TestBootstrapStatus(t *testing.T) {
	handler := newTestRouter(0, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bootstrap", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var body map[string]bool
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if !body["needs_bootstrap"] {
		t.Error("expected needs_bootstrap=true on an empty system")
	}
}

func TestBootstrapComplete_RedirectsWhenPopulated(t *testing.T) {
	handler := newTestRouter(5, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bootstrap", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303 once populated, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != string(gate.RouteLogin) {
		t.Errorf("expected redirect to %s, got %q", gate.RouteLogin, loc)
	}
}

// ---------------------------------------------------------------------------
// Auth endpoints
// ---------------------------------------------------------------------------

func TestLogin_Validation(t *testing.T) {
	handler := newTestRouter(1, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"email":""}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	p := &fakeProvider{signInErr: provider.ErrInvalidCredentials}
	handler := newTestRouter(1, p, nil)

	body := `{"email":"a@b.com","password":"wrong"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var envelope errorEnvelope
	_ = json.NewDecoder(rec.Body).Decode(&envelope)
	if envelope.Error.Code != "unauthorized" {
		t.Errorf("expected code unauthorized, got %q", envelope.Error.Code)
	}
}

func TestLogin_SetsSessionCookie(t *testing.T) {
	p := &fakeProvider{
		session: &provider.Session{
			Token:       "tok123",
			PrincipalID: "p1",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}
	handler := newTestRouter(1, p, nil)

	body := `{"email":"a@b.com","password":"correct"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var found *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == gate.SessionCookie {
			found = c
		}
	}
	if found == nil {
		t.Fatal("expected a session cookie")
	}
	if found.Value != "tok123" {
		t.Errorf("expected cookie value tok123, got %q", found.Value)
	}
	if !found.HttpOnly {
		t.Error("session cookie must be HttpOnly")
	}
}

func TestExchange_InvalidCode(t *testing.T) {
	handler := newTestRouter(1, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/exchange", strings.NewReader(`{"code":"bogus"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var envelope errorEnvelope
	_ = json.NewDecoder(rec.Body).Decode(&envelope)
	if envelope.Error.Code != "code_invalid" {
		t.Errorf("expected code_invalid, got %q", envelope.Error.Code)
	}
}

func TestLogout_WithoutSession(t *testing.T) {
	handler := newTestRouter(1, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Authorized group
// ---------------------------------------------------------------------------

func authedUser(role rbac.Role) (*fakeProvider, *user.User) {
	p := &fakeProvider{
		principals: map[string]*provider.Principal{
			"tok123": {ID: "p1", Email: "ana@finmark.test", PasswordSet: true},
		},
	}
	u := &user.User{
		ID:        "u1",
		Email:     "ana@finmark.test",
		Name:      "Ana",
		Role:      role,
		Onboarded: true,
	}
	return p, u
}

func TestMe_RequiresSession(t *testing.T) {
	handler := newTestRouter(1, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body struct {
		Error struct {
			Code     string `json:"code"`
			Redirect string `json:"redirect"`
		} `json:"error"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body.Error.Code != string(gate.StateNeedsAuthentication) {
		t.Errorf("expected state code in envelope, got %q", body.Error.Code)
	}
	if body.Error.Redirect != string(gate.RouteLogin) {
		t.Errorf("expected redirect %s, got %q", gate.RouteLogin, body.Error.Redirect)
	}
}

func TestMe_Authorized(t *testing.T) {
	p, u := authedUser(rbac.RoleViewer)
	handler := newTestRouter(1, p, u)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer tok123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["email"] != "ana@finmark.test" {
		t.Errorf("expected email in response, got %v", body["email"])
	}
	if body["role"] != string(rbac.RoleViewer) {
		t.Errorf("expected role viewer, got %v", body["role"])
	}
}

func TestUserRoutes_ForbiddenForViewer(t *testing.T) {
	p, u := authedUser(rbac.RoleViewer)
	handler := newTestRouter(1, p, u)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/", nil)
	req.Header.Set("Authorization", "Bearer tok123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", rec.Code)
	}
}

func TestInvite_AdminRoleNeedsManageAdmins(t *testing.T) {
	// An admin can manage users but may not hand out admin-class roles.
	p, u := authedUser(rbac.RoleAdmin)
	handler := newTestRouter(1, p, u)

	body := `{"email":"new@finmark.test","role":"admin"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/invite", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestInvite_UnknownRoleRejected(t *testing.T) {
	p, u := authedUser(rbac.RoleAdmin)
	handler := newTestRouter(1, p, u)

	body := `{"email":"new@finmark.test","role":"superuser"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/invite", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestInvite_Created(t *testing.T) {
	p, u := authedUser(rbac.RoleAdmin)
	p.inviteLink = "http://localhost:8080/invite?code=sealed"
	handler := newTestRouter(1, p, u)

	body := `{"email":"new@finmark.test","role":"analyst","organization":"Acme Corp"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/invite", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp["link"] != p.inviteLink {
		t.Errorf("expected invite link in response, got %v", resp["link"])
	}
}

func TestDashboards_UnknownKind(t *testing.T) {
	p, u := authedUser(rbac.RoleViewer)
	handler := newTestRouter(1, p, u)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dashboards/astrology", nil)
	req.Header.Set("Authorization", "Bearer tok123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown kind, got %d", rec.Code)
	}
}

func TestDashboardExport_ForbiddenForViewer(t *testing.T) {
	p, u := authedUser(rbac.RoleViewer)
	handler := newTestRouter(1, p, u)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dashboards/financial/export", nil)
	req.Header.Set("Authorization", "Bearer tok123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer export, got %d", rec.Code)
	}
}

func TestAuditLog_ForbiddenForAnalyst(t *testing.T) {
	p, u := authedUser(rbac.RoleAnalyst)
	handler := newTestRouter(1, p, u)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil)
	req.Header.Set("Authorization", "Bearer tok123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for analyst, got %d", rec.Code)
	}
}

func TestOnboarding_RequiresSession(t *testing.T) {
	handler := newTestRouter(1, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/onboarding", strings.NewReader(`{"name":"Ana"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSetPassword_TooShort(t *testing.T) {
	p, _ := authedUser(rbac.RoleViewer)
	handler := newTestRouter(1, p, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/set-password", strings.NewReader(`{"password":"short"}`))
	req.Header.Set("Authorization", "Bearer tok123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestLastRootAdmin(t *testing.T) {
	root := &user.User{ID: "u1", Role: rbac.RoleRootAdmin}
	other := &user.User{ID: "u2", Role: rbac.RoleRootAdmin}
	admin := &user.User{ID: "u3", Role: rbac.RoleAdmin}

	if !lastRootAdmin([]*user.User{root, admin}, "u1") {
		t.Fatal("sole root admin should be flagged as last")
	}
	if lastRootAdmin([]*user.User{root, other, admin}, "u1") {
		t.Fatal("root admin with a peer is not last")
	}
	if lastRootAdmin([]*user.User{root, admin}, "u3") {
		t.Fatal("removing a non-root user never strands the system")
	}
}
