package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/finmark/finmark/internal/audit"
	"github.com/finmark/finmark/internal/gate"
	"github.com/finmark/finmark/internal/metrics"
	"github.com/finmark/finmark/internal/provider"
)

// authHandler groups authentication HTTP handlers.
type authHandler struct {
	auth    provider.Provider
	audit   *auditor
	metrics *metrics.Metrics
}

func newAuthHandler(auth provider.Provider, aud *auditor, m *metrics.Metrics) *authHandler {
	return &authHandler{auth: auth, audit: aud, metrics: m}
}

// setSessionCookie attaches the session token as an HTTP-only cookie.
func setSessionCookie(w http.ResponseWriter, s *provider.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     gate.SessionCookie,
		Value:    s.Token,
		Path:     "/",
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     gate.SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Login handles POST /api/v1/auth/login.
func (h *authHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "email and password are required")
		return
	}

	s, err := h.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		if h.metrics != nil {
			h.metrics.IncAuthFailure("password")
		}
		h.audit.record(r, audit.ActionLoginFailed, "principal", "", req.Email)
		if errors.Is(err, provider.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to sign in")
		return
	}

	if h.metrics != nil {
		h.metrics.IncAuthSuccess("password")
	}
	h.audit.record(r, audit.ActionLogin, "principal", s.PrincipalID, "")

	setSessionCookie(w, s)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      s.Token,
		"expires_at": s.ExpiresAt,
	})
}

// Logout handles POST /api/v1/auth/logout.
func (h *authHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := gate.TokenFromRequest(r)
	if token != "" {
		_ = h.auth.SignOut(r.Context(), token)
		h.audit.record(r, audit.ActionLogout, "session", "", "")
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/v1/auth/me. Requires an authorized identity.
func (h *authHandler) Me(w http.ResponseWriter, r *http.Request) {
	id := gate.IdentityFromContext(r.Context())
	if id == nil || id.User == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        id.User.ID,
		"email":     id.User.Email,
		"name":      id.User.Name,
		"position":  id.User.Position,
		"role":      id.User.Role,
		"onboarded": id.User.Onboarded,
	})
}

// Exchange handles POST /api/v1/auth/exchange — redeems a single-use
// invitation code for a session.
func (h *authHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "code is required")
		return
	}

	s, err := h.auth.ExchangeCode(r.Context(), req.Code)
	if err != nil {
		if h.metrics != nil {
			h.metrics.IncAuthFailure("invite_code")
		}
		if errors.Is(err, provider.ErrCodeInvalid) {
			writeError(w, http.StatusUnauthorized, "code_invalid", "invitation code is invalid, expired, or already used")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to exchange code")
		return
	}

	if h.metrics != nil {
		h.metrics.IncAuthSuccess("invite_code")
	}
	h.audit.record(r, audit.ActionLogin, "principal", s.PrincipalID, "invitation code exchanged")

	setSessionCookie(w, s)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      s.Token,
		"expires_at": s.ExpiresAt,
	})
}

// SetPassword handles POST /api/v1/auth/set-password. It requires a
// valid session but not a completed onboarding, since invited users
// set their password before anything else.
func (h *authHandler) SetPassword(w http.ResponseWriter, r *http.Request) {
	token := gate.TokenFromRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	p, err := h.auth.CurrentPrincipal(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "password must be at least 8 characters")
		return
	}

	if err := h.auth.SetPassword(r.Context(), p.ID, req.Password); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to set password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
