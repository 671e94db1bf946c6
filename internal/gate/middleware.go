package gate

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/finmark/finmark/internal/rbac"
)

// SessionCookie is the cookie carrying the provider session token.
const SessionCookie = "finmark_session"

// TokenFromRequest extracts the session token from the session cookie
// or, for API clients, a bearer Authorization header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}

// Protect guards browser page routes. Non-authorized states redirect
// to the page that resolves them; authorized requests continue with
// the identity on the context.
func Protect(g *Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := g.Evaluate(r.Context(), TokenFromRequest(r))
			if err != nil {
				g.logger.Error("gate evaluation failed", "error", err, "path", r.URL.Path)
				http.Redirect(w, r, string(RouteError), http.StatusSeeOther)
				return
			}
			if !d.Authorized() {
				http.Redirect(w, r, string(d.Redirect), http.StatusSeeOther)
				return
			}

			ctx := ContextWithIdentity(r.Context(), &Identity{User: d.User, Principal: d.Principal})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuthorized guards JSON API routes. Non-authorized states get
// a 401 envelope naming the state and the resolving route instead of
// a redirect.
func RequireAuthorized(g *Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := g.Evaluate(r.Context(), TokenFromRequest(r))
			if err != nil {
				g.logger.Error("gate evaluation failed", "error", err, "path", r.URL.Path)
				writeGateError(w, http.StatusInternalServerError, "internal_error", "gate evaluation failed", "")
				return
			}
			if !d.Authorized() {
				writeGateError(w, http.StatusUnauthorized, string(d.State), "not authorized for this resource", string(d.Redirect))
				return
			}

			ctx := ContextWithIdentity(r.Context(), &Identity{User: d.User, Principal: d.Principal})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission rejects authorized users whose role lacks the
// permission. It must run inside RequireAuthorized or Protect.
func RequirePermission(perm rbac.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromContext(r.Context())
			if id == nil || id.User == nil {
				writeGateError(w, http.StatusUnauthorized, "unauthorized", "not authenticated", string(RouteLogin))
				return
			}
			if !rbac.HasPermission(id.User.Role, perm) {
				writeGateError(w, http.StatusForbidden, "forbidden", "role "+string(id.User.Role)+" lacks "+string(perm), "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BootstrapOnly guards the bootstrap entry point with the inverse
// polarity of the bootstrap guard: once any user exists it redirects
// to login, so the page is only reachable on a fresh system.
func BootstrapOnly(g *Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			empty, err := g.SystemIsEmpty(r.Context())
			if err != nil {
				g.logger.Error("bootstrap check failed", "error", err)
				writeGateError(w, http.StatusInternalServerError, "internal_error", "bootstrap check failed", "")
				return
			}
			if !empty {
				http.Redirect(w, r, string(RouteLogin), http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type gateErrorResponse struct {
	Error gateErrorBody `json:"error"`
}

type gateErrorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Redirect string `json:"redirect,omitempty"`
}

func writeGateError(w http.ResponseWriter, status int, code, message, redirect string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(gateErrorResponse{
		Error: gateErrorBody{Code: code, Message: message, Redirect: redirect},
	})
}
