package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/finmark/finmark/internal/audit"
	"github.com/finmark/finmark/internal/dashboard"
	"github.com/finmark/finmark/internal/gate"
	"github.com/finmark/finmark/internal/identity"
	"github.com/finmark/finmark/internal/metrics"
	"github.com/finmark/finmark/internal/org"
	"github.com/finmark/finmark/internal/provider"
	"github.com/finmark/finmark/internal/ratelimit"
	"github.com/finmark/finmark/internal/rbac"
	"github.com/finmark/finmark/internal/user"
)

// Pinger reports database liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Users      *user.Store
	Orgs       *org.Store
	Dashboards *dashboard.Store
	DashCache  *dashboard.Cache
	AuditStore *audit.Store
	Collector  *audit.Collector
	Auth       provider.Provider
	Gate       *gate.Gate
	Onboarding *identity.Onboarding
	Limiter    *ratelimit.Limiter
	Metrics    *metrics.Metrics
	DBPool     Pinger
	UI         http.Handler

	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(metricsMiddleware(deps.Metrics))
	r.Use(slogRequestLogger)

	aud := &auditor{collector: deps.Collector}

	// Handlers.
	auth := newAuthHandler(deps.Auth, aud, deps.Metrics)
	boot := newBootstrapHandler(deps.Gate, deps.Onboarding, aud)
	onboard := newOnboardingHandler(deps.Auth, deps.Onboarding, aud)
	gateH := newGateHandler(deps.Gate)
	users := newUsersHandler(deps.Users, deps.Auth, aud)
	orgs := newOrgsHandler(deps.Orgs, aud)
	dash := newDashboardsHandler(deps.Dashboards, deps.DashCache, deps.Orgs)
	auditLog := newAuditLogHandler(deps.AuditStore)

	throttle := func(next http.Handler) http.Handler { return next }
	if deps.Limiter != nil {
		var onReject []func()
		if deps.Metrics != nil {
			m := deps.Metrics
			onReject = append(onReject, func() { m.IncRateLimitRejection("credentials") })
		}
		throttle = ratelimit.Middleware(deps.Limiter, onReject...)
	}

	// Health check.
	r.Get("/health", healthHandler(deps.DBPool))

	// Well-known manifest.
	r.Get("/.well-known/finmark.json", WellKnownHandler)

	// Prometheus scrape endpoint plus a JSON rollup for the admin UI.
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.PrometheusHandler())
		r.Get("/api/v1/metrics/summary", deps.Metrics.Handler())
	}

	// Access gate decision for the frontend router.
	r.Get("/api/v1/gate", gateH.Evaluate)

	// First-run bootstrap. Status stays queryable, but completing the
	// bootstrap is only reachable while the system is empty.
	r.Get("/api/v1/bootstrap", boot.Status)
	r.With(gate.BootstrapOnly(deps.Gate), throttle).Post("/api/v1/bootstrap", boot.Complete)

	// Credential endpoints, rate limited per client address.
	r.With(throttle).Post("/api/v1/auth/login", auth.Login)
	r.With(throttle).Post("/api/v1/auth/exchange", auth.Exchange)
	r.Post("/api/v1/auth/logout", auth.Logout)

	// Session-holding but not yet authorized.
	r.Post("/api/v1/auth/set-password", auth.SetPassword)
	r.Post("/api/v1/onboarding", onboard.Complete)

	// Fully authorized API.
	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(gate.RequireAuthorized(deps.Gate))

		ar.Get("/auth/me", auth.Me)
		ar.Get("/me/orgs", orgs.ListMine)
		ar.Put("/me/default-org", orgs.SetDefaultOrg)

		ar.Route("/users", func(ur chi.Router) {
			ur.Use(gate.RequirePermission(rbac.PermManageUsers))
			ur.Get("/", users.List)
			ur.Post("/invite", users.Invite)
			ur.Get("/{id}", users.Get)
			ur.Put("/{id}", users.Update)
			ur.Delete("/{id}", users.Delete)
		})

		ar.Route("/orgs", func(or chi.Router) {
			or.Use(gate.RequirePermission(rbac.PermManageOrganizations))
			or.Get("/", orgs.List)
			or.Post("/", orgs.Create)
			or.Get("/{id}", orgs.Get)
			or.Put("/{id}", orgs.Update)
			or.Delete("/{id}", orgs.Delete)
			or.Get("/{id}/members", orgs.ListMembers)
			or.Post("/{id}/members", orgs.AddMember)
			or.Delete("/{id}/members/{userID}", orgs.RemoveMember)
		})

		ar.Route("/dashboards", func(dr chi.Router) {
			dr.With(gate.RequirePermission(rbac.PermEditFinancialData)).
				Put("/financial", dash.UpdateFinancial)
			dr.With(gate.RequirePermission(rbac.PermViewDashboards)).
				Get("/{kind}", dash.Get)
			dr.With(gate.RequirePermission(rbac.PermExportData)).
				Get("/{kind}/export", dash.Export)
		})

		ar.With(gate.RequirePermission(rbac.PermViewAuditLog)).
			Get("/audit", auditLog.List)
	})

	// Everything else is the embedded frontend shell.
	if deps.UI != nil {
		r.NotFound(deps.UI.ServeHTTP)
	}

	return r
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		overall := "ok"
		dbState := "connected"
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				overall = "degraded"
				dbState = "unreachable"
			}
		}
		writeJSON(w, status, map[string]string{
			"status":   overall,
			"database": dbState,
		})
	}
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
		)
	})
}
