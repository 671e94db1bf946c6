package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/finmark/finmark/internal/api"
	"github.com/finmark/finmark/internal/audit"
	"github.com/finmark/finmark/internal/config"
	"github.com/finmark/finmark/internal/dashboard"
	"github.com/finmark/finmark/internal/gate"
	"github.com/finmark/finmark/internal/identity"
	"github.com/finmark/finmark/internal/metrics"
	"github.com/finmark/finmark/internal/org"
	"github.com/finmark/finmark/internal/provider"
	"github.com/finmark/finmark/internal/ratelimit"
	"github.com/finmark/finmark/internal/ui"
	"github.com/finmark/finmark/internal/user"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the FinMark server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		st := pool.Stat()
		return st.TotalConns(), st.IdleConns(), st.AcquiredConns()
	})

	userStore := user.NewStore(pool)
	orgStore := org.NewStore(pool)
	dashStore := dashboard.NewStore(pool)
	dashCache := dashboard.NewCache(dashStore, 5*time.Minute)
	dashCache.OnHit = m.IncCacheHit
	dashCache.OnMiss = m.IncCacheMiss

	auditStore := audit.NewStore(pool)
	collector := audit.NewCollector(auditStore, cfg.Audit.BatchSize, cfg.Audit.FlushInterval)
	go collector.Start(ctx)

	cipher, err := provider.NewCipher(cfg.Auth.CipherKey)
	if err != nil {
		return err
	}
	auth := provider.NewLocal(pool, cipher, provider.LocalConfig{
		SessionTTL: cfg.Auth.SessionTTL,
		CodeTTL:    cfg.Auth.CodeTTL,
		BaseURL:    cfg.Site.BaseURL,
	})

	// Expired sessions accumulate; sweep them hourly.
	go func() {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n, err := auth.CleanExpiredSessions(ctx); err != nil {
					slog.Warn("session cleanup failed", "error", err)
				} else if n > 0 {
					slog.Info("expired sessions removed", "count", n)
				}
			}
		}
	}()

	resolver := identity.NewResolver(userStore, logger)

	invitePolicy := identity.InviteOrgWarn
	if cfg.Onboarding.InviteOrgPolicy == "fail" {
		invitePolicy = identity.InviteOrgFail
	}
	onboarding := identity.NewOnboarding(userStore, userStore, orgStore, resolver, auth, identity.OnboardingConfig{
		InviteOrgPolicy: invitePolicy,
		DemoMode:        cfg.Onboarding.DemoMode,
	}, logger)

	g := gate.New(userStore, auth, resolver, logger)
	g.Observe = func(s gate.State) { m.IncGateEvaluation(string(s)) }

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)

	router := api.NewRouter(api.RouterDeps{
		Users:          userStore,
		Orgs:           orgStore,
		Dashboards:     dashStore,
		DashCache:      dashCache,
		AuditStore:     auditStore,
		Collector:      collector,
		Auth:           auth,
		Gate:           g,
		Onboarding:     onboarding,
		Limiter:        limiter,
		Metrics:        m,
		DBPool:         pool,
		UI:             ui.Handler(),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	collector.Stop()

	return srv.Shutdown(shutdownCtx)
}
