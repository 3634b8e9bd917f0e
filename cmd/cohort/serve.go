package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alecgard/cohort/internal/api"
	"github.com/alecgard/cohort/internal/auth"
	"github.com/alecgard/cohort/internal/identity"
	"github.com/alecgard/cohort/internal/metrics"
	"github.com/alecgard/cohort/internal/payment"
	"github.com/alecgard/cohort/internal/ratelimit"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Cohort API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := auth.NewSessionVerifier(cfg.Identity.SessionPublicKey, cfg.Identity.AuthorizedParties)
	if err != nil {
		return err
	}
	identityHooks, err := identity.NewWebhookVerifier(cfg.Identity.WebhookSecret)
	if err != nil {
		return err
	}
	if cfg.Auth.AdminKeyHash == "" {
		slog.Warn("auth.admin_key_hash is empty; admin routes are disabled")
	}

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (int32, int32, int32) {
		s := a.pool.Stat()
		return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
	})
	a.engine.SetRecorder(m)
	a.invitations.SetRecorder(m)

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	go limiter.RunSweeper(ctx)

	router := api.NewRouter(api.RouterDeps{
		Access:           a.engine,
		Purchases:        a.checkout,
		Organizations:    a.orgService,
		Invitations:      a.invitations,
		IdentityWebhooks: identityHooks,
		PaymentWebhooks:  payment.NewWebhookVerifier(cfg.Payments.WebhookSecret),
		Pipeline:         a.pipeline,
		Sessions:         sessions,
		AdminKeyHash:     cfg.Auth.AdminKeyHash,
		Limiter:          limiter,
		Metrics:          m,
		DB:               a.pool,
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	return srv.Shutdown(shutdownCtx)
}
