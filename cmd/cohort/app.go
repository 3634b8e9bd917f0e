package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/cohort/internal/access"
	"github.com/alecgard/cohort/internal/checkout"
	"github.com/alecgard/cohort/internal/config"
	"github.com/alecgard/cohort/internal/course"
	"github.com/alecgard/cohort/internal/db"
	"github.com/alecgard/cohort/internal/email"
	"github.com/alecgard/cohort/internal/identity"
	"github.com/alecgard/cohort/internal/invitation"
	"github.com/alecgard/cohort/internal/organization"
	"github.com/alecgard/cohort/internal/payment"
	"github.com/alecgard/cohort/internal/reconcile"
	"github.com/alecgard/cohort/internal/user"
)

// app is the wired service graph shared by serve and decide.
type app struct {
	cfg  *config.Config
	pool *pgxpool.Pool

	users         *user.Store
	organizations *organization.Store
	subscriptions *organization.SubscriptionStore
	purchases     *organization.PurchaseStore
	courses       *course.Store
	enrollments   *course.EnrollmentStore

	identity *identity.Clerk
	payments *payment.Stripe

	engine      *access.Engine
	pipeline    *reconcile.Pipeline
	orgService  *organization.Service
	invitations *invitation.Manager
	checkout    *checkout.Service
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	pool, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	slog.Info("connected to database")

	a := &app{
		cfg:           cfg,
		pool:          pool,
		users:         user.NewStore(pool),
		organizations: organization.NewStore(pool),
		subscriptions: organization.NewSubscriptionStore(pool),
		purchases:     organization.NewPurchaseStore(pool),
		courses:       course.NewStore(pool),
		enrollments:   course.NewEnrollmentStore(pool),
		identity:      identity.NewClerk(cfg.Identity.SecretKey),
		payments:      payment.NewStripe(cfg.Payments.SecretKey, cfg.Payments.Currency),
	}
	plans := cfg.Catalog()

	a.engine = access.NewEngine(access.Deps{
		Memberships:   a.identity,
		Organizations: a.organizations,
		Subscriptions: a.subscriptions,
		Purchases:     a.purchases,
		Students:      a.users,
		Enrollments:   a.enrollments,
	})

	a.pipeline = reconcile.New(reconcile.Deps{
		Profiles:      a.identity,
		Users:         a.users,
		Organizations: a.organizations,
		Subscriptions: a.subscriptions,
		Purchases:     a.purchases,
		Courses:       a.courses,
		Enrollments:   a.enrollments,
		Plans:         plans,
	})

	a.orgService = organization.NewService(a.organizations, a.users, a.identity)

	a.invitations = invitation.NewManager(invitation.Deps{
		Provider:      a.identity,
		Organizations: a.organizations,
		Users:         a.users,
		Memberships:   a.pipeline,
		Sender:        newSender(cfg.Email),
	}, invitation.Config{
		BaseURL:     cfg.Server.BaseURL,
		From:        cfg.Email.From,
		TTL:         cfg.Invitations.TTL,
		Concurrency: cfg.Invitations.Concurrency,
	})

	a.checkout = checkout.NewService(checkout.Deps{
		Access:        a.engine,
		Courses:       a.courses,
		Profiles:      a.identity,
		Users:         a.users,
		Enrollments:   a.enrollments,
		Organizations: a.organizations,
		Subscriptions: a.subscriptions,
		Purchases:     a.purchases,
		Payments:      a.payments,
	}, checkout.Config{
		BaseURL: cfg.Server.BaseURL,
		Plans:   plans,
	})

	return a, nil
}

func (a *app) Close() {
	a.pool.Close()
}

func newSender(cfg config.EmailConfig) email.Sender {
	if cfg.Provider == "postmark" {
		return email.NewPostmarkSender(cfg.PostmarkToken)
	}
	slog.Warn("email provider is log; invitation emails will not be delivered")
	return email.LogSender{}
}
