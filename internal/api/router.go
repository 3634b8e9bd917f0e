package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alecgard/cohort/internal/auth"
	"github.com/alecgard/cohort/internal/metrics"
	"github.com/alecgard/cohort/internal/ratelimit"
)

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Access        AccessDecider
	Purchases     Purchases
	Organizations Organizations
	Invitations   Invitations

	IdentityWebhooks IdentityVerifier
	PaymentWebhooks  PaymentVerifier
	Pipeline         EventPipeline

	Sessions     *auth.SessionVerifier
	AdminKeyHash string

	// Limiter guards the invitation endpoints, whose ids act as bearer
	// tickets. InvitationRate overrides the limiter default when positive.
	Limiter        *ratelimit.Limiter
	InvitationRate int

	Metrics        *metrics.Metrics
	DB             Pinger
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(slogRequestLogger)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	accessH := newAccessHandler(deps.Access)
	checkoutH := newCheckoutHandler(deps.Purchases)
	orgsH := newOrganizationsHandler(deps.Organizations)
	invitesH := newInvitationsHandler(deps.Invitations)
	hooks := newWebhooksHandler(deps.IdentityWebhooks, deps.PaymentWebhooks, deps.Pipeline, deps.Metrics)

	r.Get("/health", healthHandler(deps.DB))
	r.Get("/.well-known/cohort.json", WellKnownHandler)
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// Provider callbacks authenticate by signature, not session.
	r.Post("/webhooks/identity", hooks.Identity)
	r.Post("/webhooks/payments", hooks.Payments)

	invitationLimit := func(scope string) func(http.Handler) http.Handler {
		if deps.Limiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		var onReject []func(string)
		if deps.Metrics != nil {
			onReject = append(onReject, deps.Metrics.IncRateLimitRejection)
		}
		return ratelimit.Middleware(deps.Limiter, ratelimit.Rule{Scope: scope, Rate: deps.InvitationRate}, onReject...)
	}

	r.Route("/api/v1", func(ar chi.Router) {
		// Public: the join page renders before the invitee signs in.
		ar.With(invitationLimit("invitation_validate")).Get("/invitations/{invitationID}", invitesH.Validate)

		// Admin routes (require admin key).
		ar.Route("/admin", func(adm chi.Router) {
			adm.Use(auth.AdminKeyMiddleware(deps.AdminKeyHash))
			if deps.Metrics != nil {
				adm.Get("/metrics", deps.Metrics.Handler())
			}
			adm.Get("/access", accessH.Lookup)
		})

		// Session-authenticated routes.
		ar.Group(func(sr chi.Router) {
			sr.Use(auth.SessionMiddleware(deps.Sessions))

			sr.Get("/me/courses/{courseID}/access", accessH.MyAccess)
			sr.Post("/courses/{courseID}/checkout", checkoutH.PurchaseCourse)

			sr.Post("/organizations", orgsH.Register)
			sr.Route("/organizations/{orgID}", func(or chi.Router) {
				or.Put("/employee-limit", orgsH.SetEmployeeLimit)
				or.Post("/courses/{courseID}/checkout", checkoutH.PurchaseForOrganization)
				or.Post("/subscription", checkoutH.Subscribe)
				or.Put("/subscription", checkoutH.ChangePlan)
				or.Delete("/subscription", checkoutH.CancelSubscription)
				or.Post("/billing-portal", checkoutH.BillingPortal)
				or.Post("/invitations", invitesH.Issue)
			})

			sr.Delete("/invitations/{invitationID}", invitesH.Revoke)
			sr.With(invitationLimit("invitation_accept")).Post("/invitations/{invitationID}/accept", invitesH.Accept)
		})
	})

	return r
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			slog.Warn("health check: database unreachable", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Database: "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "connected"})
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
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}
