package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	svix "github.com/svix/svix-webhooks/go"

	"github.com/alecgard/cohort/internal/access"
	"github.com/alecgard/cohort/internal/auth"
	"github.com/alecgard/cohort/internal/checkout"
	"github.com/alecgard/cohort/internal/identity"
	"github.com/alecgard/cohort/internal/invitation"
	"github.com/alecgard/cohort/internal/metrics"
	"github.com/alecgard/cohort/internal/organization"
	"github.com/alecgard/cohort/internal/payment"
	"github.com/alecgard/cohort/internal/ratelimit"
	"github.com/alecgard/cohort/internal/reconcile"
	"github.com/alecgard/cohort/internal/user"
)

const (
	identitySecret = "whsec_" + "c2VjcmV0LWZvci10ZXN0aW5nLW9ubHktMTIzNDU2Nzg="
	paymentSecret  = "whsec_test_payments"
	adminKey       = "admin-secret"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

type fakeDecider struct {
	mu    sync.Mutex
	calls [][2]string
	d     access.Decision
}

func (f *fakeDecider) Decide(_ context.Context, userID, courseID string) access.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]string{userID, courseID})
	return f.d
}

type fakePurchases struct {
	result   *checkout.Result
	sub      *organization.Subscription
	canceled *payment.Subscription
	portal   string
	err      error

	gotUser, gotOrg, gotCourse, gotReturn string
	gotPlan                               organization.Plan
	gotAtPeriodEnd                        bool
}

func (f *fakePurchases) PurchaseCourse(_ context.Context, userID, courseID string) (*checkout.Result, error) {
	f.gotUser, f.gotCourse = userID, courseID
	return f.result, f.err
}

func (f *fakePurchases) PurchaseForOrganization(_ context.Context, userID, orgID, courseID string) (*checkout.Result, error) {
	f.gotUser, f.gotOrg, f.gotCourse = userID, orgID, courseID
	return f.result, f.err
}

func (f *fakePurchases) Subscribe(_ context.Context, userID, orgID string, plan organization.Plan) (*checkout.Result, error) {
	f.gotUser, f.gotOrg, f.gotPlan = userID, orgID, plan
	return f.result, f.err
}

func (f *fakePurchases) ChangePlan(_ context.Context, userID, orgID string, plan organization.Plan) (*organization.Subscription, error) {
	f.gotUser, f.gotOrg, f.gotPlan = userID, orgID, plan
	return f.sub, f.err
}

func (f *fakePurchases) CancelSubscription(_ context.Context, userID, orgID string, atPeriodEnd bool) (*payment.Subscription, error) {
	f.gotUser, f.gotOrg, f.gotAtPeriodEnd = userID, orgID, atPeriodEnd
	return f.canceled, f.err
}

func (f *fakePurchases) BillingPortal(_ context.Context, userID, orgID, returnURL string) (string, error) {
	f.gotUser, f.gotOrg, f.gotReturn = userID, orgID, returnURL
	return f.portal, f.err
}

type fakeOrgs struct {
	org      *organization.Organization
	err      error
	gotInput organization.CreateInput
	gotLimit int
}

func (f *fakeOrgs) Register(_ context.Context, _ string, in organization.CreateInput) (*organization.Organization, error) {
	f.gotInput = in
	return f.org, f.err
}

func (f *fakeOrgs) SetEmployeeLimit(_ context.Context, _, _ string, limit int) (*organization.Organization, error) {
	f.gotLimit = limit
	return f.org, f.err
}

type fakeInvitations struct {
	issued    invitation.IssueRequest
	result    *invitation.IssueResult
	details   *invitation.Details
	err       error
	revokedBy string
}

func (f *fakeInvitations) Issue(_ context.Context, req invitation.IssueRequest) (*invitation.IssueResult, error) {
	f.issued = req
	return f.result, f.err
}

func (f *fakeInvitations) Validate(context.Context, string) (*invitation.Details, error) {
	return f.details, f.err
}

func (f *fakeInvitations) Accept(context.Context, string, string) (*invitation.Details, error) {
	return f.details, f.err
}

func (f *fakeInvitations) Revoke(_ context.Context, actor, _ string) error {
	f.revokedBy = actor
	return f.err
}

type fakePipeline struct {
	identityEvents []identity.Event
	paymentEvents  []payment.Event
	outcome        reconcile.Outcome
	err            error
}

func (f *fakePipeline) HandleIdentityEvent(_ context.Context, ev identity.Event) (reconcile.Outcome, error) {
	f.identityEvents = append(f.identityEvents, ev)
	return f.outcome, f.err
}

func (f *fakePipeline) HandlePaymentEvent(_ context.Context, ev payment.Event) (reconcile.Outcome, error) {
	f.paymentEvents = append(f.paymentEvents, ev)
	return f.outcome, f.err
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	t         *testing.T
	handler   http.Handler
	key       *rsa.PrivateKey
	decider   *fakeDecider
	purchases *fakePurchases
	orgs      *fakeOrgs
	invites   *fakeInvitations
	pipeline  *fakePipeline
	metrics   *metrics.Metrics
	db        *fakePinger
}

func newHarness(t *testing.T, opts ...func(*RouterDeps)) *harness {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	sessions, err := auth.NewSessionVerifier(string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil)
	require.NoError(t, err)

	idHooks, err := identity.NewWebhookVerifier(identitySecret)
	require.NoError(t, err)

	hash, err := auth.HashAdminKey(adminKey)
	require.NoError(t, err)

	h := &harness{
		t:         t,
		key:       key,
		decider:   &fakeDecider{},
		purchases: &fakePurchases{},
		orgs:      &fakeOrgs{},
		invites:   &fakeInvitations{},
		pipeline:  &fakePipeline{outcome: reconcile.OutcomeApplied},
		metrics:   metrics.New(),
		db:        &fakePinger{},
	}
	deps := RouterDeps{
		Access:           h.decider,
		Purchases:        h.purchases,
		Organizations:    h.orgs,
		Invitations:      h.invites,
		IdentityWebhooks: idHooks,
		PaymentWebhooks:  payment.NewWebhookVerifier(paymentSecret),
		Pipeline:         h.pipeline,
		Sessions:         sessions,
		AdminKeyHash:     hash,
		Limiter:          ratelimit.New(100, time.Minute),
		Metrics:          h.metrics,
		DB:               h.db,
		AllowedOrigins:   []string{"https://app.example.com"},
	}
	for _, o := range opts {
		o(&deps)
	}
	h.handler = NewRouter(deps)
	return h
}

func (h *harness) token(userID string) string {
	h.t.Helper()
	claims := auth.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		SessionID: "sess_1",
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(h.key)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path, bearer string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) asUser(method, path string, body any) *httptest.ResponseRecorder {
	return h.do(method, path, h.token("user_1"), body)
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Error.Code
}

// ---------------------------------------------------------------------------
// Health and plumbing
// ---------------------------------------------------------------------------

func TestHealthCheck(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","database":"connected"}`, rec.Body.String())

	h.db.err = errors.New("connection refused")
	rec = h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","database":"unreachable"}`, rec.Body.String())
}

func TestHealthCheckWithoutDatabase(t *testing.T) {
	h := newHarness(t, func(d *RouterDeps) { d.DB = nil })
	rec := h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestWellKnownManifest(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/.well-known/cohort.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var manifest map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&manifest))
	assert.Equal(t, "Cohort", manifest["name"])
	assert.Equal(t, "/api/v1", manifest["api_base"])
	assert.Contains(t, manifest, "webhooks")
}

func TestRequestIDAndSecureHeaders(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/health", "", nil)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/organizations", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPrometheusEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodGet, "/health", "", nil)

	rec := h.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `cohort_http_requests_total{kind="api",method="GET",path_pattern="/health",status_code="200"} 1`)
}

func TestAdminRoutesRequireKey(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/v1/admin/metrics", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/v1/admin/metrics", "wrong", nil).Code)
	// A user session is not an admin key.
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/v1/admin/metrics", h.token("user_1"), nil).Code)

	rec := h.do(http.MethodGet, "/api/v1/admin/metrics", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var s metrics.Summary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
}

// ---------------------------------------------------------------------------
// Access
// ---------------------------------------------------------------------------

const (
	courseOne = "0b6e3f1e-8a55-4c39-9f4e-2d1c7a9b5e10"
	courseTwo = "7d2a9c4b-1f3e-4b6a-8c5d-9e0f1a2b3c4d"
)

func TestMyAccess(t *testing.T) {
	h := newHarness(t)
	h.decider.d = access.Decision{HasAccess: true, AccessType: access.TypeOrganization, OrganizationName: "Acme", SubscriptionPlan: "professional"}

	rec := h.do(http.MethodGet, "/api/v1/me/courses/"+courseOne+"/access", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.decider.calls)

	rec = h.asUser(http.MethodGet, "/api/v1/me/courses/"+courseOne+"/access", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"hasAccess":true,"accessType":"organization","organizationName":"Acme","subscriptionPlan":"professional"}`, rec.Body.String())
	assert.Equal(t, [][2]string{{"user_1", courseOne}}, h.decider.calls)
}

func TestMyAccessDenialIsOK(t *testing.T) {
	h := newHarness(t)
	h.decider.d = access.Decision{AccessType: access.TypeNone, Reason: access.ReasonNoAccess}

	rec := h.asUser(http.MethodGet, "/api/v1/me/courses/"+courseOne+"/access", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d access.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
	assert.False(t, d.HasAccess)
	assert.Equal(t, access.ReasonNoAccess, d.Reason)
}

func TestMyAccessMalformedCourseIDIsPlainDenial(t *testing.T) {
	h := newHarness(t)
	h.decider.d = access.Decision{AccessType: access.TypeNone, Reason: access.ReasonError}

	rec := h.asUser(http.MethodGet, "/api/v1/me/courses/not-a-course/access", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d access.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
	assert.False(t, d.HasAccess)
	assert.Equal(t, access.TypeNone, d.AccessType)
	assert.Equal(t, access.ReasonNoAccess, d.Reason)
	assert.Empty(t, h.decider.calls, "engine is not consulted")
}

func TestAdminAccessLookup(t *testing.T) {
	h := newHarness(t)
	h.decider.d = access.Decision{HasAccess: true, AccessType: access.TypeIndividual}

	rec := h.do(http.MethodGet, "/api/v1/admin/access?user=user_9", adminKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorCode(t, rec))

	rec = h.do(http.MethodGet, "/api/v1/admin/access?user=user_9&course=c2", adminKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.decider.calls)

	rec = h.do(http.MethodGet, "/api/v1/admin/access?user=user_9&course="+courseTwo, adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [][2]string{{"user_9", courseTwo}}, h.decider.calls)
}

// ---------------------------------------------------------------------------
// Checkout
// ---------------------------------------------------------------------------

func TestPurchaseCourse(t *testing.T) {
	t.Run("paid course opens checkout", func(t *testing.T) {
		h := newHarness(t)
		h.purchases.result = &checkout.Result{SessionID: "cs_1", CheckoutURL: "https://checkout.stripe.com/c/cs_1"}

		rec := h.asUser(http.MethodPost, "/api/v1/courses/c1/checkout", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"enrolled":false,"session_id":"cs_1","checkout_url":"https://checkout.stripe.com/c/cs_1"}`, rec.Body.String())
		assert.Equal(t, "user_1", h.purchases.gotUser)
		assert.Equal(t, "c1", h.purchases.gotCourse)
	})

	t.Run("free course enrolls", func(t *testing.T) {
		h := newHarness(t)
		h.purchases.result = &checkout.Result{Enrolled: true}

		rec := h.asUser(http.MethodPost, "/api/v1/courses/c1/checkout", nil)
		assert.Equal(t, http.StatusCreated, rec.Code)
	})
}

func TestServiceErrorMapping(t *testing.T) {
	stripeErr := &stripe.Error{Code: stripe.ErrorCodeResourceMissing, Msg: "No such customer", HTTPStatusCode: 404}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"already has access", checkout.ErrAlreadyHasAccess, http.StatusConflict, "already_has_access"},
		{"already unlocked", fmt.Errorf("purchase: %w", checkout.ErrAlreadyUnlocked), http.StatusConflict, "already_unlocked"},
		{"course missing", checkout.ErrCourseNotFound, http.StatusNotFound, "not_found"},
		{"not admin", organization.ErrNotAdmin, http.StatusForbidden, "forbidden"},
		{"plan unavailable", checkout.ErrPlanUnavailable, http.StatusBadRequest, "validation_error"},
		{"provider failure", fmt.Errorf("creating checkout session: %w", stripeErr), http.StatusBadGateway, "provider_error"},
		{"unexpected", errors.New("pool closed"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.purchases.err = tt.err

			rec := h.asUser(http.MethodPost, "/api/v1/organizations/o1/courses/c1/checkout", nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, rec))
		})
	}
}

func TestInternalErrorsHideDetail(t *testing.T) {
	h := newHarness(t)
	h.purchases.err = errors.New("dial tcp 10.0.0.5:5432: secret detail")

	rec := h.asUser(http.MethodPost, "/api/v1/courses/c1/checkout", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestSubscriptionRoutes(t *testing.T) {
	h := newHarness(t)
	h.purchases.result = &checkout.Result{SessionID: "cs_sub", CheckoutURL: "https://checkout.stripe.com/c/cs_sub"}

	rec := h.asUser(http.MethodPost, "/api/v1/organizations/o1/subscription", map[string]string{"plan": "platinum"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.asUser(http.MethodPost, "/api/v1/organizations/o1/subscription", map[string]string{"plan": "professional"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, organization.PlanProfessional, h.purchases.gotPlan)
	assert.Equal(t, "o1", h.purchases.gotOrg)

	h.purchases.sub = &organization.Subscription{ID: "sub-local", Plan: organization.PlanEnterprise, EmployeeLimit: 250}
	rec = h.asUser(http.MethodPut, "/api/v1/organizations/o1/subscription", map[string]string{"plan": "enterprise"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, organization.PlanEnterprise, h.purchases.gotPlan)

	h.purchases.canceled = &payment.Subscription{Status: "active", CancelAtPeriodEnd: true}
	rec = h.asUser(http.MethodDelete, "/api/v1/organizations/o1/subscription", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.purchases.gotAtPeriodEnd)
	assert.JSONEq(t, `{"status":"active","cancel_at_period_end":true}`, rec.Body.String())

	h.purchases.canceled = &payment.Subscription{Status: "canceled"}
	rec = h.asUser(http.MethodDelete, "/api/v1/organizations/o1/subscription?at_period_end=false", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, h.purchases.gotAtPeriodEnd)
}

func TestBillingPortal(t *testing.T) {
	h := newHarness(t)
	h.purchases.portal = "https://billing.stripe.com/p/session_1"

	rec := h.asUser(http.MethodPost, "/api/v1/organizations/o1/billing-portal", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"url":"https://billing.stripe.com/p/session_1"}`, rec.Body.String())
	assert.Empty(t, h.purchases.gotReturn)

	rec = h.asUser(http.MethodPost, "/api/v1/organizations/o1/billing-portal", map[string]string{"return_url": "https://app.example.com/x"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example.com/x", h.purchases.gotReturn)
}

// ---------------------------------------------------------------------------
// Organizations
// ---------------------------------------------------------------------------

func TestRegisterOrganization(t *testing.T) {
	h := newHarness(t)
	h.orgs.org = &organization.Organization{ID: "o1", ExternalID: "org_1", Name: "Acme", SubscriptionStatus: organization.StatusInactive, EmployeeLimit: 10}

	rec := h.asUser(http.MethodPost, "/api/v1/organizations", map[string]any{"external_id": "org_1", "name": "Acme", "billing_email": "billing@acme.test"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "org_1", h.orgs.gotInput.ExternalID)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/organizations", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+h.token("user_1"))
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", errorCode(t, rec))
}

func TestSetEmployeeLimit(t *testing.T) {
	h := newHarness(t)
	h.orgs.err = organization.ErrBelowMemberCount

	rec := h.asUser(http.MethodPut, "/api/v1/organizations/o1/employee-limit", map[string]int{"employee_limit": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1, h.orgs.gotLimit)
}

// ---------------------------------------------------------------------------
// Invitations
// ---------------------------------------------------------------------------

func TestIssueInvitations(t *testing.T) {
	h := newHarness(t)
	h.invites.result = &invitation.IssueResult{Sent: 1, Failed: 1, FirstError: "b@x.com: duplicate invitation"}

	rec := h.asUser(http.MethodPost, "/api/v1/organizations/o1/invitations", map[string]any{"emails": []string{"a@x.com", "b@x.com"}, "role": "employee"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "o1", h.invites.issued.OrganizationID)
	assert.Equal(t, "user_1", h.invites.issued.InviterUserID)
	assert.Equal(t, user.RoleEmployee, h.invites.issued.Role)

	var res invitation.IssueResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "b@x.com: duplicate invitation", res.FirstError)
}

func TestValidateInvitation(t *testing.T) {
	h := newHarness(t)
	h.invites.details = &invitation.Details{InvitationID: "inv_1", Email: "a@b.com", OrganizationName: "Acme", Role: user.RoleAdmin, Status: identity.InvitationPending}

	// No session needed.
	rec := h.do(http.MethodGet, "/api/v1/invitations/inv_1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d invitation.Details
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
	assert.Equal(t, "a@b.com", d.Email)

	h.invites.err = invitation.ErrAlreadyUsed
	rec = h.do(http.MethodGet, "/api/v1/invitations/inv_1", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_used", errorCode(t, rec))

	h.invites.err = invitation.ErrNotFound
	rec = h.do(http.MethodGet, "/api/v1/invitations/inv_1", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidateInvitationIsRateLimited(t *testing.T) {
	h := newHarness(t, func(d *RouterDeps) { d.InvitationRate = 2 })
	h.invites.details = &invitation.Details{InvitationID: "inv_1"}

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/invitations/inv_1", "", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/invitations/inv_2", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.do(http.MethodGet, "/api/v1/invitations/inv_3", "", nil).Code)

	s, err := h.metrics.Summarize()
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.RateLimit.Rejections)
}

func TestAcceptInvitation(t *testing.T) {
	h := newHarness(t)
	h.invites.details = &invitation.Details{InvitationID: "inv_1", OrganizationID: "o1", Role: user.RoleAdmin}

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/api/v1/invitations/inv_1/accept", "", nil).Code)

	rec := h.asUser(http.MethodPost, "/api/v1/invitations/inv_1/accept", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.invites.err = invitation.ErrEmailMismatch
	rec = h.asUser(http.MethodPost, "/api/v1/invitations/inv_1/accept", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "email_mismatch", errorCode(t, rec))
}

func TestRevokeInvitation(t *testing.T) {
	h := newHarness(t)

	rec := h.asUser(http.MethodDelete, "/api/v1/invitations/inv_1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "user_1", h.invites.revokedBy)

	h.invites.err = organization.ErrNotAdmin
	rec = h.asUser(http.MethodDelete, "/api/v1/invitations/inv_1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// ---------------------------------------------------------------------------
// Webhooks
// ---------------------------------------------------------------------------

func identityRequest(t *testing.T, payload []byte) *http.Request {
	t.Helper()
	wh, err := svix.NewWebhook(identitySecret)
	require.NoError(t, err)
	ts := time.Now()
	sig, err := wh.Sign("msg_1", ts, payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/identity", bytes.NewReader(payload))
	req.Header.Set("svix-id", "msg_1")
	req.Header.Set("svix-timestamp", strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set("svix-signature", sig)
	return req
}

func TestIdentityWebhook(t *testing.T) {
	payload := []byte(`{"type":"user.created","data":{"id":"user_1"}}`)

	t.Run("valid signature is applied", func(t *testing.T) {
		h := newHarness(t)
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, identityRequest(t, payload))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"received":true,"outcome":"applied"}`, rec.Body.String())
		require.Len(t, h.pipeline.identityEvents, 1)
		assert.Equal(t, "user.created", h.pipeline.identityEvents[0].Type)
		assert.Equal(t, "msg_1", h.pipeline.identityEvents[0].ID)
	})

	t.Run("tampered body is rejected", func(t *testing.T) {
		h := newHarness(t)
		req := identityRequest(t, payload)
		req.Body = io.NopCloser(strings.NewReader(`{"type":"user.created","data":{"id":"user_2"}}`))
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_signature", errorCode(t, rec))
		assert.Empty(t, h.pipeline.identityEvents)
	})

	t.Run("skipped event still acknowledged", func(t *testing.T) {
		h := newHarness(t)
		h.pipeline.outcome = reconcile.OutcomeSkipped
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, identityRequest(t, payload))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("apply failure asks for redelivery", func(t *testing.T) {
		h := newHarness(t)
		h.pipeline.err = errors.New("db down")
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, identityRequest(t, payload))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("signed garbage is a bad request", func(t *testing.T) {
		h := newHarness(t)
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, identityRequest(t, []byte(`{"data":{}}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_event", errorCode(t, rec))
	})
}

func paymentRequest(t *testing.T, payload []byte, secret string) *http.Request {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestPaymentWebhook(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session"}}}`)

	t.Run("valid signature is applied", func(t *testing.T) {
		h := newHarness(t)
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, paymentRequest(t, payload, paymentSecret))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, h.pipeline.paymentEvents, 1)
		assert.Equal(t, "evt_1", h.pipeline.paymentEvents[0].ID)
		assert.Equal(t, "checkout.session.completed", h.pipeline.paymentEvents[0].Type)

		s, err := h.metrics.Summarize()
		require.NoError(t, err)
		assert.Equal(t, 1.0, s.Webhooks.Applied)
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		h := newHarness(t)
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, paymentRequest(t, payload, "whsec_other"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, h.pipeline.paymentEvents)
	})

	t.Run("missing signature is rejected", func(t *testing.T) {
		h := newHarness(t)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("oversized body", func(t *testing.T) {
		h := newHarness(t)
		big := bytes.Repeat([]byte("a"), maxBodySize+1)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(big))
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}
