package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/cohort/internal/auth"
	"github.com/alecgard/cohort/internal/checkout"
	"github.com/alecgard/cohort/internal/organization"
	"github.com/alecgard/cohort/internal/payment"
)

// Purchases are the checkout flows.
type Purchases interface {
	PurchaseCourse(ctx context.Context, userID, courseID string) (*checkout.Result, error)
	PurchaseForOrganization(ctx context.Context, userID, organizationID, courseID string) (*checkout.Result, error)
	Subscribe(ctx context.Context, userID, organizationID string, plan organization.Plan) (*checkout.Result, error)
	ChangePlan(ctx context.Context, userID, organizationID string, plan organization.Plan) (*organization.Subscription, error)
	CancelSubscription(ctx context.Context, userID, organizationID string, atPeriodEnd bool) (*payment.Subscription, error)
	BillingPortal(ctx context.Context, userID, organizationID, returnURL string) (string, error)
}

type checkoutHandler struct {
	purchases Purchases
}

func newCheckoutHandler(p Purchases) *checkoutHandler {
	return &checkoutHandler{purchases: p}
}

// principal writes a 401 and returns nil when the request is anonymous.
func principal(w http.ResponseWriter, r *http.Request) *auth.Principal {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
	}
	return p
}

// readOptionalJSON is readJSON that tolerates an empty body.
func readOptionalJSON(r *http.Request, v any) error {
	if err := readJSON(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// PurchaseCourse handles POST /api/v1/courses/{courseID}/checkout.
func (h *checkoutHandler) PurchaseCourse(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	courseID := chi.URLParam(r, "courseID")

	res, err := h.purchases.PurchaseCourse(r.Context(), p.UserID, courseID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if res.Enrolled {
		auditLog(r, "enroll", "course", courseID, "free", true)
		writeJSON(w, http.StatusCreated, res)
		return
	}
	auditLog(r, "checkout", "course", courseID, "session_id", res.SessionID)
	writeJSON(w, http.StatusOK, res)
}

// PurchaseForOrganization handles
// POST /api/v1/organizations/{orgID}/courses/{courseID}/checkout.
func (h *checkoutHandler) PurchaseForOrganization(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	orgID := chi.URLParam(r, "orgID")
	courseID := chi.URLParam(r, "courseID")

	res, err := h.purchases.PurchaseForOrganization(r.Context(), p.UserID, orgID, courseID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "checkout", "organization_course", courseID, "organization_id", orgID, "session_id", res.SessionID)
	writeJSON(w, http.StatusOK, res)
}

type planRequest struct {
	Plan string `json:"plan"`
}

func (h *checkoutHandler) readPlan(w http.ResponseWriter, r *http.Request) (organization.Plan, bool) {
	var req planRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return "", false
	}
	plan, err := organization.ParsePlan(req.Plan)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return "", false
	}
	return plan, true
}

// Subscribe handles POST /api/v1/organizations/{orgID}/subscription.
func (h *checkoutHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	plan, ok := h.readPlan(w, r)
	if !ok {
		return
	}
	orgID := chi.URLParam(r, "orgID")

	res, err := h.purchases.Subscribe(r.Context(), p.UserID, orgID, plan)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "subscribe", "organization", orgID, "plan", plan, "session_id", res.SessionID)
	writeJSON(w, http.StatusOK, res)
}

// ChangePlan handles PUT /api/v1/organizations/{orgID}/subscription.
func (h *checkoutHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	plan, ok := h.readPlan(w, r)
	if !ok {
		return
	}
	orgID := chi.URLParam(r, "orgID")

	sub, err := h.purchases.ChangePlan(r.Context(), p.UserID, orgID, plan)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "change_plan", "subscription", sub.ID, "organization_id", orgID, "plan", plan)
	writeJSON(w, http.StatusOK, sub)
}

type cancelResponse struct {
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

// CancelSubscription handles DELETE /api/v1/organizations/{orgID}/subscription.
// ?at_period_end=false cancels immediately; the default keeps access until
// the paid period ends.
func (h *checkoutHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	orgID := chi.URLParam(r, "orgID")
	atPeriodEnd := r.URL.Query().Get("at_period_end") != "false"

	sub, err := h.purchases.CancelSubscription(r.Context(), p.UserID, orgID, atPeriodEnd)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "cancel_subscription", "organization", orgID, "at_period_end", atPeriodEnd)
	writeJSON(w, http.StatusOK, cancelResponse{Status: sub.Status, CancelAtPeriodEnd: sub.CancelAtPeriodEnd})
}

type portalRequest struct {
	ReturnURL string `json:"return_url"`
}

// BillingPortal handles POST /api/v1/organizations/{orgID}/billing-portal.
func (h *checkoutHandler) BillingPortal(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	var req portalRequest
	if err := readOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	orgID := chi.URLParam(r, "orgID")

	url, err := h.purchases.BillingPortal(r.Context(), p.UserID, orgID, req.ReturnURL)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
