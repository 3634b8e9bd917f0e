package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/clerk/clerk-sdk-go/v2"
	"github.com/stripe/stripe-go/v82"

	"github.com/alecgard/cohort/internal/checkout"
	"github.com/alecgard/cohort/internal/db"
	"github.com/alecgard/cohort/internal/invitation"
	"github.com/alecgard/cohort/internal/organization"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v any) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

type errorMapping struct {
	target error
	status int
	code   string
}

// domainErrors maps sentinel errors to responses. Their messages are safe
// to show to callers.
var domainErrors = []errorMapping{
	{organization.ErrNotAdmin, http.StatusForbidden, "forbidden"},
	{invitation.ErrEmailMismatch, http.StatusForbidden, "email_mismatch"},

	{organization.ErrNotFound, http.StatusNotFound, "not_found"},
	{checkout.ErrCourseNotFound, http.StatusNotFound, "not_found"},
	{invitation.ErrNotFound, http.StatusNotFound, "not_found"},
	{db.ErrNotFound, http.StatusNotFound, "not_found"},

	{invitation.ErrAlreadyUsed, http.StatusConflict, "already_used"},
	{checkout.ErrAlreadyHasAccess, http.StatusConflict, "already_has_access"},
	{checkout.ErrAlreadyUnlocked, http.StatusConflict, "already_unlocked"},
	{checkout.ErrAlreadySubscribed, http.StatusConflict, "already_subscribed"},
	{checkout.ErrNoSubscription, http.StatusConflict, "no_subscription"},
	{checkout.ErrNoBillingAccount, http.StatusConflict, "no_billing_account"},
	{checkout.ErrSamePlan, http.StatusConflict, "same_plan"},
	{invitation.ErrSeatLimit, http.StatusConflict, "seat_limit"},
	{organization.ErrBelowMemberCount, http.StatusConflict, "below_member_count"},

	{checkout.ErrPlanUnavailable, http.StatusBadRequest, "validation_error"},
	{invitation.ErrNoRecipients, http.StatusBadRequest, "validation_error"},
	{organization.ErrNameRequired, http.StatusBadRequest, "validation_error"},
	{organization.ErrExternalIDRequired, http.StatusBadRequest, "validation_error"},
	{organization.ErrBillingEmailInvalid, http.StatusBadRequest, "validation_error"},
	{organization.ErrEmployeeLimitInvalid, http.StatusBadRequest, "validation_error"},
}

// writeServiceError maps an error from a domain service onto the envelope.
// Unrecognised errors are logged and reported as 500 without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range domainErrors {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, m.target.Error())
			return
		}
	}

	var stripeErr *stripe.Error
	var clerkErr *clerk.APIErrorResponse
	if errors.As(err, &stripeErr) || errors.As(err, &clerkErr) {
		slog.Error("provider call failed", "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusBadGateway, "provider_error", "an upstream provider rejected the request")
		return
	}

	slog.Error("request failed", "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
