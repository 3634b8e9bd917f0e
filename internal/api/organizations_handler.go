package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/cohort/internal/organization"
)

// Organizations is the organization service as seen by the API.
type Organizations interface {
	Register(ctx context.Context, callerExternalID string, in organization.CreateInput) (*organization.Organization, error)
	SetEmployeeLimit(ctx context.Context, callerExternalID, organizationID string, limit int) (*organization.Organization, error)
}

type organizationsHandler struct {
	orgs Organizations
}

func newOrganizationsHandler(orgs Organizations) *organizationsHandler {
	return &organizationsHandler{orgs: orgs}
}

// Register handles POST /api/v1/organizations. The caller becomes the
// organization's first admin.
func (h *organizationsHandler) Register(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	var in organization.CreateInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	org, err := h.orgs.Register(r.Context(), p.UserID, in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "create", "organization", org.ID, "external_id", org.ExternalID)
	writeJSON(w, http.StatusCreated, org)
}

type employeeLimitRequest struct {
	EmployeeLimit int `json:"employee_limit"`
}

// SetEmployeeLimit handles PUT /api/v1/organizations/{orgID}/employee-limit.
func (h *organizationsHandler) SetEmployeeLimit(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	var req employeeLimitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	orgID := chi.URLParam(r, "orgID")

	org, err := h.orgs.SetEmployeeLimit(r.Context(), p.UserID, orgID, req.EmployeeLimit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "update", "organization", orgID, "employee_limit", req.EmployeeLimit)
	writeJSON(w, http.StatusOK, org)
}
