package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/cohort/internal/invitation"
)

// Invitations is the invitation lifecycle as seen by the API.
type Invitations interface {
	Issue(ctx context.Context, req invitation.IssueRequest) (*invitation.IssueResult, error)
	Validate(ctx context.Context, invitationID string) (*invitation.Details, error)
	Accept(ctx context.Context, userID, invitationID string) (*invitation.Details, error)
	Revoke(ctx context.Context, actorUserID, invitationID string) error
}

type invitationsHandler struct {
	invitations Invitations
}

func newInvitationsHandler(inv Invitations) *invitationsHandler {
	return &invitationsHandler{invitations: inv}
}

// Issue handles POST /api/v1/organizations/{orgID}/invitations. A batch with
// per-address failures still returns 200; callers read Failed and FirstError.
func (h *invitationsHandler) Issue(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	var req invitation.IssueRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	req.OrganizationID = chi.URLParam(r, "orgID")
	req.InviterUserID = p.UserID

	res, err := h.invitations.Issue(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "invite", "organization", req.OrganizationID,
		"sent", res.Sent, "failed", res.Failed, "email_warnings", res.EmailWarnings)
	writeJSON(w, http.StatusOK, res)
}

// Validate handles GET /api/v1/invitations/{invitationID}. It is public so
// the join page can render before sign-in.
func (h *invitationsHandler) Validate(w http.ResponseWriter, r *http.Request) {
	d, err := h.invitations.Validate(r.Context(), chi.URLParam(r, "invitationID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Accept handles POST /api/v1/invitations/{invitationID}/accept.
func (h *invitationsHandler) Accept(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	id := chi.URLParam(r, "invitationID")

	d, err := h.invitations.Accept(r.Context(), p.UserID, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "accept", "invitation", id, "organization_id", d.OrganizationID, "role", d.Role)
	writeJSON(w, http.StatusOK, d)
}

// Revoke handles DELETE /api/v1/invitations/{invitationID}.
func (h *invitationsHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	id := chi.URLParam(r, "invitationID")

	if err := h.invitations.Revoke(r.Context(), p.UserID, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "revoke", "invitation", id)
	w.WriteHeader(http.StatusNoContent)
}
