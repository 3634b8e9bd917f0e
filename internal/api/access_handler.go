package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/alecgard/cohort/internal/access"
	"github.com/alecgard/cohort/internal/auth"
)

// AccessDecider is the access engine as seen by the API.
type AccessDecider interface {
	Decide(ctx context.Context, userID, courseID string) access.Decision
}

type accessHandler struct {
	decider AccessDecider
}

func newAccessHandler(d AccessDecider) *accessHandler {
	return &accessHandler{decider: d}
}

// MyAccess handles GET /api/v1/me/courses/{courseID}/access.
// A denial is a normal 200 response; only the verdict differs.
func (h *accessHandler) MyAccess(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}
	courseID := chi.URLParam(r, "courseID")
	if !validID(courseID) {
		// No course has this id, so nothing can grant access to it.
		writeJSON(w, http.StatusOK, access.Decision{AccessType: access.TypeNone, Reason: access.ReasonNoAccess})
		return
	}
	writeJSON(w, http.StatusOK, h.decider.Decide(r.Context(), p.UserID, courseID))
}

// Lookup handles GET /api/v1/admin/access?user=&course= for support staff.
func (h *accessHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	courseID := strings.TrimSpace(r.URL.Query().Get("course"))
	if userID == "" || courseID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "user and course query parameters are required")
		return
	}
	if !validID(courseID) {
		writeError(w, http.StatusBadRequest, "validation_error", "course must be a course id")
		return
	}
	d := h.decider.Decide(r.Context(), userID, courseID)
	auditLog(r, "lookup", "access", courseID, "subject_user_id", userID, "has_access", d.HasAccess)
	writeJSON(w, http.StatusOK, d)
}

// validID reports whether s has the shape of a record id.
func validID(s string) bool {
	return uuid.Validate(s) == nil
}
