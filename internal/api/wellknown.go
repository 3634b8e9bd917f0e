package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/cohort.json.
const wellKnownManifest = `{
  "name": "Cohort",
  "description": "Course access, organization billing and invitations",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "auth": {
    "type": "bearer",
    "header": "Authorization",
    "cookie": "__session"
  },
  "webhooks": {
    "identity": "/webhooks/identity",
    "payments": "/webhooks/payments"
  },
  "endpoints": {
    "access": "/api/v1/me/courses/{courseID}/access",
    "checkout": "/api/v1/courses/{courseID}/checkout",
    "organizations": "/api/v1/organizations",
    "invitations": "/api/v1/invitations/{invitationID}"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static service manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
