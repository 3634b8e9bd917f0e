package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	svix "github.com/svix/svix-webhooks/go"
)

// Identity webhook event types.
const (
	EventUserCreated       = "user.created"
	EventUserUpdated       = "user.updated"
	EventSessionCreated    = "session.created"
	EventMembershipCreated = "organizationMembership.created"
	EventMembershipUpdated = "organizationMembership.updated"
	EventMembershipDeleted = "organizationMembership.deleted"
)

// ErrInvalidSignature is returned when a webhook fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// WebhookVerifier checks Svix-signed identity webhooks.
type WebhookVerifier struct {
	wh *svix.Webhook
}

// NewWebhookVerifier creates a verifier for the given whsec_ secret.
func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("creating webhook verifier: %w", err)
	}
	return &WebhookVerifier{wh: wh}, nil
}

// Verify checks the signature over the exact payload bytes using the
// svix-id, svix-timestamp and svix-signature headers.
func (v *WebhookVerifier) Verify(payload []byte, headers http.Header) error {
	if err := v.wh.Verify(payload, headers); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// Event is a verified identity webhook envelope.
type Event struct {
	ID   string          `json:"-"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseEvent decodes the webhook envelope.
func ParseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decoding identity event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, errors.New("identity event has no type")
	}
	return ev, nil
}

type emailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

// UserData is the payload of user.created and user.updated.
type UserData struct {
	ID                    string         `json:"id"`
	FirstName             *string        `json:"first_name"`
	LastName              *string        `json:"last_name"`
	ImageURL              string         `json:"image_url"`
	PrimaryEmailAddressID string         `json:"primary_email_address_id"`
	EmailAddresses        []emailAddress `json:"email_addresses"`
}

// User converts the payload to a provider user.
func (d UserData) User() *User {
	u := &User{
		ID:        d.ID,
		FirstName: deref(d.FirstName),
		LastName:  deref(d.LastName),
		ImageURL:  d.ImageURL,
	}
	for _, addr := range d.EmailAddresses {
		if u.Email == "" || addr.ID == d.PrimaryEmailAddressID {
			u.Email = addr.EmailAddress
		}
		if addr.ID == d.PrimaryEmailAddressID {
			break
		}
	}
	return u
}

// SessionData is the payload of session.created.
type SessionData struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
}

// MembershipData is the payload of organizationMembership events. It carries
// no email address; the full profile must be fetched separately.
type MembershipData struct {
	ID           string `json:"id"`
	Role         string `json:"role"`
	Organization struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"organization"`
	PublicUserData struct {
		UserID    string  `json:"user_id"`
		FirstName *string `json:"first_name"`
		LastName  *string `json:"last_name"`
		ImageURL  string  `json:"image_url"`
	} `json:"public_user_data"`
}

// DecodeData unmarshals the event payload into v and checks that the
// required id fields are present.
func DecodeData[T UserData | SessionData | MembershipData](ev Event) (T, error) {
	var v T
	if err := json.Unmarshal(ev.Data, &v); err != nil {
		return v, fmt.Errorf("decoding %s payload: %w", ev.Type, err)
	}
	var missing bool
	switch d := any(v).(type) {
	case UserData:
		missing = d.ID == ""
	case SessionData:
		missing = d.UserID == ""
	case MembershipData:
		missing = d.Organization.ID == "" || d.PublicUserData.UserID == ""
	}
	if missing {
		return v, fmt.Errorf("%s payload is missing identifiers", ev.Type)
	}
	return v, nil
}
