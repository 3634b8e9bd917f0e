// Package auth authenticates API callers: end users by identity-provider
// session token and operators by a static admin key.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned for any session token that fails verification.
var ErrInvalidToken = errors.New("invalid session token")

// Principal is an authenticated end user.
type Principal struct {
	UserID    string
	SessionID string
}

// SessionClaims are the claims carried by an identity-provider session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID       string `json:"sid"`
	AuthorizedParty string `json:"azp,omitempty"`
}

// SessionVerifier checks RS256 session tokens against the provider's
// public key.
type SessionVerifier struct {
	publicKey         *rsa.PublicKey
	authorizedParties []string
	leeway            time.Duration
}

// NewSessionVerifier parses a PEM-encoded RSA public key. When
// authorizedParties is non-empty, a token's azp claim must be one of them.
func NewSessionVerifier(publicKeyPEM string, authorizedParties []string) (*SessionVerifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parsing session public key: %w", err)
	}
	return &SessionVerifier{
		publicKey:         key,
		authorizedParties: authorizedParties,
		leeway:            5 * time.Second,
	}, nil
}

// Verify validates the signature, expiry and not-before of the token and
// returns the principal it names.
func (v *SessionVerifier) Verify(token string) (*Principal, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if len(v.authorizedParties) > 0 && !slices.Contains(v.authorizedParties, claims.AuthorizedParty) {
		return nil, ErrInvalidToken
	}
	return &Principal{UserID: claims.Subject, SessionID: claims.SessionID}, nil
}

// HashAdminKey returns the bcrypt hash stored in configuration for an admin
// key.
func HashAdminKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing admin key: %w", err)
	}
	return string(h), nil
}

// CheckAdminKey reports whether key matches the stored bcrypt hash.
func CheckAdminKey(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
