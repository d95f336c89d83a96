package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
)

const sessionIssuer = "tenantgate"

// SessionClaims are the claims carried by a session token. Subject is the
// user id.
type SessionClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
}

// Valid adds a subject check to the registered-claims checks.
func (c *SessionClaims) Valid() error {
	if err := c.RegisteredClaims.Valid(); err != nil {
		return err
	}
	if c.Subject == "" {
		return errors.New("claim has no subject")
	}
	return nil
}

// SessionAuthenticator issues and verifies HS256 session tokens.
type SessionAuthenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionAuthenticator signs with secret. Tokens live for ttl.
func NewSessionAuthenticator(secret string, ttl time.Duration) *SessionAuthenticator {
	return &SessionAuthenticator{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a session for userID with tenantID as the current tenant.
func (s *SessionAuthenticator) Issue(userID, tenantID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, apierror.Invalid("auth.Issue", "user id is required")
	}
	now := s.now()
	expires := now.Add(s.ttl)
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    sessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		TenantID: tenantID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session: %w", err)
	}
	return signed, expires, nil
}

// Verify parses and validates a session token.
func (s *SessionAuthenticator) Verify(token string) (*SessionClaims, error) {
	const op = "auth.VerifySession"

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &SessionClaims{}

	// jwt/v4 reads the package-level TimeFunc during validation, so expiry is
	// checked here against s.now instead.
	parser.SkipClaimsValidation = true
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, apierror.Wrap(apierror.KindAuthenticationRequired, op, err)
	}

	now := s.now()
	switch {
	case claims.Subject == "":
		return nil, apierror.New(apierror.KindAuthenticationRequired, op, "invalid credentials")
	case claims.Issuer != sessionIssuer:
		return nil, apierror.New(apierror.KindAuthenticationRequired, op, "invalid credentials")
	case !claims.VerifyExpiresAt(now, true):
		return nil, apierror.New(apierror.KindAuthenticationRequired, op, "session expired")
	case !claims.VerifyNotBefore(now, false):
		return nil, apierror.New(apierror.KindAuthenticationRequired, op, "invalid credentials")
	}
	return claims, nil
}
