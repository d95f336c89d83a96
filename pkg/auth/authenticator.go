package auth

import (
	"context"
	"strings"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
)

// Authenticator turns a bearer credential into a Principal. It returns
// (nil, nil) when the credential is not its kind so the next authenticator
// in a Chain can try; a credential of its kind that fails verification is an
// AuthenticationRequired error.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*Principal, error)
}

// TokenValidator is implemented by *TokenManager.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*APIToken, error)
}

// APITokenAuthenticator accepts tokens carrying TokenPrefix.
type APITokenAuthenticator struct {
	tokens TokenValidator
}

func NewAPITokenAuthenticator(tokens TokenValidator) *APITokenAuthenticator {
	return &APITokenAuthenticator{tokens: tokens}
}

func (a *APITokenAuthenticator) Authenticate(ctx context.Context, credential string) (*Principal, error) {
	if !strings.HasPrefix(credential, TokenPrefix) {
		return nil, nil
	}
	t, err := a.tokens.ValidateToken(ctx, credential)
	if err != nil {
		return nil, err
	}
	return &Principal{
		UserID:    t.UserID,
		Method:    MethodAPIToken,
		TokenID:   t.ID,
		TenantID:  t.TenantID,
		ExpiresAt: t.ExpiresAt,
	}, nil
}

// Authenticate verifies a session JWT. Anything with three dot-separated
// segments is treated as a session token.
func (s *SessionAuthenticator) Authenticate(_ context.Context, credential string) (*Principal, error) {
	if strings.Count(credential, ".") != 2 {
		return nil, nil
	}
	claims, err := s.Verify(credential)
	if err != nil {
		return nil, err
	}
	p := &Principal{
		UserID:   claims.Subject,
		Method:   MethodSession,
		TenantID: claims.TenantID,
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		p.ExpiresAt = &exp
	}
	return p, nil
}

// Chain tries each authenticator in order.
type Chain []Authenticator

// Authenticate returns the first principal produced. An empty credential is
// (nil, nil); a credential nobody recognizes is AuthenticationRequired.
func (c Chain) Authenticate(ctx context.Context, credential string) (*Principal, error) {
	if credential == "" {
		return nil, nil
	}
	for _, a := range c {
		p, err := a.Authenticate(ctx, credential)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, apierror.New(apierror.KindAuthenticationRequired, "auth.Authenticate", "unrecognized credential")
}
