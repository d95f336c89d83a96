package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
)

type createTokenRequest struct {
	Name      string     `json:"name"`
	TenantID  string     `json:"tenant_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type createTokenResponse struct {
	Token   *auth.APIToken `json:"token"`
	Secret  string         `json:"secret"`
	Warning string         `json:"warning"`
}

// createToken mints an API token for the caller. A token pinned to a tenant
// requires a membership there at creation time.
func (s *Server) createToken(w http.ResponseWriter, r *http.Request) error {
	const op = "api.createToken"
	p, err := principalOf(r)
	if err != nil {
		return err
	}
	var req createTokenRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		return err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return apierror.Invalid(op, "token name is required")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		return apierror.Invalid(op, "expires_at must be in the future")
	}

	ctx := r.Context()
	if req.TenantID != "" {
		if _, err := s.deps.Guard.Authorize(ctx, p.UserID, req.TenantID); err != nil {
			return err
		}
	}

	token, secret, err := s.deps.Tokens.CreateToken(ctx, p.UserID, req.TenantID, req.Name, req.ExpiresAt)
	if err != nil {
		return err
	}
	s.record(r, tenantEvent(ctx, audit.EventAuthTokenCreated, req.TenantID).WithResource(audit.ResourceToken, token.ID))
	return httputil.WriteCreated(w, createTokenResponse{
		Token:   token,
		Secret:  secret,
		Warning: "store this token now; it will not be shown again",
	})
}

func (s *Server) listTokens(w http.ResponseWriter, r *http.Request) error {
	p, err := principalOf(r)
	if err != nil {
		return err
	}
	tokens, err := s.deps.Tokens.ListUserTokens(r.Context(), p.UserID)
	if err != nil {
		return err
	}
	return httputil.WriteList(w, tokens, len(tokens))
}

func (s *Server) revokeToken(w http.ResponseWriter, r *http.Request) error {
	p, err := principalOf(r)
	if err != nil {
		return err
	}
	id, err := httputil.ParsePathString(r, "tokenID")
	if err != nil {
		return err
	}
	if err := s.deps.Tokens.RevokeToken(r.Context(), p.UserID, id); err != nil {
		return err
	}
	s.record(r, tenantEvent(r.Context(), audit.EventAuthTokenRevoked, p.TenantID).WithResource(audit.ResourceToken, id))
	httputil.WriteNoContent(w)
	return nil
}
