package middleware

import (
	"net/http"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
)

// authenticate runs the authenticator chain on the bearer credential. A
// presented but invalid credential is always rejected, even on routes that
// do not require auth.
func (p *Pipeline) authenticate(next HandlerFunc, opts Options) HandlerFunc {
	required := opts.RequireAuth || opts.RequireTenant
	return func(w http.ResponseWriter, r *http.Request) error {
		ctx := r.Context()
		credential := httputil.BearerToken(r)

		var principal *auth.Principal
		if credential != "" && p.cfg.Authenticator != nil {
			var err error
			principal, err = p.cfg.Authenticator.Authenticate(ctx, credential)
			if err != nil {
				reason := "invalid_credential"
				if apierror.KindOf(err) == apierror.KindUpstreamFailure {
					reason = "upstream"
				} else {
					p.cfg.Security.AuthFailed(ctx, httputil.ClientIP(r, p.cfg.TrustProxy), reason)
				}
				p.cfg.Metrics.RecordAuthFailure(reason)
				return p.fail(w, r, err)
			}
		}

		if principal == nil {
			if required {
				p.cfg.Metrics.RecordAuthFailure("missing")
				return p.fail(w, r, apierror.Wrap(apierror.KindAuthenticationRequired, "middleware.authenticate",
					apierror.ErrAuthenticationRequired))
			}
			return next(w, r)
		}

		return next(w, r.WithContext(auth.WithPrincipal(ctx, principal)))
	}
}
