package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/ratelimit"
)

// rateLimit admits or rejects the request under opts.RateLimitPolicy and
// publishes the usage headers.
func (p *Pipeline) rateLimit(next HandlerFunc, opts Options) HandlerFunc {
	if opts.RateLimitPolicy == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) error {
		if p.cfg.Limiter == nil || p.cfg.Policies == nil {
			return p.fail(w, r, apierror.New(apierror.KindUpstreamFailure, "middleware.rateLimit", "rate limiter is not configured"))
		}
		policy, ok := p.cfg.Policies.Get(opts.RateLimitPolicy)
		if !ok {
			return p.fail(w, r, apierror.New(apierror.KindUpstreamFailure, "middleware.rateLimit",
				"unknown rate limit policy "+opts.RateLimitPolicy))
		}

		identifier := p.identify(r, policy.KeyBy)
		d := p.cfg.Limiter.Check(identifier, policy)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			p.cfg.Security.RateLimited(r.Context(), identifier, policy.Name, policy.MaxRequests, d.RetryAfter)
			return p.fail(w, r, d.Err())
		}
		return next(w, r)
	}
}

// identify derives the limiter key. The stage runs before authentication, so
// user-keyed policies use a fingerprint of the presented credential and
// tenant-keyed policies use the raw tenant signal. Requests without one fall
// back to the client address.
func (p *Pipeline) identify(r *http.Request, keyBy ratelimit.KeyBy) string {
	switch keyBy {
	case ratelimit.KeyByUser:
		if cred := httputil.BearerToken(r); cred != "" {
			sum := sha256.Sum256([]byte(cred))
			return "cred:" + hex.EncodeToString(sum[:8])
		}
	case ratelimit.KeyByTenant:
		if id := strings.TrimSpace(r.Header.Get(p.cfg.Headers.TenantID)); id != "" {
			return "tenant:" + id
		}
		if label := strings.ToLower(strings.TrimSpace(r.Header.Get(p.cfg.Headers.Subdomain))); label != "" {
			return "subdomain:" + label
		}
	}
	return "ip:" + httputil.ClientIP(r, p.cfg.TrustProxy)
}
