package apierror

import (
	"errors"
	"net/http"
)

// Response is the uniform JSON body written for every rejected request.
type Response struct {
	Error     string `json:"error"`
	Code      Kind   `json:"code"`
	RequestID string `json:"request_id,omitempty"`

	// Populated for rate-limit rejections only.
	Limit      *int   `json:"limit,omitempty"`
	Remaining  *int   `json:"remaining,omitempty"`
	ResetAt    *int64 `json:"reset_at,omitempty"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

var statusByKind = map[Kind]int{
	KindAuthenticationRequired:   http.StatusUnauthorized,
	KindTenantContextMissing:     http.StatusBadRequest,
	KindUnauthorizedTenantAccess: http.StatusForbidden,
	KindInsufficientPermission:   http.StatusForbidden,
	KindLastOwnerProtection:      http.StatusConflict,
	KindRateLimited:              http.StatusTooManyRequests,
	KindUpstreamFailure:          http.StatusInternalServerError,
	KindNotFound:                 http.StatusNotFound,
	KindInvalid:                  http.StatusBadRequest,
	KindConflict:                 http.StatusConflict,
}

// Public converts err into the status code and body safe to show an untrusted
// caller. TenantNotFound is reported as UnauthorizedTenantAccess so callers
// cannot probe which tenants exist. Upstream causes are hidden unless expose
// is set.
func Public(err error, expose bool) (int, Response) {
	kind := KindOf(err)

	if kind == KindTenantNotFound {
		kind = KindUnauthorizedTenantAccess
		err = ErrUnauthorizedTenantAccess
	}

	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
		kind = KindUpstreamFailure
	}

	resp := Response{Code: kind}
	switch kind {
	case KindUpstreamFailure:
		resp.Error = "internal error"
		if expose {
			resp.Error = err.Error()
		}
	case KindRateLimited:
		resp.Error = ErrRateLimited.Msg
		var rl *RateLimitError
		if errors.As(err, &rl) {
			remaining := 0
			reset := rl.ResetAt.Unix()
			retry := rl.RetryAfterSeconds()
			resp.Limit = &rl.Limit
			resp.Remaining = &remaining
			resp.ResetAt = &reset
			resp.RetryAfter = &retry
		}
	default:
		resp.Error = publicMessage(err, kind)
	}

	return status, resp
}

// publicMessage prefers the caller-facing Msg of the outermost coded error and
// never includes wrapped causes.
func publicMessage(err error, kind Kind) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	for _, s := range []*Error{
		ErrAuthenticationRequired, ErrTenantContextMissing, ErrUnauthorizedTenantAccess,
		ErrInsufficientPermission, ErrLastOwnerProtection, ErrNotFound, ErrInvalid, ErrConflict,
	} {
		if s.Kind == kind {
			return s.Msg
		}
	}
	return string(kind)
}
