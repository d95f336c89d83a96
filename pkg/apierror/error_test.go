package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := New(KindLastOwnerProtection, "rbac.ChangeMemberRole", "cannot demote sole owner")
	wrapped := fmt.Errorf("failed to change role: %w", err)

	assert.True(t, errors.Is(wrapped, ErrLastOwnerProtection))
	assert.True(t, IsLastOwnerProtection(wrapped))
	assert.False(t, errors.Is(wrapped, ErrUnauthorizedTenantAccess))
}

func TestUpstreamKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Upstream("scoped.Projects.FindMany", cause)

	assert.True(t, errors.Is(err, ErrUpstreamFailure))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, KindUpstreamFailure, KindOf(err))
}

func TestKindOfUncodedIsUpstream(t *testing.T) {
	assert.Equal(t, KindUpstreamFailure, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestPublic(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		expose     bool
		wantStatus int
		wantCode   Kind
		wantMsg    string
	}{
		{
			name:       "authentication required",
			err:        ErrAuthenticationRequired,
			wantStatus: http.StatusUnauthorized,
			wantCode:   KindAuthenticationRequired,
			wantMsg:    "authentication required",
		},
		{
			name:       "tenant not found masked as unauthorized",
			err:        New(KindTenantNotFound, "tenants.Resolve", "no active tenant with subdomain acme"),
			wantStatus: http.StatusForbidden,
			wantCode:   KindUnauthorizedTenantAccess,
			wantMsg:    "access to tenant denied",
		},
		{
			name:       "upstream hidden",
			err:        Upstream("db", errors.New("pq: password authentication failed")),
			wantStatus: http.StatusInternalServerError,
			wantCode:   KindUpstreamFailure,
			wantMsg:    "internal error",
		},
		{
			name:       "upstream exposed in development",
			err:        Upstream("db", errors.New("pq: timeout")),
			expose:     true,
			wantStatus: http.StatusInternalServerError,
			wantCode:   KindUpstreamFailure,
			wantMsg:    "db: pq: timeout",
		},
		{
			name:       "uncoded error treated as upstream",
			err:        errors.New("secret detail"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   KindUpstreamFailure,
			wantMsg:    "internal error",
		},
		{
			name:       "last owner",
			err:        ErrLastOwnerProtection,
			wantStatus: http.StatusConflict,
			wantCode:   KindLastOwnerProtection,
			wantMsg:    ErrLastOwnerProtection.Msg,
		},
		{
			name:       "wrapped invalid falls back to sentinel message",
			err:        Wrap(KindInvalid, "api.decode", errors.New("unexpected EOF")),
			wantStatus: http.StatusBadRequest,
			wantCode:   KindInvalid,
			wantMsg:    "invalid request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := Public(tt.err, tt.expose)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantMsg, resp.Error)
			assert.Nil(t, resp.Limit)
		})
	}
}

func TestPublicRateLimited(t *testing.T) {
	reset := time.Unix(1700000060, 0)
	err := &RateLimitError{Policy: "api", Limit: 5, ResetAt: reset, RetryAfter: 1500 * time.Millisecond}

	require.True(t, IsRateLimited(err))

	status, resp := Public(err, false)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, KindRateLimited, resp.Code)
	require.NotNil(t, resp.Limit)
	assert.Equal(t, 5, *resp.Limit)
	assert.Equal(t, 0, *resp.Remaining)
	assert.Equal(t, int64(1700000060), *resp.ResetAt)
	assert.Equal(t, 2, *resp.RetryAfter)
}

func TestRetryAfterSecondsFloor(t *testing.T) {
	err := &RateLimitError{RetryAfter: 0}
	assert.Equal(t, 1, err.RetryAfterSeconds())
}
