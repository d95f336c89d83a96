package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/database"
	"github.com/platinummonkey/tenantgate/pkg/database/dbtest"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/ratelimit"
	"github.com/platinummonkey/tenantgate/pkg/rbac"
	"github.com/platinummonkey/tenantgate/pkg/scoped"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
	"github.com/platinummonkey/tenantgate/pkg/tenants"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type harness struct {
	pipeline *Pipeline
	sessions *auth.SessionAuthenticator
	rec      *audit.Recorder
	clock    *clock.Mock
	logs     *bytes.Buffer
	alice    *tenancy.User
	carol    *tenancy.User
	acme     *tenancy.Tenant
	globex   *tenancy.Tenant
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()
	db := dbtest.New(t)
	store := tenants.NewStore(db, database.SQLite)

	h := &harness{
		sessions: auth.NewSessionAuthenticator(testSecret, time.Hour),
		rec:      audit.NewRecorder(),
		clock:    clock.NewMock(),
		logs:     &bytes.Buffer{},
		alice:    &tenancy.User{Email: "alice@example.com"},
		carol:    &tenancy.User{Email: "carol@example.com"},
		acme:     &tenancy.Tenant{Name: "Acme", Subdomain: "acme"},
		globex:   &tenancy.Tenant{Name: "Globex", Subdomain: "globex"},
	}
	bob := &tenancy.User{Email: "bob@example.com"}
	for _, u := range []*tenancy.User{h.alice, bob, h.carol} {
		require.NoError(t, store.CreateUser(ctx, u))
	}
	require.NoError(t, store.CreateTenant(ctx, h.acme, h.alice.ID))
	require.NoError(t, store.CreateTenant(ctx, h.globex, bob.ID))

	cfg := Config{
		Logger:        observability.NewLogger(observability.InfoLevel, h.logs),
		Authenticator: auth.Chain{h.sessions},
		Resolver:      tenants.NewResolver(store, tenants.ResolverConfig{PlatformDomain: "example.com"}, nil),
		Guard:         rbac.NewGuard(store),
		Backend:       scoped.NewSQLBackend(db, "sqlite3"),
		Limiter:       ratelimit.NewLimiter(ratelimit.WithClock(h.clock)),
		Policies: ratelimit.NewRegistry(ratelimit.Policy{
			Name: "tight", Window: time.Minute, MaxRequests: 2, KeyBy: ratelimit.KeyByIP,
		}),
		Audit:    h.rec,
		Security: audit.NewSecurityReporter(h.rec, audit.DefaultSecurityConfig(), nil),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.pipeline = New(cfg)
	return h
}

func (h *harness) session(t *testing.T, userID, tenantID string) string {
	t.Helper()
	token, _, err := h.sessions.Issue(userID, tenantID)
	require.NoError(t, err)
	return "Bearer " + token
}

func serve(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) apierror.Response {
	t.Helper()
	var body apierror.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body
}

func ok(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func TestPipeline_RequestID(t *testing.T) {
	h := newHarness(t)
	var seen string
	handler := h.pipeline.Wrap(func(w http.ResponseWriter, r *http.Request) error {
		seen = contextkeys.GetRequestID(r.Context())
		return ok(w, r)
	}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := serve(handler, req)
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", rr.Header().Get("X-Request-ID"))

	rr = serve(handler, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "req-123", seen)
	assert.Equal(t, seen, rr.Header().Get("X-Request-ID"))
}

func TestPipeline_RateLimitRunsBeforeAuth(t *testing.T) {
	h := newHarness(t)
	handler := h.pipeline.Wrap(ok, Options{RateLimitPolicy: "tight", RequireAuth: true})

	for i := 0; i < 2; i++ {
		rr := serve(handler, httptest.NewRequest(http.MethodGet, "/v1/tenant", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(1-i), rr.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rr.Header().Get("X-RateLimit-Reset"))
		assert.Equal(t, apierror.KindAuthenticationRequired, decodeError(t, rr).Code)
	}

	rr := serve(handler, httptest.NewRequest(http.MethodGet, "/v1/tenant", nil))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	body := decodeError(t, rr)
	assert.Equal(t, apierror.KindRateLimited, body.Code)
	require.NotNil(t, body.RetryAfter)
	assert.Equal(t, 60, *body.RetryAfter)
	require.NotNil(t, body.Limit)
	assert.Equal(t, 2, *body.Limit)
	require.NotNil(t, body.Remaining)
	assert.Zero(t, *body.Remaining)
	assert.NotNil(t, body.ResetAt)
	assert.NotEmpty(t, body.RequestID)

	events := h.rec.OfType(audit.EventRateLimited)
	require.Len(t, events, 1)
	assert.Equal(t, "tight", events[0].Metadata["policy"])

	h.clock.Add(61 * time.Second)
	rr = serve(handler, httptest.NewRequest(http.MethodGet, "/v1/tenant", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "window slid")
}

func TestPipeline_Authentication(t *testing.T) {
	h := newHarness(t)
	var principal *auth.Principal
	handler := h.pipeline.Wrap(func(w http.ResponseWriter, r *http.Request) error {
		principal, _ = auth.PrincipalFromContext(r.Context())
		return ok(w, r)
	}, Options{RequireAuth: true})

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", h.session(t, h.alice.ID, ""))
	rr := serve(handler, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.NotNil(t, principal)
	assert.Equal(t, h.alice.ID, principal.UserID)

	public := h.pipeline.Wrap(ok, Options{})
	rr = serve(public, httptest.NewRequest(http.MethodGet, "/v1/public", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/public", nil)
	req.Header.Set("Authorization", "Bearer not-a-credential")
	rr = serve(public, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "a bad credential is never ignored")
	assert.Len(t, h.rec.OfType(audit.EventAuthFailed), 1)
}

func TestPipeline_TenantStage(t *testing.T) {
	h := newHarness(t)
	var access *scoped.Access
	var authCtx *auth.AuthContext
	handler := h.pipeline.Wrap(func(w http.ResponseWriter, r *http.Request) error {
		access, _ = ScopedAccess(r.Context())
		authCtx, _ = auth.FromContext(r.Context())
		return ok(w, r)
	}, Options{RequireAuth: true, RequireTenant: true})

	t.Run("session tenant", func(t *testing.T) {
		access, authCtx = nil, nil
		req := httptest.NewRequest(http.MethodGet, "/v1/tenant", nil)
		req.Header.Set("Authorization", h.session(t, h.alice.ID, h.acme.ID))
		rr := serve(handler, req)
		require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
		require.NotNil(t, access)
		assert.Equal(t, h.acme.ID, access.TenantID())
		assert.Equal(t, tenancy.RoleOwner, authCtx.Role)
		assert.Equal(t, string(tenants.MethodSession), authCtx.ResolvedBy)
	})

	t.Run("host without edge label is ignored", func(t *testing.T) {
		access = nil
		req := httptest.NewRequest(http.MethodGet, "http://globex.example.com/v1/tenant", nil)
		req.Header.Set("Authorization", h.session(t, h.alice.ID, h.acme.ID))
		rr := serve(handler, req)
		require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
		require.NotNil(t, access)
		assert.Equal(t, h.acme.ID, access.TenantID())
	})

	t.Run("subdomain wins over session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://globex.example.com/v1/tenant", nil)
		req.Header.Set("X-Tenant-Subdomain", "globex")
		req.Header.Set("Authorization", h.session(t, h.alice.ID, h.acme.ID))
		rr := serve(handler, req)
		assert.Equal(t, http.StatusForbidden, rr.Code, "alice is not a globex member")
		assert.Equal(t, apierror.KindUnauthorizedTenantAccess, decodeError(t, rr).Code)
	})

	tests := []struct {
		name   string
		user   string
		header string
		status int
		code   apierror.Kind
	}{
		{name: "non member", user: h.carol.ID, header: h.acme.ID, status: http.StatusForbidden, code: apierror.KindUnauthorizedTenantAccess},
		{name: "unknown tenant", user: h.alice.ID, header: "no-such-tenant", status: http.StatusForbidden, code: apierror.KindUnauthorizedTenantAccess},
		{name: "no tenant signal", user: h.alice.ID, status: http.StatusBadRequest, code: apierror.KindTenantContextMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/tenant", nil)
			req.Header.Set("Authorization", h.session(t, tt.user, ""))
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			rr := serve(handler, req)
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.code, decodeError(t, rr).Code)
		})
	}

	assert.NotEmpty(t, h.rec.OfType(audit.EventAccessDenied))
	assert.NotEmpty(t, h.rec.OfType(audit.EventTenantResolveFailed))
}

func TestPipeline_ErrorBoundary(t *testing.T) {
	h := newHarness(t)

	rr := serve(h.pipeline.Wrap(func(http.ResponseWriter, *http.Request) error {
		panic("boom")
	}, Options{}), httptest.NewRequest(http.MethodGet, "/v1/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	body := decodeError(t, rr)
	assert.Equal(t, apierror.KindUpstreamFailure, body.Code)
	assert.Equal(t, "internal error", body.Error)

	rr = serve(h.pipeline.Wrap(func(http.ResponseWriter, *http.Request) error {
		return apierror.New(apierror.KindNotFound, "test", "project not found")
	}, Options{}), httptest.NewRequest(http.MethodGet, "/v1/projects/x", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "project not found", decodeError(t, rr).Error)

	rr = serve(h.pipeline.Wrap(func(http.ResponseWriter, *http.Request) error {
		return errors.New("dial tcp: connection refused")
	}, Options{}), httptest.NewRequest(http.MethodGet, "/v1/db", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "connection refused")
}

func TestPipeline_ExposeErrors(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ExposeErrors = true })
	rr := serve(h.pipeline.Wrap(func(http.ResponseWriter, *http.Request) error {
		return errors.New("dial tcp: connection refused")
	}, Options{}), httptest.NewRequest(http.MethodGet, "/v1/db", nil))
	assert.Contains(t, rr.Body.String(), "connection refused")
}

func TestPipeline_Timeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RequestTimeout = 10 * time.Millisecond })
	handler := h.pipeline.Wrap(func(_ http.ResponseWriter, r *http.Request) error {
		<-r.Context().Done()
		return r.Context().Err()
	}, Options{TrackPerformance: true, Route: "/v1/slow"})

	rr := serve(handler, httptest.NewRequest(http.MethodGet, "/v1/slow", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
	assert.Contains(t, h.logs.String(), `"outcome":"timeout"`)
	assert.Contains(t, h.logs.String(), `"route":"/v1/slow"`)
}

func TestPipeline_WrapHTTP(t *testing.T) {
	h := newHarness(t)
	handler := h.pipeline.WrapHTTP(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}), Options{})
	rr := serve(handler, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pong", rr.Body.String())
	assert.Contains(t, h.logs.String(), `"outcome":"ok"`)
}
