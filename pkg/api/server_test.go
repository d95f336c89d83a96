package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/database"
	"github.com/platinummonkey/tenantgate/pkg/database/dbtest"
	"github.com/platinummonkey/tenantgate/pkg/middleware"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/ratelimit"
	"github.com/platinummonkey/tenantgate/pkg/rbac"
	"github.com/platinummonkey/tenantgate/pkg/scoped"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
	"github.com/platinummonkey/tenantgate/pkg/tenants"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	handler  http.Handler
	db       *sql.DB
	sessions *auth.SessionAuthenticator
	store    *tenants.Store
	rec      *audit.Recorder
	alice    *tenancy.User
	bob      *tenancy.User
	carol    *tenancy.User
	acme     *tenancy.Tenant
	globex   *tenancy.Tenant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.New(t)
	store := tenants.NewStore(db, database.SQLite)

	f := &fixture{
		db:       db,
		sessions: auth.NewSessionAuthenticator(testSecret, time.Hour),
		store:    store,
		rec:      audit.NewRecorder(),
		alice:    &tenancy.User{Email: "alice@example.com"},
		bob:      &tenancy.User{Email: "bob@example.com"},
		carol:    &tenancy.User{Email: "carol@example.com"},
		acme:     &tenancy.Tenant{Name: "Acme", Subdomain: "acme"},
		globex:   &tenancy.Tenant{Name: "Globex", Subdomain: "globex"},
	}
	for _, u := range []*tenancy.User{f.alice, f.bob, f.carol} {
		require.NoError(t, store.CreateUser(ctx, u))
	}
	require.NoError(t, store.CreateTenant(ctx, f.acme, f.alice.ID))
	require.NoError(t, store.CreateTenant(ctx, f.globex, f.bob.ID))

	tokens := auth.NewTokenManager(db)
	guard := rbac.NewGuard(store, rbac.WithAuditLogger(f.rec))
	pipeline := middleware.New(middleware.Config{
		Logger:        observability.NewLogger(observability.InfoLevel, io.Discard),
		Authenticator: auth.Chain{auth.NewAPITokenAuthenticator(tokens), f.sessions},
		Resolver:      tenants.NewResolver(store, tenants.ResolverConfig{PlatformDomain: "example.com"}, nil),
		Guard:         guard,
		Backend:       scoped.NewSQLBackend(db, "sqlite3"),
		Limiter:       ratelimit.NewLimiter(),
		Policies:      ratelimit.NewRegistry(),
		Audit:         f.rec,
	})
	f.handler = NewServer(Deps{
		Pipeline: pipeline,
		Tenants:  store,
		Guard:    guard,
		Tokens:   tokens,
		Sessions: f.sessions,
		Audit:    f.rec,
	}).Handler()
	return f
}

func (f *fixture) session(t *testing.T, u *tenancy.User, tn *tenancy.Tenant) string {
	t.Helper()
	tenantID := ""
	if tn != nil {
		tenantID = tn.ID
	}
	token, _, err := f.sessions.Issue(u.ID, tenantID)
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) apierror.Kind {
	t.Helper()
	var body apierror.Response
	decode(t, rr, &body)
	return body.Code
}

func TestProjects_Lifecycle(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, f.alice, f.acme)

	rr := f.do(t, http.MethodPost, "/v1/projects", alice, map[string]string{"name": "  Roadmap  "})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var p scoped.Project
	decode(t, rr, &p)
	assert.Equal(t, "Roadmap", p.Name)
	assert.Equal(t, f.acme.ID, p.TenantID)
	assert.Equal(t, f.alice.ID, p.OwnerID)

	rr = f.do(t, http.MethodPatch, "/v1/projects/"+p.ID, alice, map[string]string{"description": "2027"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/v1/projects?name=road", alice, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Items []scoped.Project `json:"items"`
		Count int              `json:"count"`
	}
	decode(t, rr, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "2027", list.Items[0].Description)

	rr = f.do(t, http.MethodDelete, "/v1/projects/"+p.ID, alice, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(t, http.MethodGet, "/v1/projects/"+p.ID, alice, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, apierror.KindNotFound, errorCode(t, rr))
}

func TestProjects_CrossTenantIsInvisible(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/v1/projects", f.session(t, f.alice, f.acme), map[string]string{"name": "Secret"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var p scoped.Project
	decode(t, rr, &p)

	bob := f.session(t, f.bob, f.globex)
	rr = f.do(t, http.MethodGet, "/v1/projects/"+p.ID, bob, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// A session pointing at a tenant bob does not belong to is refused.
	rr = f.do(t, http.MethodGet, "/v1/projects", f.session(t, f.bob, f.acme), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, apierror.KindUnauthorizedTenantAccess, errorCode(t, rr))
}

func TestMembers_RolesGateWrites(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, f.alice, f.acme)

	rr := f.do(t, http.MethodPost, "/v1/tenant/members", alice, map[string]string{"user_id": f.carol.ID, "role": "viewer"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	carol := f.session(t, f.carol, f.acme)
	rr = f.do(t, http.MethodGet, "/v1/projects", carol, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/projects", carol, map[string]string{"name": "Nope"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, apierror.KindInsufficientPermission, errorCode(t, rr))

	rr = f.do(t, http.MethodPut, "/v1/tenant/members/"+f.carol.ID+"/role", alice, map[string]string{"role": "editor"})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/v1/projects", carol, map[string]string{"name": "Now allowed"})
	assert.Equal(t, http.StatusCreated, rr.Code)

	// An editor cannot hand out permissions it lacks.
	rr = f.do(t, http.MethodPost, "/v1/tenant/members", carol, map[string]string{"user_id": f.bob.ID, "role": "viewer"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestMembers_LastOwnerProtection(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, f.alice, f.acme)

	rr := f.do(t, http.MethodDelete, "/v1/tenant/members/"+f.alice.ID, alice, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, apierror.KindLastOwnerProtection, errorCode(t, rr))

	rr = f.do(t, http.MethodPut, "/v1/tenant/members/"+f.alice.ID+"/role", alice, map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	m, err := f.store.GetMembership(context.Background(), f.alice.ID, f.acme.ID)
	require.NoError(t, err)
	assert.Equal(t, tenancy.RoleOwner, m.Role)
}

func TestMembers_GrantsBoundedByActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.AddMember(ctx, f.acme.ID, f.carol.ID, tenancy.RoleAdmin, 0)
	require.NoError(t, err)
	_, err = f.store.AddMember(ctx, f.acme.ID, f.bob.ID, tenancy.RoleViewer, 0)
	require.NoError(t, err)

	carol := f.session(t, f.carol, f.acme)
	rr := f.do(t, http.MethodPut, "/v1/tenant/members/"+f.bob.ID+"/permissions", carol,
		map[string][]string{"permissions": {"manage_projects"}})
	assert.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPut, "/v1/tenant/members/"+f.bob.ID+"/permissions", carol,
		map[string][]string{"permissions": {"delete_tenant"}})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/tenant/members", carol, map[string]string{"user_id": f.alice.ID, "role": "owner"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestTokens_PinnedToTenant(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, f.alice, nil)

	rr := f.do(t, http.MethodPost, "/v1/tokens", alice, map[string]string{"name": "ci", "tenant_id": f.acme.ID})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created struct {
		Token  auth.APIToken `json:"token"`
		Secret string        `json:"secret"`
	}
	decode(t, rr, &created)
	require.NotEmpty(t, created.Secret)
	assert.Len(t, f.rec.OfType(audit.EventAuthTokenCreated), 1)

	rr = f.do(t, http.MethodGet, "/v1/tenant", created.Secret, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// Pointing the token at another tenant is refused even for a member.
	_, err := f.store.AddMember(context.Background(), f.globex.ID, f.alice.ID, tenancy.RoleViewer, 0)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/v1/tenant", nil)
	req.Header.Set("Authorization", "Bearer "+created.Secret)
	req.Header.Set("X-Tenant-ID", f.globex.ID)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Tokens cannot be minted for tenants the caller is not in.
	rr = f.do(t, http.MethodPost, "/v1/tokens", f.session(t, f.carol, nil), map[string]string{"name": "x", "tenant_id": f.acme.ID})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodDelete, "/v1/tokens/"+created.Token.ID, alice, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(t, http.MethodGet, "/v1/tenant", created.Secret, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSession_SwitchTenant(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, f.alice, f.acme)

	rr := f.do(t, http.MethodPost, "/v1/session/tenant", alice, map[string]string{"tenant_id": f.globex.ID})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/session/tenant", alice, map[string]string{"tenant_id": "missing"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, apierror.KindUnauthorizedTenantAccess, errorCode(t, rr))

	_, err := f.store.AddMember(context.Background(), f.globex.ID, f.alice.ID, tenancy.RoleViewer, 0)
	require.NoError(t, err)
	rr = f.do(t, http.MethodPost, "/v1/session/tenant", alice, map[string]string{"tenant_id": f.globex.ID})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var sess struct {
		Token string `json:"token"`
	}
	decode(t, rr, &sess)

	rr = f.do(t, http.MethodGet, "/v1/tenant", sess.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Tenant tenancy.Tenant `json:"tenant"`
	}
	decode(t, rr, &body)
	assert.Equal(t, f.globex.ID, body.Tenant.ID)
}

func TestTenant_CreateAndSettings(t *testing.T) {
	f := newFixture(t)
	carol := f.session(t, f.carol, nil)

	rr := f.do(t, http.MethodPost, "/v1/tenants", carol, map[string]string{"name": "Initech"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var tn tenancy.Tenant
	decode(t, rr, &tn)
	assert.Len(t, f.rec.OfType(audit.EventTenantCreated), 1)

	scopedTok := f.session(t, f.carol, &tn)
	rr = f.do(t, http.MethodPut, "/v1/tenant/settings", scopedTok, map[string]interface{}{"beta": true})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/v1/me/tenants", carol, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), tn.ID)

	rr = f.do(t, http.MethodGet, "/v1/tenant/stats", scopedTok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats scoped.Statistics
	decode(t, rr, &stats)
	assert.Equal(t, 1, stats.ActiveMembers)
}

func TestAudit_ListAndExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.AddMember(ctx, f.acme.ID, f.carol.ID, tenancy.RoleViewer, 0)
	require.NoError(t, err)

	// Seed through the DB logger so the scoped backend can read them back.
	dbLog, err := audit.NewDBLogger(f.db)
	require.NoError(t, err)
	for _, typ := range []audit.EventType{audit.EventDataCreate, audit.EventDataRead} {
		e := audit.NewEvent(ctx, typ, audit.StatusSuccess)
		e.TenantID = f.acme.ID
		e.ActorID = f.alice.ID
		require.NoError(t, dbLog.Log(ctx, e))
	}

	alice := f.session(t, f.alice, f.acme)
	rr := f.do(t, http.MethodGet, "/v1/audit-events?event_type=data.create", alice, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var list struct {
		Count int `json:"count"`
	}
	decode(t, rr, &list)
	assert.Equal(t, 1, list.Count)

	rr = f.do(t, http.MethodGet, "/v1/audit-events", f.session(t, f.carol, f.acme), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/audit-events/export?format=csv", alice, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	assert.GreaterOrEqual(t, strings.Count(rr.Body.String(), "\n"), 3)

	rr = f.do(t, http.MethodGet, "/v1/audit-events/export?format=xml", alice, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/audit-events?since=yesterday", alice, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUnauthenticated(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/v1/me/tenants", "/v1/tenant", "/v1/projects"} {
		rr := f.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}
	rr := f.do(t, http.MethodGet, "/v1/projects", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
