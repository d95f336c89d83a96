package tenants

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

func newTestResolver() (*Resolver, *countingSource) {
	src := newCountingSource(
		&tenancy.Tenant{ID: "t-acme", Slug: "acme", Subdomain: "acme", Active: true},
		&tenancy.Tenant{ID: "t-globex", Slug: "globex", Subdomain: "globex", Active: true},
		&tenancy.Tenant{ID: "t-gone", Slug: "gone", Subdomain: "gone", Active: false},
	)
	return NewResolver(src, ResolverConfig{PlatformDomain: "example.com"}, nil), src
}

func TestResolver_Precedence(t *testing.T) {
	r, _ := newTestResolver()

	tests := []struct {
		name       string
		sig        Signals
		wantTenant string
		wantMethod Method
	}{
		{
			name:       "edge label under platform domain",
			sig:        Signals{Host: "acme.example.com", Subdomain: "acme"},
			wantTenant: "t-acme", wantMethod: MethodSubdomain,
		},
		{
			name:       "host with port",
			sig:        Signals{Host: "ACME.example.com:8443", Subdomain: "ACME"},
			wantTenant: "t-acme", wantMethod: MethodSubdomain,
		},
		{
			name:       "edge label is authoritative over host",
			sig:        Signals{Host: "acme.example.com", Subdomain: "globex"},
			wantTenant: "t-globex", wantMethod: MethodSubdomain,
		},
		{
			name:       "host alone is not a subdomain signal",
			sig:        Signals{Host: "acme.example.com", TenantID: "t-globex"},
			wantTenant: "t-globex", wantMethod: MethodHeader,
		},
		{
			name:       "subdomain beats header and session",
			sig:        Signals{Host: "acme.example.com", Subdomain: "acme", TenantID: "t-globex", SessionTenantID: "t-globex"},
			wantTenant: "t-acme", wantMethod: MethodSubdomain,
		},
		{
			name:       "reserved label falls through to header",
			sig:        Signals{Host: "www.example.com", Subdomain: "www", TenantID: "t-globex"},
			wantTenant: "t-globex", wantMethod: MethodHeader,
		},
		{
			name:       "bare platform domain falls through",
			sig:        Signals{Host: "example.com", SessionTenantID: "t-acme"},
			wantTenant: "t-acme", wantMethod: MethodSession,
		},
		{
			name:       "foreign host label ignored",
			sig:        Signals{Host: "acme.attacker.test", Subdomain: "acme", TenantID: "t-globex"},
			wantTenant: "t-globex", wantMethod: MethodHeader,
		},
		{
			name:       "header beats session",
			sig:        Signals{TenantID: "t-acme", SessionTenantID: "t-globex"},
			wantTenant: "t-acme", wantMethod: MethodHeader,
		},
		{
			name:       "session only",
			sig:        Signals{Host: "localhost:8080", SessionTenantID: "t-globex"},
			wantTenant: "t-globex", wantMethod: MethodSession,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(context.Background(), tt.sig)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTenant, res.Tenant.ID)
			assert.Equal(t, tt.wantMethod, res.Method)
		})
	}
}

func TestResolver_FailsClosedPerMethod(t *testing.T) {
	r, _ := newTestResolver()

	tests := []struct {
		name string
		sig  Signals
	}{
		{name: "unknown subdomain does not cascade to header", sig: Signals{Host: "nope.example.com", Subdomain: "nope", TenantID: "t-acme"}},
		{name: "inactive subdomain", sig: Signals{Host: "gone.example.com", Subdomain: "gone", SessionTenantID: "t-acme"}},
		{name: "unknown header does not cascade to session", sig: Signals{TenantID: "t-missing", SessionTenantID: "t-acme"}},
		{name: "inactive session tenant", sig: Signals{SessionTenantID: "t-gone"}},
		{name: "nested label", sig: Signals{Host: "a.acme.example.com", Subdomain: "a.acme"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(context.Background(), tt.sig)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, apierror.ErrTenantNotFound)
		})
	}
}

func TestResolver_NoSignals(t *testing.T) {
	r, src := newTestResolver()

	for _, sig := range []Signals{{}, {Host: "example.com"}, {Host: "api.example.com", Subdomain: "api"}, {Host: "acme.example.com"}, {TenantID: "   "}} {
		_, err := r.Resolve(context.Background(), sig)
		assert.ErrorIs(t, err, apierror.ErrTenantContextMissing)
	}
	assert.Zero(t, src.Calls(), "no lookup without a signal")
}

func TestResolver_UpstreamFailure(t *testing.T) {
	r, src := newTestResolver()
	src.err = errors.New("connection refused")

	_, err := r.Resolve(context.Background(), Signals{TenantID: "t-acme"})
	assert.ErrorIs(t, err, apierror.ErrUpstreamFailure)
	assert.NotErrorIs(t, err, apierror.ErrTenantNotFound)
}

func TestResolver_Idempotent(t *testing.T) {
	r, _ := newTestResolver()
	sig := Signals{Host: "acme.example.com", TenantID: "t-globex"}

	first, err := r.Resolve(context.Background(), sig)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolver_WithoutPlatformDomainIgnoresHosts(t *testing.T) {
	src := newCountingSource(&tenancy.Tenant{ID: "t-acme", Slug: "acme", Subdomain: "acme", Active: true})
	r := NewResolver(src, ResolverConfig{}, nil)

	_, err := r.Resolve(context.Background(), Signals{Host: "acme.example.com", Subdomain: "acme"})
	assert.ErrorIs(t, err, apierror.ErrTenantContextMissing)
}
