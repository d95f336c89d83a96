package ratelimit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicies(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"analytics", "api", "auth", "public", "search"}, r.Names())

	want := map[string]Policy{
		PolicyAPI:       {Name: PolicyAPI, Window: time.Minute, MaxRequests: 100, KeyBy: KeyByIP},
		PolicyAuth:      {Name: PolicyAuth, Window: 15 * time.Minute, MaxRequests: 5, KeyBy: KeyByIP},
		PolicySearch:    {Name: PolicySearch, Window: time.Minute, MaxRequests: 30, KeyBy: KeyByUser},
		PolicyPublic:    {Name: PolicyPublic, Window: time.Minute, MaxRequests: 60, KeyBy: KeyByIP},
		PolicyAnalytics: {Name: PolicyAnalytics, Window: time.Minute, MaxRequests: 1000, KeyBy: KeyByTenant},
	}
	for name, p := range want {
		got, ok := r.Get(name)
		require.True(t, ok, name)
		assert.Equal(t, p, got)
		assert.NoError(t, got.Validate())
	}
}

func TestParsePolicies(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name: "valid",
			doc: `
policies:
  - name: api
    window: 30s
    max_requests: 10
    key_by: user
`,
		},
		{name: "bad key", doc: "policies:\n  - {name: api, window: 1m, max_requests: 1, key_by: planet}", wantErr: "key_by"},
		{name: "zero window", doc: "policies:\n  - {name: api, window: 0s, max_requests: 1, key_by: ip}", wantErr: "window"},
		{name: "window too long", doc: "policies:\n  - {name: api, window: 48h, max_requests: 1, key_by: ip}", wantErr: "window"},
		{name: "no requests", doc: "policies:\n  - {name: api, window: 1m, max_requests: 0, key_by: ip}", wantErr: "max_requests"},
		{name: "duplicate", doc: "policies:\n  - {name: a, window: 1m, max_requests: 1, key_by: ip}\n  - {name: a, window: 1m, max_requests: 1, key_by: ip}", wantErr: "twice"},
		{name: "malformed", doc: "policies: [", wantErr: "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policies, err := ParsePolicies([]byte(tt.doc))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, policies, 1)
			assert.Equal(t, Policy{Name: "api", Window: 30 * time.Second, MaxRequests: 10, KeyBy: KeyByUser}, policies[0])
		})
	}
}

func TestRegistry_LoadFileOverridesAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
policies:
  - name: auth
    window: 10m
    max_requests: 3
    key_by: ip
  - name: export
    window: 1h
    max_requests: 2
    key_by: tenant
`), 0o600))

	r := NewRegistry()
	require.NoError(t, r.LoadFile(path))

	auth, _ := r.Get(PolicyAuth)
	assert.Equal(t, 3, auth.MaxRequests)
	export, ok := r.Get("export")
	require.True(t, ok)
	assert.Equal(t, KeyByTenant, export.KeyBy)
	_, ok = r.Get(PolicyAPI)
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("policies: ["), 0o600))
	assert.Error(t, r.LoadFile(path))
	auth, _ = r.Get(PolicyAuth)
	assert.Equal(t, 3, auth.MaxRequests, "failed reload keeps previous policies")
}

func TestRegistry_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policies:\n  - {name: api, window: 1m, max_requests: 7, key_by: ip}\n"), 0o600))

	r := NewRegistry()
	require.NoError(t, r.LoadFile(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Watch(ctx, path, nil))

	require.NoError(t, os.WriteFile(path, []byte("policies:\n  - {name: api, window: 1m, max_requests: 9, key_by: ip}\n"), 0o600))

	assert.Eventually(t, func() bool {
		p, _ := r.Get(PolicyAPI)
		return p.MaxRequests == 9
	}, 2*time.Second, 10*time.Millisecond)
}
