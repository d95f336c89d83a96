package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

// TenantSource looks up active tenants. *Store and *CachedStore implement it.
type TenantSource interface {
	LookupTenant(ctx context.Context, lookup tenancy.TenantLookup) (*tenancy.Tenant, error)
}

const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = time.Minute
	cacheKeyPrefix   = "tenantgate:tenant:"
)

// CachedStore fronts a TenantSource with an in-process LRU and an optional
// Redis layer shared between instances. Concurrent misses for the same key
// are collapsed into one source lookup. Only hits are cached, so a tenant
// created after a failed lookup resolves immediately.
type CachedStore struct {
	source  TenantSource
	l1      *expirable.LRU[string, *tenancy.Tenant]
	redis   redis.UniversalClient
	ttl     time.Duration
	group   singleflight.Group
	metrics *observability.Metrics
	logger  *observability.Logger
}

// CacheOption configures a CachedStore.
type CacheOption func(*CachedStore)

// WithRedis enables the shared cache layer.
func WithRedis(client redis.UniversalClient) CacheOption {
	return func(c *CachedStore) { c.redis = client }
}

func WithCacheMetrics(m *observability.Metrics) CacheOption {
	return func(c *CachedStore) { c.metrics = m }
}

func WithCacheLogger(logger *observability.Logger) CacheOption {
	return func(c *CachedStore) { c.logger = logger }
}

// NewCachedStore wraps source. Zero size or ttl use the defaults.
func NewCachedStore(source TenantSource, size int, ttl time.Duration, opts ...CacheOption) *CachedStore {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &CachedStore{
		source: source,
		l1:     expirable.NewLRU[string, *tenancy.Tenant](size, nil, ttl),
		ttl:    ttl,
		logger: observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(lookup tenancy.TenantLookup) string {
	return cacheKeyPrefix + lookup.String()
}

// LookupTenant checks the LRU, then Redis, then the source.
func (c *CachedStore) LookupTenant(ctx context.Context, lookup tenancy.TenantLookup) (*tenancy.Tenant, error) {
	key := cacheKey(lookup)

	if t, ok := c.l1.Get(key); ok {
		c.metrics.RecordCacheLookup("l1", true)
		return copyTenant(t), nil
	}
	c.metrics.RecordCacheLookup("l1", false)

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if t := c.getRedis(ctx, key); t != nil {
			c.l1.Add(key, t)
			return t, nil
		}
		t, err := c.source.LookupTenant(ctx, lookup)
		if err != nil {
			return nil, err
		}
		c.store(ctx, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return copyTenant(v.(*tenancy.Tenant)), nil
}

func (c *CachedStore) getRedis(ctx context.Context, key string) *tenancy.Tenant {
	if c.redis == nil {
		return nil
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.RecordCacheLookup("redis", false)
		return nil
	}
	if err != nil {
		c.logger.WithError(err).Warn("Tenant cache read failed; falling back to database")
		return nil
	}

	var t tenancy.Tenant
	if err := json.Unmarshal(data, &t); err != nil {
		c.redis.Del(ctx, key)
		c.logger.WithError(err).Warn("Dropped corrupt tenant cache entry")
		return nil
	}
	c.metrics.RecordCacheLookup("redis", true)
	return &t
}

// store caches t under every key it can be looked up by.
func (c *CachedStore) store(ctx context.Context, t *tenancy.Tenant) {
	keys := tenantKeys(t)
	for _, key := range keys {
		c.l1.Add(key, t)
	}
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	pipe := c.redis.Pipeline()
	for _, key := range keys {
		pipe.Set(ctx, key, data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.WithError(err).Warn("Tenant cache write failed")
	}
}

// Invalidate drops every cached entry for t. Store.OnTenantChange calls it.
func (c *CachedStore) Invalidate(ctx context.Context, t *tenancy.Tenant) {
	keys := tenantKeys(t)
	for _, key := range keys {
		c.l1.Remove(key)
		c.group.Forget(key)
	}
	if c.redis != nil {
		if err := c.redis.Del(ctx, keys...).Err(); err != nil {
			c.logger.WithError(err).WithField("tenant_id", t.ID).Warn("Tenant cache invalidation failed")
		}
	}
}

// Len returns the number of in-process entries.
func (c *CachedStore) Len() int {
	return c.l1.Len()
}

func tenantKeys(t *tenancy.Tenant) []string {
	keys := []string{
		cacheKey(tenancy.TenantLookup{Field: tenancy.LookupByID, Value: t.ID}),
		cacheKey(tenancy.TenantLookup{Field: tenancy.LookupBySlug, Value: t.Slug}),
	}
	if t.Subdomain != "" {
		keys = append(keys, cacheKey(tenancy.TenantLookup{Field: tenancy.LookupBySubdomain, Value: t.Subdomain}))
	}
	return keys
}

func copyTenant(t *tenancy.Tenant) *tenancy.Tenant {
	cp := *t
	return &cp
}
