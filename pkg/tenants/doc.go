// Package tenants stores tenants, users and memberships, caches tenant
// lookups, and resolves which tenant a request belongs to.
//
// Resolution order is subdomain, then the trusted tenant header, then the
// session's current tenant. The first signal present decides; if it names no
// active tenant the request fails rather than trying the next signal.
//
//	store := tenants.NewStore(db, database.Postgres)
//	cache := tenants.NewCachedStore(store, 1024, time.Minute, tenants.WithRedis(rdb))
//	store.OnTenantChange(cache.Invalidate)
//	resolver := tenants.NewResolver(cache, tenants.ResolverConfig{PlatformDomain: "example.com"}, metrics)
//
//	res, err := resolver.Resolve(ctx, tenants.Signals{Host: r.Host, TenantID: r.Header.Get("X-Tenant-ID")})
//
// Membership changes that could drop the last owner of a tenant re-check the
// owner count inside the same transaction as the write.
package tenants
