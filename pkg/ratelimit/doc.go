// Package ratelimit implements the per-process sliding-window rate limiter.
//
// Each (policy, identifier) pair keeps the timestamps of its admitted
// requests inside the policy window. A request is rejected once the window
// holds MaxRequests timestamps; rejected requests are not recorded. Entries
// live in 64 fnv-hashed shards with one mutex each, and a background sweep
// drops entries idle for 24 hours.
//
//	limiter := ratelimit.NewLimiter(ratelimit.WithRejectHook(reporter.RateLimited))
//	limiter.Start(5 * time.Minute)
//	defer limiter.Stop()
//
//	policy, _ := registry.Get(ratelimit.PolicyAuth)
//	if d := limiter.Check(clientIP, policy); !d.Allowed {
//		return d.Err()
//	}
//
// Policies are data. The Registry starts from DefaultPolicies and can load
// overrides from YAML, reloading them when the file changes.
package ratelimit
