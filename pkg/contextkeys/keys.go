// Package contextkeys provides centralized context key definitions
//
// All context keys used across the module are defined here so that the
// pipeline stages and the packages reading their output agree on one name.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/tenantgate/pkg/contextkeys"
//	ctx = contextkeys.WithRequestID(ctx, id)
//	id := contextkeys.GetRequestID(ctx)
package contextkeys

import (
	"context"
	"time"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains *auth.Principal
	// Set by: the authentication stage (pkg/middleware/auth.go)
	// Required by: the tenant stage, handlers that need the caller identity
	PrincipalKey Key = "principal"

	// AuthKey contains *auth.AuthContext
	// Set by: the tenant stage after resolution and guard checks
	// Required by: tenant-scoped handlers
	AuthKey Key = "auth_context"

	// TenantKey contains *tenancy.Tenant
	// Set by: the tenant stage (pkg/middleware/tenant.go)
	TenantKey Key = "tenant"

	// ScopedAccessKey contains *scoped.Access
	// Set by: the tenant stage, one instance per request
	ScopedAccessKey Key = "scoped_access"

	// RequestIDKey contains the request correlation id (string)
	// Set by: the logging stage
	// Used by: logger, audit trail, error responses
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger enriched with request fields
	LoggerKey Key = "logger"

	// RequestStartTimeKey contains time.Time of request arrival
	RequestStartTimeKey Key = "request_start_time"
)

// WithValue stores v under key.
func WithValue(ctx context.Context, key Key, v interface{}) context.Context {
	return context.WithValue(ctx, key, v)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithRequestStartTime adds request start time to the context
func WithRequestStartTime(ctx context.Context, start time.Time) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, start)
}

// GetRequestStartTime returns the request start time and whether it was set.
func GetRequestStartTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(RequestStartTimeKey).(time.Time)
	return t, ok
}
