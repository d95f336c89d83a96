// Package config loads application configuration from environment variables.
//
// Every variable carries the TENANTGATE_ prefix. A .env file in the working
// directory is read first when present, which is how local development sets
// values; real environment variables win over it.
//
// Server:
//
//	TENANTGATE_HOST="0.0.0.0"
//	TENANTGATE_PORT="8080"
//	TENANTGATE_REQUEST_TIMEOUT="10s"
//
// Database:
//
//	TENANTGATE_DB_DRIVER="postgres"   # postgres or sqlite3
//	TENANTGATE_DB_DSN="postgres://tenantgate@localhost/tenantgate?sslmode=disable"
//
// Tenancy:
//
//	TENANTGATE_PLATFORM_DOMAIN="example.com"
//	TENANTGATE_RESERVED_SUBDOMAINS="www,app,api,admin"
//	TENANTGATE_REDIS_ADDR="localhost:6379"   # optional shared tenant cache
//
// Auth and rate limiting:
//
//	TENANTGATE_SESSION_SECRET="..."          # at least 32 bytes
//	TENANTGATE_RATELIMIT_POLICY_FILE="/etc/tenantgate/policies.yaml"
//
// Audit:
//
//	TENANTGATE_AUDIT_RETENTION_DAYS="90"
//	TENANTGATE_AUDIT_ARCHIVE_BUCKET="tenantgate-audit"   # optional S3 archive
//
// LoadConfig validates the result; an invalid configuration is an error
// rather than a silently corrected default.
package config
