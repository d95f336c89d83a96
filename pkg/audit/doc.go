// Package audit records who did what inside which tenant.
//
// # Sinks
//
// Every sink implements Logger:
//
//   - DBLogger inserts into audit_logs.
//   - LogrusLogger writes JSON lines for log shippers.
//   - MultiLogger fans out to several sinks and aggregates failures.
//   - AsyncLogger queues events on a worker pool so request paths never block.
//   - Recorder keeps events in memory for tests.
//
// Emission is best-effort throughout the module: a failed write is logged and
// counted, never returned to the caller whose action was being audited.
//
// # Querying
//
// Store.Search and Store.Count always filter by tenant; there is no
// cross-tenant search.
//
//	events, err := store.Search(ctx, tenantID, audit.SearchFilter{
//		EventTypes: []audit.EventType{audit.EventRoleChanged},
//		Limit:      20,
//	})
//
// # Retention
//
// Retention deletes events older than the configured number of days. With an
// S3Archiver configured each batch is uploaded as NDJSON before it is deleted.
//
// # Security events
//
// SecurityReporter throttles rate-limit and authentication-failure events per
// identifier with golang.org/x/time/rate.
package audit
