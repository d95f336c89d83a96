package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authentication events
	EventAuthFailed          EventType = "auth.failed"
	EventAuthTokenCreated    EventType = "auth.token_created"
	EventAuthTokenRevoked    EventType = "auth.token_revoked"
	EventAuthSessionIssued   EventType = "auth.session_issued"
	EventTenantResolveFailed EventType = "tenant.resolve_failed"

	// Authorization events
	EventAccessDenied     EventType = "authz.access_denied"
	EventPermissionDenied EventType = "authz.permission_denied"
	EventRoleChanged      EventType = "authz.role_changed"
	EventMemberRemoved    EventType = "authz.member_removed"
	EventLastOwnerBlocked EventType = "authz.last_owner_blocked"
	EventPermissionsSet   EventType = "authz.permissions_changed"

	// Security events
	EventRateLimited EventType = "security.rate_limited"

	// Tenant-scoped data events
	EventDataList     EventType = "data.list"
	EventDataRead     EventType = "data.read"
	EventDataCreate   EventType = "data.create"
	EventDataUpdate   EventType = "data.update"
	EventDataDelete   EventType = "data.delete"
	EventDataCount    EventType = "data.count"
	EventDataValidate EventType = "data.validate"
	EventDataStats    EventType = "data.stats"

	// Admin events
	EventTenantCreated     EventType = "admin.tenant_created"
	EventTenantDeactivated EventType = "admin.tenant_deactivated"
	EventSettingsUpdated   EventType = "admin.settings_updated"
	EventMemberAdded       EventType = "admin.member_added"
	EventUserDeleted       EventType = "admin.user_deleted"
)

// Status is the outcome recorded on an event.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusDenied  Status = "denied"
)

// ResourceType names what an event is about.
type ResourceType string

const (
	ResourceTenant     ResourceType = "tenant"
	ResourceMember     ResourceType = "member"
	ResourceUser       ResourceType = "user"
	ResourceToken      ResourceType = "token"
	ResourceProject    ResourceType = "project"
	ResourceDocument   ResourceType = "document"
	ResourceAuditEvent ResourceType = "audit_event"
	ResourceRequest    ResourceType = "request"
)

// Event is one audit record. TenantID is empty only for events that happen
// before a tenant is known (failed authentication, rate limiting).
type Event struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    EventType              `json:"event_type"`
	Status       Status                 `json:"status"`
	TenantID     string                 `json:"tenant_id,omitempty"`
	ActorID      string                 `json:"actor_id,omitempty"`
	ResourceType ResourceType           `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	Method       string                 `json:"method,omitempty"`
	Path         string                 `json:"path,omitempty"`
	StatusCode   int                    `json:"status_code,omitempty"`
	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent returns an event stamped with a fresh id, the current time and the
// request id carried by ctx.
func NewEvent(ctx context.Context, eventType EventType, status Status) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
	}
}

// WithResource sets the resource fields and returns e for chaining.
func (e *Event) WithResource(rt ResourceType, id string) *Event {
	e.ResourceType = rt
	e.ResourceID = id
	return e
}

// WithMeta adds a metadata entry.
func (e *Event) WithMeta(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithError records err as the failure cause. nil leaves the event untouched.
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}

// SearchFilter narrows a Search. The tenant is passed separately and is
// always applied.
type SearchFilter struct {
	ActorID      string
	EventTypes   []EventType
	Status       Status
	ResourceType ResourceType
	ResourceID   string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 500
)

func (f SearchFilter) limit() uint64 {
	switch {
	case f.Limit <= 0:
		return DefaultSearchLimit
	case f.Limit > MaxSearchLimit:
		return MaxSearchLimit
	default:
		return uint64(f.Limit)
	}
}
