package scoped

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

// DefaultActivityWindow is the trailing window TenantStatistics counts audit
// events over.
const DefaultActivityWindow = 7 * 24 * time.Hour

// Scope identifies the tenant and caller an Access is bound to.
type Scope struct {
	TenantID string
	ActorID  string
	Role     tenancy.Role
}

// Access is the tenant-scoped entry point to persistence. Build one per
// request; the tenant id cannot change after construction.
type Access struct {
	scope          Scope
	backend        Backend
	audit          audit.Logger
	metrics        *observability.Metrics
	logger         *observability.Logger
	now            func() time.Time
	activityWindow time.Duration
}

// Option configures an Access.
type Option func(*Access)

func WithAuditLogger(l audit.Logger) Option {
	return func(a *Access) {
		if l != nil {
			a.audit = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(a *Access) { a.metrics = m }
}

func WithLogger(l *observability.Logger) Option {
	return func(a *Access) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithActivityWindow sets the TenantStatistics recent-activity window.
func WithActivityWindow(d time.Duration) Option {
	return func(a *Access) {
		if d > 0 {
			a.activityWindow = d
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Access) { a.now = now }
}

// New binds backend to scope. An empty tenant id is TenantContextMissing.
func New(backend Backend, scope Scope, opts ...Option) (*Access, error) {
	if scope.TenantID == "" {
		return nil, apierror.Wrap(apierror.KindTenantContextMissing, "scoped.New", apierror.ErrTenantContextMissing)
	}
	if backend == nil {
		return nil, fmt.Errorf("scoped: backend is required")
	}
	a := &Access{
		scope:          scope,
		backend:        backend,
		audit:          audit.NopLogger{},
		logger:         observability.NewNopLogger(),
		now:            func() time.Time { return time.Now().UTC() },
		activityWindow: DefaultActivityWindow,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// TenantID returns the bound tenant.
func (a *Access) TenantID() string { return a.scope.TenantID }

// Scope returns a copy of the bound scope.
func (a *Access) Scope() Scope { return a.scope }

// op describes one facade call for metrics and audit.
type op struct {
	name       string
	resource   audit.ResourceType
	event      audit.EventType
	resourceID string
	meta       map[string]interface{}
}

// run executes fn, converts its error, and records the outcome. fn may set
// o.resourceID once it is known (creates).
func (a *Access) run(ctx context.Context, o *op, fn func() error) error {
	start := time.Now()
	err := a.convert(o, fn())
	a.metrics.RecordScopedOperation(string(o.resource), o.name, err, time.Since(start))
	a.emit(ctx, o, err)
	return err
}

func (a *Access) convert(o *op, err error) error {
	if err == nil {
		return nil
	}
	opName := "scoped." + string(o.resource) + "." + o.name
	if errors.Is(err, ErrRowNotFound) {
		return apierror.New(apierror.KindNotFound, opName, string(o.resource)+" not found")
	}
	var coded *apierror.Error
	if errors.As(err, &coded) {
		return err
	}
	return apierror.Upstream(opName, err)
}

func (a *Access) emit(ctx context.Context, o *op, err error) {
	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailure
		if k := apierror.KindOf(err); k == apierror.KindNotFound || k == apierror.KindInvalid {
			status = audit.StatusDenied
		}
	}
	event := audit.NewEvent(ctx, o.event, status).WithResource(o.resource, o.resourceID).WithError(err)
	event.TenantID = a.scope.TenantID
	event.ActorID = a.scope.ActorID
	event.Metadata = o.meta
	event.WithMeta("operation", o.name)

	if lerr := a.audit.Log(ctx, event); lerr != nil {
		a.metrics.RecordAuditEmitFailure()
		a.logger.WithError(lerr).WithFields(map[string]interface{}{
			"tenant_id":  a.scope.TenantID,
			"request_id": contextkeys.GetRequestID(ctx),
			"event_type": string(o.event),
		}).Warn("failed to emit audit event")
	}
}

// ValidateResourceAccess reports whether a live resource with id exists in
// the bound tenant. Foreign and missing ids are both false.
func (a *Access) ValidateResourceAccess(ctx context.Context, resource audit.ResourceType, id string) (bool, error) {
	o := &op{name: "validate", resource: resource, event: audit.EventDataValidate, resourceID: id}
	var found bool
	err := a.run(ctx, o, func() error {
		var err error
		switch resource {
		case audit.ResourceProject:
			_, err = a.backend.GetProject(ctx, a.scope.TenantID, id, false)
		case audit.ResourceDocument:
			_, err = a.backend.GetDocument(ctx, a.scope.TenantID, id, false)
		default:
			return apierror.Invalid("scoped.ValidateResourceAccess", "unsupported resource type %q", resource)
		}
		if errors.Is(err, ErrRowNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// TenantStatistics counts members, live projects and documents, and audit
// events in the activity window. The four counts run concurrently.
func (a *Access) TenantStatistics(ctx context.Context) (*Statistics, error) {
	o := &op{name: "stats", resource: audit.ResourceTenant, event: audit.EventDataStats, resourceID: a.scope.TenantID}
	now := a.now()
	stats := &Statistics{
		TenantID:       a.scope.TenantID,
		ActivityWindow: a.activityWindow,
		WindowSeconds:  int64(a.activityWindow / time.Second),
		GeneratedAt:    now,
	}

	err := a.run(ctx, o, func() error {
		g, gctx := errgroup.WithContext(ctx)
		tenantID := a.scope.TenantID
		g.Go(func() (err error) {
			stats.ActiveMembers, err = a.backend.CountActiveMembers(gctx, tenantID)
			return err
		})
		g.Go(func() (err error) {
			stats.Projects, err = a.backend.CountProjects(gctx, tenantID)
			return err
		})
		g.Go(func() (err error) {
			stats.Documents, err = a.backend.CountDocuments(gctx, tenantID)
			return err
		})
		g.Go(func() (err error) {
			since := now.Add(-a.activityWindow)
			stats.RecentActivity, err = a.backend.CountAudit(gctx, tenantID, audit.SearchFilter{Since: &since})
			return err
		})
		return g.Wait()
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
