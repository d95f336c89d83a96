package tenants

import (
	"context"
	"net"
	"strings"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

// Method records which signal identified the tenant.
type Method string

const (
	MethodSubdomain Method = "subdomain"
	MethodHeader    Method = "header"
	MethodSession   Method = "session"
)

// DefaultReservedSubdomains are platform labels that never name a tenant.
var DefaultReservedSubdomains = []string{"www", "app", "api", "admin"}

// Signals are the tenant hints carried by one request.
type Signals struct {
	// Host is the request host, with or without port.
	Host string
	// Subdomain is the label extracted by the edge proxy.
	Subdomain string
	// TenantID comes from the trusted internal tenant header.
	TenantID string
	// SessionTenantID is the caller's current tenant pointer.
	SessionTenantID string
}

// Resolution is a resolved tenant and the method that found it.
type Resolution struct {
	Tenant *tenancy.Tenant
	Method Method
}

// ResolverConfig configures subdomain handling.
type ResolverConfig struct {
	PlatformDomain     string
	ReservedSubdomains []string
}

// Resolver maps request signals to an active tenant. It holds no mutable
// state and is safe for concurrent use.
type Resolver struct {
	source   TenantSource
	suffix   string
	reserved map[string]bool
	metrics  *observability.Metrics
}

// NewResolver creates a Resolver. Nil reserved labels use the defaults.
func NewResolver(source TenantSource, cfg ResolverConfig, metrics *observability.Metrics) *Resolver {
	reserved := cfg.ReservedSubdomains
	if reserved == nil {
		reserved = DefaultReservedSubdomains
	}
	r := &Resolver{
		source:   source,
		reserved: make(map[string]bool, len(reserved)),
		metrics:  metrics,
	}
	if domain := strings.Trim(strings.ToLower(cfg.PlatformDomain), "."); domain != "" {
		r.suffix = "." + domain
	}
	for _, label := range reserved {
		r.reserved[strings.ToLower(label)] = true
	}
	return r
}

// Resolve tries subdomain, then header, then session; the first signal
// present decides. A present signal that matches no active tenant fails with
// TenantNotFound and does not fall through to the next method. No signal at
// all is TenantContextMissing.
func (r *Resolver) Resolve(ctx context.Context, sig Signals) (*Resolution, error) {
	const op = "tenants.Resolve"

	var (
		method Method
		lookup tenancy.TenantLookup
	)
	switch label := r.subdomainLabel(sig); {
	case label != "":
		method, lookup = MethodSubdomain, tenancy.TenantLookup{Field: tenancy.LookupBySubdomain, Value: label}
	case strings.TrimSpace(sig.TenantID) != "":
		method, lookup = MethodHeader, tenancy.TenantLookup{Field: tenancy.LookupByID, Value: strings.TrimSpace(sig.TenantID)}
	case sig.SessionTenantID != "":
		method, lookup = MethodSession, tenancy.TenantLookup{Field: tenancy.LookupByID, Value: sig.SessionTenantID}
	default:
		r.metrics.RecordTenantResolution("none", "missing")
		return nil, apierror.Wrap(apierror.KindTenantContextMissing, op, apierror.ErrTenantContextMissing)
	}

	t, err := r.source.LookupTenant(ctx, lookup)
	if err != nil {
		switch apierror.KindOf(err) {
		case apierror.KindTenantNotFound, apierror.KindNotFound:
			r.metrics.RecordTenantResolution(string(method), "not_found")
			return nil, &apierror.Error{Kind: apierror.KindTenantNotFound, Op: op, Msg: "no active tenant for " + string(method), Err: err}
		default:
			r.metrics.RecordTenantResolution(string(method), "error")
			return nil, apierror.Upstream(op, err)
		}
	}
	if t == nil || !t.Active {
		r.metrics.RecordTenantResolution(string(method), "not_found")
		return nil, apierror.New(apierror.KindTenantNotFound, op, "no active tenant for "+string(method))
	}

	r.metrics.RecordTenantResolution(string(method), "ok")
	return &Resolution{Tenant: t, Method: method}, nil
}

// subdomainLabel returns the edge-supplied tenant label when the request
// host sits under the platform domain. The host itself is never parsed for a
// label. Reserved labels are not tenant signals.
func (r *Resolver) subdomainLabel(sig Signals) string {
	if r.suffix == "" {
		return ""
	}
	host := strings.ToLower(strings.TrimSpace(sig.Host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if !strings.HasSuffix(host, r.suffix) {
		return ""
	}

	label := strings.ToLower(strings.TrimSpace(sig.Subdomain))
	if label == "" || r.reserved[label] {
		return ""
	}
	return label
}
