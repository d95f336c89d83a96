package middleware

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/ratelimit"
	"github.com/platinummonkey/tenantgate/pkg/scoped"
)

// HandlerFunc is an HTTP handler that reports failure by returning an error.
// The pipeline renders the error; the handler must not write a response when
// it returns one.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Options select the stages a route runs.
type Options struct {
	// RateLimitPolicy names a registry policy. Empty disables limiting.
	RateLimitPolicy string
	// RequireAuth rejects requests without a valid credential.
	RequireAuth bool
	// RequireTenant resolves the tenant, checks membership and attaches a
	// scoped.Access. It implies an authenticated caller.
	RequireTenant bool
	// TrackPerformance adds a span, a duration histogram and slow warnings.
	TrackPerformance bool
	// Route labels metrics and spans. Defaults to the request path.
	Route string
}

// Headers names the request headers the pipeline reads.
type Headers struct {
	RequestID string
	Subdomain string
	TenantID  string
}

// DefaultHeaders returns the standard header names.
func DefaultHeaders() Headers {
	return Headers{
		RequestID: "X-Request-ID",
		Subdomain: "X-Tenant-Subdomain",
		TenantID:  "X-Tenant-ID",
	}
}

// Config wires the pipeline's collaborators. Authenticator, Resolver, Guard
// and Backend are required for routes that ask for auth or tenant stages.
type Config struct {
	Logger        *observability.Logger
	Metrics       *observability.Metrics
	Authenticator auth.Authenticator
	Resolver      TenantResolver
	Guard         Authorizer
	Backend       scoped.Backend
	Limiter       *ratelimit.Limiter
	Policies      *ratelimit.Registry
	Audit         audit.Logger
	Security      *audit.SecurityReporter

	Headers              Headers
	RequestTimeout       time.Duration
	SlowRequestThreshold time.Duration
	ActivityWindow       time.Duration
	TrustProxy           bool
	// ExposeErrors includes upstream causes in responses. Development only.
	ExposeErrors bool
}

// stage wraps the next handler for one route.
type stage func(next HandlerFunc, opts Options) HandlerFunc

// Pipeline builds handlers that run the fixed stage sequence.
type Pipeline struct {
	cfg       Config
	stages    []stage
	histogram metric.Float64Histogram
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopLogger{}
	}
	defaults := DefaultHeaders()
	if cfg.Headers.RequestID == "" {
		cfg.Headers.RequestID = defaults.RequestID
	}
	if cfg.Headers.Subdomain == "" {
		cfg.Headers.Subdomain = defaults.Subdomain
	}
	if cfg.Headers.TenantID == "" {
		cfg.Headers.TenantID = defaults.TenantID
	}
	if cfg.SlowRequestThreshold <= 0 {
		cfg.SlowRequestThreshold = time.Second
	}

	p := &Pipeline{cfg: cfg}
	// Instrument creation only fails on invalid names; a nil histogram is skipped.
	p.histogram, _ = otel.Meter(observability.InstrumentationName).Float64Histogram(
		"tenantgate.handler.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Handler duration for tracked routes"),
	)

	// Outermost first.
	p.stages = []stage{
		p.logging,
		p.rateLimit,
		p.authenticate,
		p.tenant,
		p.timing,
		p.errorBoundary,
	}
	return p
}

// Wrap builds an http.Handler running h behind every stage.
func (p *Pipeline) Wrap(h HandlerFunc, opts Options) http.Handler {
	wrapped := h
	for i := len(p.stages) - 1; i >= 0; i-- {
		wrapped = p.stages[i](wrapped, opts)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = wrapped(w, r)
	})
}

// WrapHTTP adapts a plain http.Handler.
func (p *Pipeline) WrapHTTP(h http.Handler, opts Options) http.Handler {
	return p.Wrap(func(w http.ResponseWriter, r *http.Request) error {
		h.ServeHTTP(w, r)
		return nil
	}, opts)
}

func routeOf(r *http.Request, opts Options) string {
	if opts.Route != "" {
		return opts.Route
	}
	return r.URL.Path
}
