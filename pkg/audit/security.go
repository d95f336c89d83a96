package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// SecurityConfig throttles security events per identifier.
type SecurityConfig struct {
	// Interval between events for one identifier once Burst is spent.
	Interval time.Duration
	Burst    int
	// MaxTracked bounds the number of identifiers remembered.
	MaxTracked int
	// IdleTTL forgets an identifier after this long without events.
	IdleTTL time.Duration
}

// DefaultSecurityConfig allows a burst of 5 events then one per minute per
// identifier.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		Interval:   time.Minute,
		Burst:      5,
		MaxTracked: 10000,
		IdleTTL:    10 * time.Minute,
	}
}

type throttle struct {
	lim        *rate.Limiter
	suppressed atomic.Int64
}

// SecurityReporter records security events (rate-limit rejections, failed
// authentication) without letting one abusive client flood the audit log.
// Suppressed events are counted and the count is attached to the next event
// that gets through for the same identifier.
type SecurityReporter struct {
	sink    Logger
	cfg     SecurityConfig
	logger  *observability.Logger
	mu      sync.Mutex
	tracked *expirable.LRU[string, *throttle]
}

// NewSecurityReporter writes admitted events to sink.
func NewSecurityReporter(sink Logger, cfg SecurityConfig, logger *observability.Logger) *SecurityReporter {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.MaxTracked < 1 {
		cfg.MaxTracked = DefaultSecurityConfig().MaxTracked
	}
	return &SecurityReporter{
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		tracked: expirable.NewLRU[string, *throttle](cfg.MaxTracked, nil, cfg.IdleTTL),
	}
}

func (s *SecurityReporter) throttleFor(key string) *throttle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tracked.Get(key); ok {
		return t
	}
	t := &throttle{lim: rate.NewLimiter(rate.Every(s.cfg.Interval), s.cfg.Burst)}
	s.tracked.Add(key, t)
	return t
}

// Report logs event unless key has exceeded its allowance. It returns whether
// the event was written. A nil reporter drops everything.
func (s *SecurityReporter) Report(ctx context.Context, key string, event *Event) bool {
	if s == nil {
		return false
	}
	t := s.throttleFor(string(event.EventType) + ":" + key)
	if !t.lim.Allow() {
		t.suppressed.Add(1)
		return false
	}
	if n := t.suppressed.Swap(0); n > 0 {
		event.WithMeta("suppressed", n)
	}
	if err := s.sink.Log(ctx, event); err != nil {
		s.logger.WithError(err).WithField("event_type", string(event.EventType)).Warn("failed to record security event")
	}
	return true
}

// RateLimited records a rate-limit rejection for identifier under policy.
func (s *SecurityReporter) RateLimited(ctx context.Context, identifier, policy string, limit int, retryAfter time.Duration) {
	event := NewEvent(ctx, EventRateLimited, StatusDenied).
		WithResource(ResourceRequest, "").
		WithMeta("identifier", identifier).
		WithMeta("policy", policy).
		WithMeta("limit", limit).
		WithMeta("retry_after_seconds", int(retryAfter.Round(time.Second)/time.Second))
	event.Message = "rate limit exceeded"
	s.Report(ctx, policy+":"+identifier, event)
}

// AuthFailed records a failed authentication attempt from ip.
func (s *SecurityReporter) AuthFailed(ctx context.Context, ip, reason string) {
	event := NewEvent(ctx, EventAuthFailed, StatusFailure).WithMeta("reason", reason)
	event.IPAddress = ip
	event.Message = "authentication failed"
	s.Report(ctx, ip, event)
}

// Tracked returns how many identifiers are currently throttled.
func (s *SecurityReporter) Tracked() int {
	if s == nil {
		return 0
	}
	return s.tracked.Len()
}
