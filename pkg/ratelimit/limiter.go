package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/observability"
)

const (
	DefaultShards        = 64
	DefaultSweepInterval = 5 * time.Minute
	DefaultIdleTTL       = 24 * time.Hour
)

// Decision is the outcome of one Check.
type Decision struct {
	Allowed    bool
	Policy     string
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Err returns the rejection as an *apierror.RateLimitError, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &apierror.RateLimitError{
		Policy:     d.Policy,
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		ResetAt:    d.ResetAt,
		RetryAfter: d.RetryAfter,
	}
}

// Usage reports an identifier's consumption without recording a request.
type Usage struct {
	Count     int
	Remaining int
	ResetAt   time.Time
}

// RejectFunc observes rejected requests. It runs outside the shard lock.
type RejectFunc func(identifier string, policy Policy, d Decision)

type entry struct {
	timestamps []time.Time // ascending
	lastSeen   time.Time
}

// prune drops timestamps at or before cutoff.
func (e *entry) prune(cutoff time.Time) {
	i := 0
	for i < len(e.timestamps) && !e.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.timestamps = append(e.timestamps[:0], e.timestamps[i:]...)
	}
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Limiter is an in-memory sliding-window rate limiter. Entries are keyed by
// policy name and identifier and spread over independently locked shards.
type Limiter struct {
	clock    clock.Clock
	shards   []*shard
	idleTTL  time.Duration
	onReject RejectFunc
	metrics  *observability.Metrics
	logger   *observability.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	started   bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, typically with clock.NewMock in tests.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithShards sets the shard count.
func WithShards(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.shards = newShards(n)
		}
	}
}

// WithIdleTTL sets how long an idle entry survives the sweep.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.idleTTL = d
		}
	}
}

// WithRejectHook registers fn to observe every rejection.
func WithRejectHook(fn RejectFunc) Option {
	return func(l *Limiter) { l.onReject = fn }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func WithLogger(logger *observability.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// NewLimiter creates a limiter. Call Start to enable the periodic sweep.
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		clock:   clock.New(),
		shards:  newShards(DefaultShards),
		idleTTL: DefaultIdleTTL,
		logger:  observability.NewNopLogger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return shards
}

func entryKey(identifier string, policy Policy) string {
	return policy.Name + ":" + identifier
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Check admits or rejects one request. An admitted request is recorded; a
// rejected one is not, so hammering a limit does not extend it.
func (l *Limiter) Check(identifier string, policy Policy) Decision {
	key := entryKey(identifier, policy)
	s := l.shardFor(key)
	now := l.clock.Now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.lastSeen = now
	e.prune(now.Add(-policy.Window))

	d := Decision{Policy: policy.Name, Limit: policy.MaxRequests}
	if len(e.timestamps) >= policy.MaxRequests {
		// A policy with no allowance rejects everything, even on an empty window.
		d.ResetAt = now.Add(policy.Window)
		if len(e.timestamps) > 0 {
			d.ResetAt = e.timestamps[0].Add(policy.Window)
		}
		if d.RetryAfter = d.ResetAt.Sub(now); d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	} else {
		e.timestamps = append(e.timestamps, now)
		d.Allowed = true
		d.Remaining = policy.MaxRequests - len(e.timestamps)
		d.ResetAt = e.timestamps[0].Add(policy.Window)
	}
	s.mu.Unlock()

	l.metrics.RecordRateLimit(policy.Name, d.Allowed)
	if !d.Allowed && l.onReject != nil {
		l.onReject(identifier, policy, d)
	}
	return d
}

// ShouldLimit records a request and reports whether it must be rejected.
func (l *Limiter) ShouldLimit(identifier string, policy Policy) bool {
	return !l.Check(identifier, policy).Allowed
}

// Usage returns current consumption without recording anything.
func (l *Limiter) Usage(identifier string, policy Policy) Usage {
	key := entryKey(identifier, policy)
	s := l.shardFor(key)
	now := l.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	u := Usage{Remaining: policy.MaxRequests, ResetAt: now}
	e, ok := s.entries[key]
	if !ok {
		return u
	}
	e.prune(now.Add(-policy.Window))
	u.Count = len(e.timestamps)
	u.Remaining = max(policy.MaxRequests-u.Count, 0)
	if u.Count > 0 {
		u.ResetAt = e.timestamps[0].Add(policy.Window)
	}
	return u
}

// Reset forgets an identifier's history under policy.
func (l *Limiter) Reset(identifier string, policy Policy) {
	key := entryKey(identifier, policy)
	s := l.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Len returns the number of tracked entries.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Sweep drops timestamps older than the idle TTL and then empty entries. It
// holds one shard lock at a time. It returns the number of entries removed.
func (l *Limiter) Sweep() int {
	cutoff := l.clock.Now().Add(-l.idleTTL)
	removed, remaining := 0, 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			e.prune(cutoff)
			if len(e.timestamps) == 0 && !e.lastSeen.After(cutoff) {
				delete(s.entries, key)
				removed++
			}
		}
		remaining += len(s.entries)
		s.mu.Unlock()
	}
	l.metrics.SetRateLimitEntries(remaining)
	return removed
}

// Start runs Sweep every interval until Stop. Calling it more than once has
// no effect.
func (l *Limiter) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	l.startOnce.Do(func() {
		l.started = true
		ticker := l.clock.Ticker(interval)
		go func() {
			defer close(l.done)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					l.sweepSafely()
				case <-l.stop:
					return
				}
			}
		}()
	})
}

func (l *Limiter) sweepSafely() {
	defer observability.RecoverPanic(l.logger, "rate limit sweep")
	if removed := l.Sweep(); removed > 0 {
		l.logger.WithField("removed", removed).Debug("Swept idle rate limit entries")
	}
}

// Stop halts the sweep loop and waits for it to exit.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
		// startOnce orders this read after Start's write.
		l.startOnce.Do(func() {})
		if l.started {
			<-l.done
		}
	})
}
