// Package scheduler runs periodic maintenance: audit retention and expired
// API token cleanup.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// Job is one named periodic task.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler wraps a cron runner. Overlapping runs of the same job are
// skipped and panics are recovered.
type Scheduler struct {
	cron   *cron.Cron
	logger *observability.Logger

	mu   sync.Mutex
	jobs map[string]Job
}

// New creates an empty scheduler.
func New(logger *observability.Logger) *Scheduler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		jobs:   make(map[string]Job),
	}
}

// Add registers j. The schedule uses standard five-field cron syntax or
// descriptors such as @daily and @every 1h.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("job %q already registered", j.Name)
	}
	if _, err := s.cron.AddFunc(j.Schedule, func() { _ = s.execute(context.Background(), j) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", j.Schedule, j.Name, err)
	}
	s.jobs[j.Name] = j
	return nil
}

// RunNow executes a registered job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.execute(ctx, j)
}

func (s *Scheduler) execute(ctx context.Context, j Job) error {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	log := s.logger.WithField("job", j.Name)
	start := time.Now()
	err := j.Run(ctx)
	log = log.WithField("duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		log.WithError(err).Error("scheduled job failed")
		return err
	}
	log.Debug("scheduled job completed")
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetentionJob prunes audit events past the retention period.
func RetentionJob(schedule string, r *audit.Retention) Job {
	return Job{
		Name:     "audit_retention",
		Schedule: schedule,
		Timeout:  30 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := r.Run(ctx)
			return err
		},
	}
}

// TokenCleaner deletes API tokens that expired or were revoked before cutoff.
type TokenCleaner interface {
	CleanupExpiredTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

// TokenCleanupJob removes tokens that have been unusable for longer than
// grace.
func TokenCleanupJob(schedule string, tokens TokenCleaner, grace time.Duration, logger *observability.Logger) Job {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return Job{
		Name:     "token_cleanup",
		Schedule: schedule,
		Timeout:  5 * time.Minute,
		Run: func(ctx context.Context) error {
			n, err := tokens.CleanupExpiredTokens(ctx, time.Now().Add(-grace))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.WithField("deleted", n).Info("Removed expired API tokens")
			}
			return nil
		},
	}
}

// cronLogger adapts the structured logger to cron.Logger.
type cronLogger struct{ l *observability.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.WithFields(pairs(keysAndValues)).Debug("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.WithFields(pairs(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func pairs(kv []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
