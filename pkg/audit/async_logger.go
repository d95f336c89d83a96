package audit

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/async"
	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// AsyncLogger hands events to a worker pool so request paths never wait on
// the sink. When the queue is full the event is dropped and counted.
type AsyncLogger struct {
	next    Logger
	pool    *async.WorkerPool
	logger  *observability.Logger
	metrics *observability.Metrics
	drain   time.Duration
}

// AsyncConfig sizes the dispatcher.
type AsyncConfig struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
	DrainTimeout time.Duration
}

// DefaultAsyncConfig returns the dispatcher sizing used by the server.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		Workers:      4,
		QueueSize:    1024,
		WriteTimeout: 5 * time.Second,
		DrainTimeout: 10 * time.Second,
	}
}

// NewAsyncLogger wraps next.
func NewAsyncLogger(ctx context.Context, next Logger, cfg AsyncConfig, logger *observability.Logger, metrics *observability.Metrics) *AsyncLogger {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	a := &AsyncLogger{
		next:    next,
		logger:  logger,
		metrics: metrics,
		drain:   cfg.DrainTimeout,
	}
	a.pool = async.NewWorkerPool(ctx, cfg.Workers, "audit dispatch", cfg.WriteTimeout, logger,
		async.WithQueueSize(cfg.QueueSize),
		async.WithErrorHandler(func(err error) {
			a.metrics.RecordAuditEmitFailure()
			a.logger.WithError(err).Warn("audit sink write failed")
		}),
	)
	return a
}

// Log queues event. The event is copied so callers may reuse it. Request
// values on ctx are not carried over; the worker's context governs the write.
func (a *AsyncLogger) Log(_ context.Context, event *Event) error {
	cp := *event
	err := a.pool.TrySubmit(func(ctx context.Context) error {
		return a.next.Log(ctx, &cp)
	})
	if errors.Is(err, async.ErrPoolFull) {
		a.metrics.RecordAuditEmitFailure()
		a.logger.WithField("event_type", string(event.EventType)).Warn("audit queue full, event dropped")
	}
	return err
}

// Close drains queued events and closes the wrapped sink.
func (a *AsyncLogger) Close() error {
	if err := a.pool.Shutdown(a.drain); err != nil {
		return err
	}
	return a.next.Close()
}
