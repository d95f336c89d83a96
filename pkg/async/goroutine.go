package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool shut down")

// ErrPoolFull is returned by TrySubmit when the queue is at capacity.
var ErrPoolFull = errors.New("worker pool queue full")

// SafeGo executes fn in a goroutine with a timeout, panic recovery and error
// logging. The goroutine is detached from the parent's cancellation so that
// work started on behalf of a finished request still runs to completion;
// parent values (request id, logger) are kept.
//
//	SafeGo(r.Context(), logger, 5*time.Second, "audit emit", func(ctx context.Context) error {
//	    return sink.Log(ctx, event)
//	})
func SafeGo(parent context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
		defer cancel()
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil && logger != nil {
			logger.WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}

// WorkerPool runs submitted tasks on a fixed number of workers with a bounded
// queue. Task errors are reported through the OnError callback.
type WorkerPool struct {
	taskName string
	timeout  time.Duration
	logger   *observability.Logger
	onError  func(error)

	workCh chan func(context.Context) error
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithErrorHandler sets the callback invoked with each task error.
func WithErrorHandler(fn func(error)) PoolOption {
	return func(p *WorkerPool) { p.onError = fn }
}

// WithQueueSize overrides the default queue size (workers*2).
func WithQueueSize(n int) PoolOption {
	return func(p *WorkerPool) {
		if n > 0 {
			p.workCh = make(chan func(context.Context) error, n)
		}
	}
}

// NewWorkerPool starts workers goroutines processing tasks until Shutdown.
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration, logger *observability.Logger, opts ...PoolOption) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(ctx)

	p := &WorkerPool{
		taskName: taskName,
		timeout:  timeout,
		logger:   logger,
		workCh:   make(chan func(context.Context) error, workers*2),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues fn, blocking while the queue is full.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TrySubmit queues fn without blocking.
func (p *WorkerPool) TrySubmit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.workCh <- fn:
		return nil
	default:
		return ErrPoolFull
	}
}

// Shutdown stops accepting work and waits up to timeout for queued tasks to
// drain. Remaining tasks are cancelled on timeout.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.workCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("%s: worker pool shutdown timed out after %v", p.taskName, timeout)
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for fn := range p.workCh {
		p.run(fn)
	}
}

func (p *WorkerPool) run(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = observability.PanicError(r)
			}
		}()
		err = fn(ctx)
	}()

	if err == nil {
		return
	}
	if p.onError != nil {
		p.onError(err)
		return
	}
	p.logger.WithError(err).WithField("task", p.taskName).Warn("worker task failed")
}
