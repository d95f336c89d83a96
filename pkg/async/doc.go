// Package async provides safe concurrent execution primitives for background
// work started on behalf of requests: detached goroutines with panic recovery
// and timeouts, and a bounded worker pool.
//
//	async.SafeGo(r.Context(), logger, 5*time.Second, "security event", func(ctx context.Context) error {
//		return sink.Log(ctx, event)
//	})
//
//	pool := async.NewWorkerPool(ctx, 4, "audit dispatch", 5*time.Second, logger)
//	defer pool.Shutdown(10 * time.Second)
//	err := pool.TrySubmit(task)
package async
