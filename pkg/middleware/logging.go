package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// Request outcomes reported by the logging stage.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// maxRequestIDLen bounds caller-supplied correlation ids.
const maxRequestIDLen = 128

func (p *Pipeline) requestID(r *http.Request) string {
	id := r.Header.Get(p.cfg.Headers.RequestID)
	if id == "" || len(id) > maxRequestIDLen {
		return uuid.NewString()
	}
	return id
}

// logging assigns the correlation id, applies the request timeout and logs
// the start and end of the request.
func (p *Pipeline) logging(next HandlerFunc, opts Options) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		start := time.Now()
		requestID := p.requestID(r)
		route := routeOf(r, opts)

		ctx := contextkeys.WithRequestID(r.Context(), requestID)
		ctx = contextkeys.WithRequestStartTime(ctx, start)
		ctx = observability.WithLogger(ctx, p.cfg.Logger.WithFields(map[string]interface{}{
			"method": r.Method,
			"route":  route,
		}))
		logger := observability.FromContext(ctx)

		if p.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
			defer cancel()
		}

		rec := httputil.NewStatusRecorder(w)
		rec.Header().Set(p.cfg.Headers.RequestID, requestID)

		p.cfg.Metrics.InFlight(1)
		defer p.cfg.Metrics.InFlight(-1)

		logger.Debug("request started")
		r = r.WithContext(ctx)
		err := next(rec, r)
		if err != nil && !rec.Written() {
			err = p.fail(rec, r, err)
		}

		outcome := outcomeOf(ctx, err)
		duration := time.Since(start)
		p.cfg.Metrics.RecordHTTPRequest(r.Method, route, rec.Status, outcome, duration)

		end := logger.WithFields(map[string]interface{}{
			"status":      rec.Status,
			"outcome":     outcome,
			"duration_ms": duration.Milliseconds(),
		})
		if err != nil {
			end = end.WithError(err)
		}
		switch outcome {
		case OutcomeOK:
			end.Info("request completed")
		default:
			end.Warn("request completed")
		}
		return err
	}
}

func outcomeOf(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return OutcomeCancelled
	case err != nil:
		return OutcomeError
	default:
		return OutcomeOK
	}
}
