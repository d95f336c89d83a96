package middleware

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// timing wraps tracked routes in a span and warns about slow handlers.
func (p *Pipeline) timing(next HandlerFunc, opts Options) HandlerFunc {
	if !opts.TrackPerformance {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) error {
		route := routeOf(r, opts)
		attrs := []attribute.KeyValue{
			attribute.String("http.route", route),
			attribute.String("http.method", r.Method),
		}
		if a, ok := auth.FromContext(r.Context()); ok {
			attrs = append(attrs, attribute.String("tenant.id", a.TenantID))
		}

		ctx, span := observability.Tracer().Start(r.Context(), "handler "+route,
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		start := time.Now()
		err := next(w, r.WithContext(ctx))
		elapsed := time.Since(start)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if p.histogram != nil {
			p.histogram.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs[:2]...))
		}
		if elapsed >= p.cfg.SlowRequestThreshold {
			logger := observability.UpdateLoggerWithTraceContext(ctx, observability.FromContext(ctx))
			logger.WithFields(map[string]interface{}{
				"duration_ms":  elapsed.Milliseconds(),
				"threshold_ms": p.cfg.SlowRequestThreshold.Milliseconds(),
			}).Warn("slow request")
		}
		return err
	}
}
