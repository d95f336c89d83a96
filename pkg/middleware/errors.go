package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// rendered marks an error whose response has already been written.
type rendered struct{ err error }

func (r *rendered) Error() string { return r.err.Error() }
func (r *rendered) Unwrap() error { return r.err }

// fail writes err as the uniform error body and returns it marked as
// rendered. Every stage that rejects a request goes through here.
func (p *Pipeline) fail(w http.ResponseWriter, r *http.Request, err error) error {
	var done *rendered
	if errors.As(err, &done) {
		return err
	}

	ctx := r.Context()
	requestID := contextkeys.GetRequestID(ctx)
	logger := observability.FromContext(ctx)

	if rec, ok := w.(*httputil.StatusRecorder); ok && rec.Written() {
		logger.WithError(err).Warn("handler failed after writing a response")
		return &rendered{err}
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		_ = httputil.WriteJSON(w, http.StatusGatewayTimeout, apierror.Response{
			Error:     "request timed out",
			Code:      apierror.KindUpstreamFailure,
			RequestID: requestID,
		})
		return &rendered{err}
	}

	status := httputil.WriteError(w, err, requestID, p.cfg.ExposeErrors)
	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithField("status", status).Error("request failed")
	}
	return &rendered{err}
}

// errorBoundary turns handler errors and panics into error responses.
func (p *Pipeline) errorBoundary(next HandlerFunc, _ Options) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				observability.FromContext(r.Context()).
					WithField("panic", fmt.Sprintf("%v", rec)).
					Error("handler panicked")
				err = p.fail(w, r, apierror.Upstream("handler", observability.PanicError(rec)))
			}
		}()

		if err := next(w, r); err != nil {
			return p.fail(w, r, err)
		}
		return nil
	}
}
