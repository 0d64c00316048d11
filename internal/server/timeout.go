package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrRequestTimeout is the cancellation cause of a request whose deadline
// from TimeoutMiddleware passed.
var ErrRequestTimeout = errors.New("request timeout")

// TimeoutMiddleware bounds each request's context. Handlers stop
// cooperatively; TimedOut tells a deadline apart from a client disconnect.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeoutCause(r.Context(), timeout, ErrRequestTimeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TimedOut reports whether ctx ended because of TimeoutMiddleware.
func TimedOut(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrRequestTimeout)
}
