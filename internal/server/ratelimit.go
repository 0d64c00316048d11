package server

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"
)

type rateLimitContextKey struct{}

// RateLimitInfo is the window reported to callers in OpenAI-style
// x-ratelimit-* headers. Zero limits are omitted.
type RateLimitInfo struct {
	RequestsLimit     int
	RequestsRemaining int
	RequestsReset     string
	TokensLimit       int
	TokensRemaining   int
	TokensReset       string

	// RetryAfter is sent as Retry-After, in whole seconds, on 429 responses.
	RetryAfter time.Duration
}

type rateLimitHolder struct {
	info RateLimitInfo
	set  bool
}

// SetRateLimits records rl for the current request. Headers go out with the
// status line, so values set after the first write are dropped. Without
// RateLimitNormalizingMiddleware it does nothing.
func SetRateLimits(ctx context.Context, rl RateLimitInfo) {
	if h, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitHolder); ok {
		h.info = rl
		h.set = true
	}
}

// GetRateLimits returns the info recorded for the current request, or nil.
func GetRateLimits(ctx context.Context) *RateLimitInfo {
	if h, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitHolder); ok && h.set {
		return &h.info
	}
	return nil
}

// apply writes rl into h. status decides whether Retry-After is sent.
func (rl *RateLimitInfo) apply(h http.Header, status int) {
	window := func(kind string, limit, remaining int, reset string) {
		if limit > 0 {
			h.Set("x-ratelimit-limit-"+kind, strconv.Itoa(limit))
			h.Set("x-ratelimit-remaining-"+kind, strconv.Itoa(max(remaining, 0)))
		}
		if reset != "" {
			h.Set("x-ratelimit-reset-"+kind, reset)
		}
	}
	window("requests", rl.RequestsLimit, rl.RequestsRemaining, rl.RequestsReset)
	window("tokens", rl.TokensLimit, rl.TokensRemaining, rl.TokensReset)

	if status == http.StatusTooManyRequests && rl.RetryAfter > 0 {
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		h.Set("Retry-After", strconv.Itoa(secs))
	}
}

// RateLimitNormalizingMiddleware adds the headers recorded with
// SetRateLimits to the response when its status is written.
func RateLimitNormalizingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		holder := &rateLimitHolder{}
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, holder)
		next.ServeHTTP(&rateLimitResponseWriter{ResponseWriter: w, holder: holder}, r.WithContext(ctx))
	})
}

type rateLimitResponseWriter struct {
	http.ResponseWriter
	holder    *rateLimitHolder
	committed bool
}

func (rw *rateLimitResponseWriter) commit(status int) {
	if rw.committed {
		return
	}
	rw.committed = true
	if rw.holder.set {
		rw.holder.info.apply(rw.Header(), status)
	}
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	rw.commit(code)
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	rw.commit(http.StatusOK)
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) Flush() {
	rw.commit(http.StatusOK)
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
