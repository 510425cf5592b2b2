package httpmw

import (
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PolicyInfo reports the default limits in force
type PolicyInfo interface {
	Limits() (maxRequests, windowMs int64)
}

// PolicyHeaders advertises the default policy as
// "RateLimit-Policy: {max};w={seconds}" on every response
func PolicyHeaders(info PolicyInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if info == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max, windowMs := info.Limits()
			secs := (windowMs + 999) / 1000
			w.Header().Set("RateLimit-Policy", strconv.FormatInt(max, 10)+";w="+strconv.FormatInt(secs, 10))
			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				span.SetAttributes(
					attribute.Int64("ratelimit.policy.max", max),
					attribute.Int64("ratelimit.policy.window_ms", windowMs),
				)
			}
			next.ServeHTTP(w, r)
		})
	}
}
