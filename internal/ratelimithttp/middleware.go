package ratelimithttp

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/keithlinneman/ratelimitd/internal/httpmw"
	"github.com/keithlinneman/ratelimitd/internal/log"
	"github.com/keithlinneman/ratelimitd/internal/ratelimit"
)

// KeyLimiter is the part of *ratelimit.Client the middleware calls
type KeyLimiter interface {
	Limit(ctx context.Context, key string) (ratelimit.Result, error)
}

// KeyFunc picks the limiter key for a request. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// ClientIPKey keys on the address resolved by httpmw.ClientIP
func ClientIPKey(r *http.Request) string {
	return "ip:" + httpmw.ClientIPFromContext(r.Context())
}

type MiddlewareOptions struct {
	Limiter KeyLimiter
	Key     KeyFunc
	Logger  log.Logger
	Metrics Metrics
	// FailClosed answers 503 when the limiter errors. The default lets the
	// request through.
	FailClosed bool
}

// pruneAt is the denial-log size that triggers dropping closed windows.
// maxDenied bounds the map when that frees nothing, keys dropped by the
// reset may log their denial a second time.
const (
	pruneAt   = 4096
	maxDenied = 4 * pruneAt
)

type middleware struct {
	opts MiddlewareOptions
	now  func() time.Time

	mu sync.Mutex
	// denied maps key to the reset of the window whose first denial was logged
	denied map[string]int64
}

// Middleware counts every request against the default policy for its key and
// answers 429 once the key is over the limit. The first denial per key per
// window is logged, every denial is counted.
func Middleware(opts MiddlewareOptions) func(http.Handler) http.Handler {
	if opts.Key == nil {
		opts.Key = ClientIPKey
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	m := &middleware{opts: opts, now: time.Now, denied: make(map[string]int64)}
	return m.wrap
}

func (m *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.opts.Key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		res, err := m.opts.Limiter.Limit(ctx, key)
		if err != nil {
			log.FromContext(ctx).Error(ctx, err, "rate limit middleware check failed", "key", key, "fail_closed", m.opts.FailClosed)
			if m.opts.FailClosed {
				writeError(w, http.StatusServiceUnavailable, `{"error":"rate limiter unavailable"}`)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		now := m.now()
		setLimitHeaders(w.Header(), res, now)
		if res.Success {
			next.ServeHTTP(w, r)
			return
		}

		m.opts.Metrics.IncRateLimitDenied()
		if m.firstDenial(key, res.Reset, now) {
			m.opts.Logger.Warn(ctx, "rate limit triggered",
				"key", key,
				"limit", res.Limit,
				"reset", time.UnixMilli(res.Reset).UTC(),
			)
		}
		writeError(w, http.StatusTooManyRequests, `{"error":"too many requests"}`)
	})
}

// firstDenial reports whether this is the first denial seen for key in the
// window ending at reset
func (m *middleware) firstDenial(key string, reset int64, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.denied[key]; ok && last == reset {
		return false
	}
	if len(m.denied) >= pruneAt {
		nowMs := now.UnixMilli()
		for k, r := range m.denied {
			if r <= nowMs {
				delete(m.denied, k)
			}
		}
		if len(m.denied) >= maxDenied {
			clear(m.denied)
		}
	}
	m.denied[key] = reset
	return true
}

func writeError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
