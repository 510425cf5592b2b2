package httpmw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keithlinneman/ratelimitd/internal/log"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(okHandler(), mw("a"), nil, mw("b"), mw("c"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got := strings.Join(order, ","); got != "a,b,c" {
		t.Fatalf("order = %s", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		hops   int
		want   string
	}{
		{"public peer ignores xff", "203.0.113.9:4000", "1.2.3.4", 1, "203.0.113.9"},
		{"private peer without hops", "10.0.0.5:4000", "1.2.3.4", 0, "10.0.0.5"},
		{"single proxy takes rightmost", "10.0.0.5:4000", "9.9.9.9, 1.2.3.4", 1, "1.2.3.4"},
		{"two proxies", "10.0.0.5:4000", "9.9.9.9, 1.2.3.4", 2, "9.9.9.9"},
		{"too few entries fails closed", "10.0.0.5:4000", "1.2.3.4", 3, "10.0.0.5"},
		{"garbage entry", "10.0.0.5:4000", "not-an-ip", 1, "10.0.0.5"},
		{"loopback sidecar", "127.0.0.1:4000", "1.2.3.4", 1, "1.2.3.4"},
		{"no port", "10.0.0.5", "", 0, "10.0.0.5"},
		{"empty remote", "", "", 0, "0.0.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := ClientIPWithOptions(ClientIPOptions{TrustedHops: tt.hops})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIPFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Fatalf("client ip = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIP_StripsForwardedFromUntrustedPeer(t *testing.T) {
	var xff, proto string
	h := ClientIPWithOptions(ClientIPOptions{TrustedHops: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		xff, proto = r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Forwarded-Proto")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	req.Header.Set("X-Forwarded-Proto", "https")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if xff != "" || proto != "" {
		t.Fatalf("forwarded headers survived: xff=%q proto=%q", xff, proto)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 36 || rec.Header().Get("X-Request-Id") != seen {
		t.Fatalf("generated id = %q, header = %q", seen, rec.Header().Get("X-Request-Id"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "abc-123" {
		t.Fatalf("inbound id not propagated: %q", seen)
	}

	for _, bad := range []string{"has space", "quote\"", strings.Repeat("x", maxRequestIDLen+1), "line\nbreak"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-Id", bad)
		h.ServeHTTP(httptest.NewRecorder(), req)
		if seen == bad {
			t.Fatalf("malformed id %q was accepted", bad)
		}
	}
}

func TestMaxBody(t *testing.T) {
	var readErr error
	h := MaxBody(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("12345")))
	var mbe *http.MaxBytesError
	if !errors.As(readErr, &mbe) {
		t.Fatalf("read err = %v, want MaxBytesError", readErr)
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	for _, k := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Cache-Control"} {
		if rec.Header().Get(k) == "" {
			t.Errorf("missing %s", k)
		}
	}
}

type staticPolicy struct{ max, windowMs int64 }

func (p staticPolicy) Limits() (int64, int64) { return p.max, p.windowMs }

func TestPolicyHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	PolicyHeaders(staticPolicy{100, 1500})(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get("RateLimit-Policy"); got != "100;w=2" {
		t.Fatalf("RateLimit-Policy = %q", got)
	}

	rec = httptest.NewRecorder()
	PolicyHeaders(nil)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("RateLimit-Policy") != "" {
		t.Fatal("nil info should not set the header")
	}
}

func TestTraceHeadersAndRouteAnnotation(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(AnnotateHTTPRoute)
	r.Get("/api/v1/limits/{key}", func(w http.ResponseWriter, r *http.Request) {})

	h := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx, span := tp.Tracer("test").Start(req.Context(), "http.server")
		defer span.End()
		TraceResponseHeaders("", "")(r).ServeHTTP(w, req.WithContext(ctx))
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/limits/abc", nil))
	if rec.Header().Get("X-Trace-Id") == "" || rec.Header().Get("X-Span-Id") == "" {
		t.Fatalf("trace headers missing: %v", rec.Header())
	}
	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "GET /api/v1/limits/{key}" {
		t.Fatalf("spans = %v", spans)
	}
}

func TestLoggingAndAccessLog(t *testing.T) {
	var buf bytes.Buffer
	lg, err := log.New(log.Options{App: "test", JSON: true, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	r.Use(AccessLog())
	r.Get("/api/v1/limits/{key}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hello"))
	})
	r.Get("/-/healthy", func(w http.ResponseWriter, r *http.Request) {})

	h := Chain(r, RequestID(""), ClientIP, WithLogger(lg))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/limits/k?secret=1", nil)
	req.Header.Set("X-Request-Id", "req-1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/-/healthy", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("want 1 access line (health skipped), got %d: %s", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["request_id"] != "req-1" || rec["http.route"] != "/api/v1/limits/{key}" {
		t.Fatalf("record = %v", rec)
	}
	if rec["http.response.status_code"] != float64(http.StatusTeapot) || rec["http.response.body.size"] != float64(5) {
		t.Fatalf("status/size = %v/%v", rec["http.response.status_code"], rec["http.response.body.size"])
	}
	if strings.Contains(lines[0], "secret") {
		t.Fatal("query string leaked into access log")
	}
}

func TestSchemeFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := schemeFromRequest(req); got != "http" {
		t.Fatalf("scheme = %s", got)
	}
	req.Header.Set("X-Forwarded-Proto", "HTTPS, http")
	if got := schemeFromRequest(req); got != "https" {
		t.Fatalf("scheme = %s", got)
	}
	req.Header.Set("X-Forwarded-Proto", "gopher")
	if got := schemeFromRequest(req); got != "http" {
		t.Fatalf("unknown proto should fall back: %s", got)
	}
}

type spyLogger struct {
	log.Logger
	errs []error
}

func (s *spyLogger) Error(_ context.Context, err error, _ string, _ ...any) { s.errs = append(s.errs, err) }

func TestRecover(t *testing.T) {
	spy := &spyLogger{Logger: log.Nop()}
	panics := 0
	h := Recover(spy, func() { panics++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError || panics != 1 || len(spy.errs) != 1 {
		t.Fatalf("code=%d panics=%d errs=%d", rec.Code, panics, len(spy.errs))
	}
	if !strings.Contains(spy.errs[0].Error(), "kaboom") {
		t.Fatalf("err = %v", spy.errs[0])
	}
}

func TestRecover_ErrAbortHandlerRepanics(t *testing.T) {
	h := Recover(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want ErrAbortHandler", r)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
