package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFixed(t *testing.T) {
	if err := Fixed(true, "").Check(context.Background()); err != nil {
		t.Fatalf("ok probe failed: %v", err)
	}
	err := Fixed(false, "").Check(context.Background())
	if err == nil || err.Error() != "unhealthy" {
		t.Fatalf("err = %v", err)
	}
}

func TestAllAndAny(t *testing.T) {
	ok := Fixed(true, "")
	bad := Fixed(false, "bad")
	worse := Fixed(false, "worse")

	tests := []struct {
		name string
		p    Probe
		want string
	}{
		{"all pass", All(ok, nil, ok), ""},
		{"all first failure", All(ok, bad, worse), "bad"},
		{"all empty", All(), ""},
		{"any one passes", Any(bad, ok), ""},
		{"any last failure", Any(bad, worse), "worse"},
		{"any empty", Any(nil), "no healthy probes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Check(context.Background())
			got := ""
			if err != nil {
				got = err.Error()
			}
			if got != tt.want {
				t.Fatalf("err = %q, want %q", got, tt.want)
			}
		})
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPing(t *testing.T) {
	boom := errors.New("connection refused")
	err := Ping("redis", pingFunc(func(context.Context) error { return boom }), 0).Check(context.Background())
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "redis unreachable") {
		t.Fatalf("err = %v", err)
	}

	hung := pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	start := time.Now()
	err = Ping("s3", hung, 20*time.Millisecond).Check(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) || time.Since(start) > time.Second {
		t.Fatalf("err = %v after %s", err, time.Since(start))
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	if err := g.Probe().Check(context.Background()); err != nil || g.Draining() {
		t.Fatalf("fresh gate failing: %v", err)
	}
	g.Set("")
	if err := g.Probe().Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("err = %v", err)
	}
	g.Set("shutting down")
	if err := g.Probe().Check(context.Background()); err.Error() != "shutting down" {
		t.Fatalf("err = %v", err)
	}
	g.Clear()
	if err := g.Probe().Check(context.Background()); err != nil {
		t.Fatalf("cleared gate failing: %v", err)
	}
}

func TestHandlers(t *testing.T) {
	rec := httptest.NewRecorder()
	ReadyzHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ready\n" {
		t.Fatalf("ready: %d %q", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	HealthzHandler(Fixed(false, "storage down")).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/healthy", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "storage down") {
		t.Fatalf("healthy: %d %q", rec.Code, rec.Body)
	}
}
