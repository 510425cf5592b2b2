package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keithlinneman/ratelimitd/internal/storage"
	"github.com/keithlinneman/ratelimitd/internal/storage/memstore"
)

type fakeMetrics struct {
	mu      sync.Mutex
	checks  map[string]int
	storage map[string]int
	swept   int
	sweeps  int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{checks: map[string]int{}, storage: map[string]int{}}
}

func (f *fakeMetrics) IncCheck(result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks[result]++
}

func (f *fakeMetrics) IncStorageError(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storage[op]++
}

func (f *fakeMetrics) ObserveSweep(deleted int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	f.swept += deleted
}

type clock struct{ ms atomic.Int64 }

func (c *clock) Now() time.Time { return time.UnixMilli(c.ms.Load()) }

func newTestClient(t *testing.T, opts ClientOptions) (*Client, *memstore.Provider) {
	t.Helper()
	p := memstore.New()
	if opts.Provider == nil {
		opts.Provider = p
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = -1
	}
	c, err := NewClient(opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, p
}

func TestNewClient_RequiresProvider(t *testing.T) {
	if _, err := NewClient(ClientOptions{}); err == nil {
		t.Fatal("expected error without provider")
	}
}

func TestClient_PrefixesKeys(t *testing.T) {
	clk := &clock{}
	c, p := newTestClient(t, ClientOptions{Limiter: LimiterOptions{Now: clk.Now}})
	ctx := context.Background()

	if _, err := c.CheckLimit(ctx, "user-1", 3, 1000); err != nil {
		t.Fatalf("CheckLimit: %v", err)
	}
	if c.Key("user-1") != "orpc:ratelimit:user-1" {
		t.Fatalf("Key = %q", c.Key("user-1"))
	}
	e, ok, _ := p.Open("orpc:ratelimit:user-1").Get(ctx, "orpc:ratelimit:user-1")
	if !ok || e.Count != 1 {
		t.Fatalf("entry under prefixed namespace and key = %+v ok=%v", e, ok)
	}

	custom, p2 := newTestClient(t, ClientOptions{Prefix: "api:", Limiter: LimiterOptions{Now: clk.Now}})
	_, _ = custom.CheckLimit(ctx, "x", 1, 1000)
	if _, ok, _ := p2.Open("api:x").Get(ctx, "api:x"); !ok {
		t.Fatal("custom prefix not applied")
	}
}

func TestClient_ActivationSetsAlarm(t *testing.T) {
	clk := &clock{}
	clk.ms.Store(1_000)
	c, p := newTestClient(t, ClientOptions{Limiter: LimiterOptions{Now: clk.Now}})
	ctx := context.Background()

	_, _ = c.CheckLimit(ctx, "k", 1, 1000)
	at, ok, _ := p.Open(c.Key("k")).GetAlarm(ctx)
	want := time.UnixMilli(1_000).Add(CleanupInterval)
	if !ok || !at.Equal(want) {
		t.Fatalf("alarm = %v ok=%v, want %v", at, ok, want)
	}
	if c.PendingAlarms() != 1 {
		t.Fatalf("pending alarms = %d, want 1", c.PendingAlarms())
	}

	// later activity on the same actor keeps the original deadline
	clk.ms.Store(50_000)
	_, _ = c.CheckLimit(ctx, "k", 1, 1000)
	again, _, _ := p.Open(c.Key("k")).GetAlarm(ctx)
	if !again.Equal(want) {
		t.Fatalf("alarm moved to %v", again)
	}
}

func TestClient_InvalidRequestsDoNotActivate(t *testing.T) {
	c, p := newTestClient(t, ClientOptions{})
	ctx := context.Background()

	for _, tc := range []struct {
		key         string
		max, window int64
	}{{"", 1, 1}, {"k", 0, 1}, {"k", 1, -1}} {
		if _, err := c.CheckLimit(ctx, tc.key, tc.max, tc.window); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("CheckLimit(%q,%d,%d) err = %v", tc.key, tc.max, tc.window, err)
		}
	}
	if c.ActiveActors() != 0 {
		t.Fatal("invalid requests activated an actor")
	}
	if alarms, _ := p.Alarms(ctx); len(alarms) != 0 {
		t.Fatalf("invalid requests touched storage: %v", alarms)
	}
}

func TestClient_ConcurrentCallersCountExactly(t *testing.T) {
	c, _ := newTestClient(t, ClientOptions{})
	ctx := context.Background()

	const callers, max = 200, 50
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.CheckLimit(ctx, "hot", max, 60_000)
			if err != nil {
				t.Errorf("CheckLimit: %v", err)
				return
			}
			if res.Success {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != max {
		t.Fatalf("allowed = %d, want exactly %d", got, max)
	}
}

func TestClient_LimitUsesDefaults(t *testing.T) {
	clk := &clock{}
	c, _ := newTestClient(t, ClientOptions{
		Defaults: StaticDefaults{MaxRequests: 2, Window: time.Second},
		Limiter:  LimiterOptions{Now: clk.Now},
	})
	ctx := context.Background()

	max, window := c.Limits()
	if max != 2 || window != 1000 {
		t.Fatalf("Limits = %d, %d", max, window)
	}
	for i, want := range []bool{true, true, false} {
		res, err := c.Limit(ctx, "k")
		if err != nil {
			t.Fatalf("Limit: %v", err)
		}
		if res.Success != want || res.Limit != 2 || res.Reset != 1000 {
			t.Fatalf("call %d = %+v", i, res)
		}
	}
}

func TestClient_StorageErrorSurfacesAndCounts(t *testing.T) {
	m := newFakeMetrics()
	boom := errors.New("backend down")
	c, _ := newTestClient(t, ClientOptions{
		Provider: failingProvider{Provider: memstore.New(), err: boom},
		Limiter:  LimiterOptions{Metrics: m},
	})

	_, err := c.CheckLimit(context.Background(), "k", 1, 1000)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storage["bootstrap"] != 1 {
		t.Fatalf("storage errors = %v", m.storage)
	}
}

// failingProvider fails every alarm read so activation never completes
type failingProvider struct {
	*memstore.Provider
	err error
}

func (f failingProvider) Open(ns string) storage.Storage {
	return failingAlarms{Storage: f.Provider.Open(ns), err: f.err}
}

type failingAlarms struct {
	storage.Storage
	err error
}

func (f failingAlarms) GetAlarm(context.Context) (time.Time, bool, error) {
	return time.Time{}, false, f.err
}

func TestClient_SweepRunsFromAlarm(t *testing.T) {
	m := newFakeMetrics()
	c, p := newTestClient(t, ClientOptions{
		Limiter: LimiterOptions{CleanupInterval: 20 * time.Millisecond, Metrics: m},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := c.CheckLimit(ctx, "short", 5, 1); err != nil {
		t.Fatalf("CheckLimit: %v", err)
	}
	go func() { _ = c.Run(ctx) }()

	id := c.Key("short")
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok, _ := p.Open(id).Get(ctx, id); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expired entry never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.mu.Lock()
	swept := m.swept
	m.mu.Unlock()
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	// the sweep always leaves the next one pending
	if _, ok, _ := p.Open(id).GetAlarm(ctx); !ok {
		t.Fatal("no alarm after sweep")
	}
}

func TestLimiter_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	m := newFakeMetrics()
	c, _ := newTestClient(t, ClientOptions{Limiter: LimiterOptions{Metrics: m}})
	_, _ = c.CheckLimit(context.Background(), "k", 1, 60_000)
	_, _ = c.CheckLimit(context.Background(), "k", 1, 60_000)

	var checks int
	for _, s := range sr.Ended() {
		if s.Name() == "ratelimit.check" {
			checks++
		}
	}
	if checks != 2 {
		t.Fatalf("check spans = %d, want 2", checks)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checks["allowed"] != 1 || m.checks["denied"] != 1 {
		t.Fatalf("check metrics = %v", m.checks)
	}
}
