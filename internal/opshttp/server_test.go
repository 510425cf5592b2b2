package opshttp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keithlinneman/ratelimitd/internal/health"
)

func serve(h http.Handler, path, remote string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_Routes(t *testing.T) {
	var gate health.ShutdownGate
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("# metrics")) })
	debug := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"actors":1}`)) })
	h := NewHandler(&Options{Metrics: metrics, Debug: debug, Readiness: gate.Probe()})

	const local = "127.0.0.1:5000"
	if rec := serve(h, "/-/healthy", local, nil); rec.Code != http.StatusOK {
		t.Fatalf("healthy = %d", rec.Code)
	}
	if rec := serve(h, "/-/ready", local, nil); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d", rec.Code)
	}
	gate.Set("draining")
	if rec := serve(h, "/-/ready", local, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready while draining = %d", rec.Code)
	}
	if rec := serve(h, "/metrics", local, nil); rec.Body.String() != "# metrics" {
		t.Fatalf("metrics body = %q", rec.Body)
	}
	if rec := serve(h, "/debug/ratelimit", local, nil); !strings.Contains(rec.Body.String(), "actors") {
		t.Fatalf("debug body = %q", rec.Body)
	}
	if rec := serve(h, "/debug/pprof/", local, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d", rec.Code)
	}
}

func TestNewHandler_Pprof(t *testing.T) {
	h := NewHandler(&Options{EnablePprof: true})
	if rec := serve(h, "/debug/pprof/", "10.1.2.3:5000", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof index = %d", rec.Code)
	}
}

func TestInternalOnly(t *testing.T) {
	h := NewHandler(&Options{})
	tests := []struct {
		name   string
		remote string
		hdr    map[string]string
		want   int
	}{
		{"loopback", "127.0.0.1:1", nil, http.StatusOK},
		{"private", "10.0.0.8:1", nil, http.StatusOK},
		{"public", "203.0.113.5:1", nil, http.StatusForbidden},
		{"forwarded", "10.0.0.8:1", map[string]string{"X-Forwarded-For": "1.2.3.4"}, http.StatusForbidden},
		{"rfc7239", "10.0.0.8:1", map[string]string{"Forwarded": "for=1.2.3.4"}, http.StatusForbidden},
		{"garbage", "nonsense", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve(h, "/-/healthy", tt.remote, tt.hdr); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestNewHandler_RecoverCountsPanics(t *testing.T) {
	panics := 0
	boom := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	h := NewHandler(&Options{Metrics: boom, UseRecoverMW: true, OnPanic: func() { panics++ }})
	if rec := serve(h, "/metrics", "127.0.0.1:1", nil); rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("status=%d panics=%d", rec.Code, panics)
	}
}

func TestStart_ServesAndStops(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	stop, err := Start(context.Background(), &Options{Port: port})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/-/healthy", port))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
