package cfg

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet so tests never touch
// flag.CommandLine
func newTestConfig(t *testing.T, args []string) (App, *flag.FlagSet) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c, fs
}

func TestRegister_DefaultsAreValid(t *testing.T) {
	c, _ := newTestConfig(t, nil)
	if err := Validate(c); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if c.Backend != BackendMemory || c.KeyPrefix != "orpc:ratelimit:" {
		t.Errorf("backend=%q prefix=%q", c.Backend, c.KeyPrefix)
	}
	if c.DefaultMaxRequests != 10 || c.DefaultWindow != time.Minute || c.CleanupInterval != 12*time.Hour {
		t.Errorf("limits = %d/%s cleanup %s", c.DefaultMaxRequests, c.DefaultWindow, c.CleanupInterval)
	}
}

func TestFillFromEnv(t *testing.T) {
	t.Setenv("RATELIMITD_HTTP_PORT", "9090")
	t.Setenv("RATELIMITD_ADMIN_PORT", "7000")
	t.Setenv("RATELIMITD_DEFAULT_WINDOW", "not-a-duration")

	c, fs := newTestConfig(t, []string{"-admin-port", "7100"})
	var logs []string
	FillFromEnv(fs, EnvPrefix, func(format string, args ...any) { logs = append(logs, format) })

	if c.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want env value", c.HTTPPort)
	}
	if c.AdminPort != 7100 {
		t.Errorf("AdminPort = %d, want cli value", c.AdminPort)
	}
	if c.DefaultWindow != time.Minute {
		t.Errorf("DefaultWindow = %s, invalid env should keep default", c.DefaultWindow)
	}
	if len(logs) != 2 {
		t.Errorf("logged %d notes, want override + invalid", len(logs))
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("RATELIMITD_REDIS_DB=3\nRATELIMITD_KEY_PREFIX=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RATELIMITD_KEY_PREFIX", "from-env")
	// registered for cleanup so the file value does not leak into other tests
	t.Setenv("RATELIMITD_REDIS_DB", "")
	os.Unsetenv("RATELIMITD_REDIS_DB")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("RATELIMITD_REDIS_DB"); got != "3" {
		t.Errorf("REDIS_DB = %q, want from file", got)
	}
	if got := os.Getenv("RATELIMITD_KEY_PREFIX"); got != "from-env" {
		t.Errorf("KEY_PREFIX = %q, existing env must win", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*App)
		want string
	}{
		{"same ports", func(c *App) { c.AdminPort = c.HTTPPort }, "must differ"},
		{"bad port", func(c *App) { c.HTTPPort = 0 }, "HTTP_PORT"},
		{"bad level", func(c *App) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"sample range", func(c *App) { c.TraceSample = 1.5 }, "TRACE_SAMPLE"},
		{"tracing endpoint", func(c *App) { c.EnableTracing = true; c.OTLPEndpoint = "http://x" }, "OTLP_ENDPOINT"},
		{"pyroscope", func(c *App) { c.EnablePyroscope = true }, "PYRO_SERVER"},
		{"backend", func(c *App) { c.Backend = "etcd" }, "STORAGE_BACKEND"},
		{"redis addr", func(c *App) { c.Backend = BackendRedis; c.RedisAddr = "nohost" }, "REDIS_ADDR"},
		{"s3 bucket", func(c *App) { c.Backend = BackendS3 }, "S3_BUCKET"},
		{"max requests", func(c *App) { c.DefaultMaxRequests = 0 }, "DEFAULT_MAX_REQUESTS"},
		{"window", func(c *App) { c.DefaultWindow = 0 }, "DEFAULT_WINDOW"},
		{"cleanup", func(c *App) { c.CleanupInterval = time.Millisecond }, "CLEANUP_INTERVAL"},
		{"policy poll", func(c *App) { c.PolicySSMParam = "/p"; c.PolicyPollInterval = 0 }, "POLICY_POLL_INTERVAL"},
		{"hops", func(c *App) { c.TrustedHops = 9 }, "TRUSTED_HOPS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestConfig(t, nil)
			tt.mut(&c)
			wantErrContains(t, Validate(c), tt.want)
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	c, _ := newTestConfig(t, nil)
	c.HTTPPort = 0
	c.Backend = "nope"
	err := Validate(c)
	wantErrContains(t, err, "HTTP_PORT")
	wantErrContains(t, err, "STORAGE_BACKEND")
}
