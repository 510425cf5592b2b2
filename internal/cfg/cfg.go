// Package cfg binds service settings to flags, fills unset flags from
// RATELIMITD_* environment variables (optionally loaded from a .env file)
// and validates the result.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/ratelimitd/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names, "http-port" reads
// RATELIMITD_HTTP_PORT
const EnvPrefix = "RATELIMITD_"

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendS3     = "s3"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	TrustedHops int

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	S3Bucket      string
	S3Prefix      string
	S3RPS         float64

	KeyPrefix          string
	DefaultMaxRequests int64
	DefaultWindow      time.Duration
	CleanupInterval    time.Duration
	ActorIdleTimeout   time.Duration
	AlarmConcurrency   int

	PolicySSMParam     string
	PolicyPollInterval time.Duration

	DrainDelay time.Duration
}

// Register binds all config fields to fs with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of reverse proxies trusted for X-Forwarded-For (0..5)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.Backend, "storage-backend", BackendMemory, "memory|redis|s3")
	fs.StringVar(&c.RedisAddr, "redis-addr", "127.0.0.1:6379", "redis host:port")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "ratelimitd:", "prefix for every redis key")
	fs.StringVar(&c.S3Bucket, "s3-bucket", "", "s3 bucket holding limiter state")
	fs.StringVar(&c.S3Prefix, "s3-prefix", "ratelimitd", "s3 key prefix for limiter state")
	fs.Float64Var(&c.S3RPS, "s3-rps", 500, "max s3 requests per second")

	fs.StringVar(&c.KeyPrefix, "key-prefix", "orpc:ratelimit:", "prefix joined to every logical key")
	fs.Int64Var(&c.DefaultMaxRequests, "default-max-requests", 10, "requests allowed per window when the caller sends none")
	fs.DurationVar(&c.DefaultWindow, "default-window", time.Minute, "window length when the caller sends none")
	fs.DurationVar(&c.CleanupInterval, "cleanup-interval", 12*time.Hour, "time between expiry sweeps per actor")
	fs.DurationVar(&c.ActorIdleTimeout, "actor-idle-timeout", 5*time.Minute, "retire actors idle this long")
	fs.IntVar(&c.AlarmConcurrency, "alarm-concurrency", 16, "max sweeps running at once")

	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "ssm parameter with the default policy JSON (empty disables)")
	fs.DurationVar(&c.PolicyPollInterval, "policy-poll-interval", time.Minute, "how often to poll the policy parameter")

	fs.DurationVar(&c.DrainDelay, "drain-delay", 15*time.Second, "time between failing readiness and stopping listeners")
}

// LoadDotEnv loads KEY=value pairs from path into the environment without
// overriding variables already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FillFromEnv sets any flag not passed on the command line from the
// environment. Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, f.Value.String(), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// Validate reports every invalid field at once
func Validate(c App) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !validPort(c.HTTPPort) {
		add("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if !validPort(c.AdminPort) {
		add("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		add("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.TrustedHops < 0 || c.TrustedHops > 5 {
		add("TRUSTED_HOPS must be 0..5 (got %d)", c.TrustedHops)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		add("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			add("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		add("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		add("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			add("PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			add("PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			add("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			add("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			add("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}

	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			add("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err)
		}
		if c.RedisDB < 0 {
			add("REDIS_DB must be >= 0 (got %d)", c.RedisDB)
		}
	case BackendS3:
		if c.S3Bucket == "" {
			add("S3_BUCKET required when STORAGE_BACKEND=s3")
		}
		if c.S3RPS <= 0 {
			add("S3_RPS must be positive (got %g)", c.S3RPS)
		}
	default:
		add("STORAGE_BACKEND must be memory, redis or s3 (got %q)", c.Backend)
	}

	if c.DefaultMaxRequests <= 0 {
		add("DEFAULT_MAX_REQUESTS must be positive (got %d)", c.DefaultMaxRequests)
	}
	if c.DefaultWindow < time.Millisecond {
		add("DEFAULT_WINDOW must be at least 1ms (got %s)", c.DefaultWindow)
	}
	if c.CleanupInterval < time.Second {
		add("CLEANUP_INTERVAL must be at least 1s (got %s)", c.CleanupInterval)
	}
	if c.ActorIdleTimeout < 0 {
		add("ACTOR_IDLE_TIMEOUT must not be negative (got %s)", c.ActorIdleTimeout)
	}
	if c.AlarmConcurrency < 1 {
		add("ALARM_CONCURRENCY must be positive (got %d)", c.AlarmConcurrency)
	}
	if c.PolicySSMParam != "" && c.PolicyPollInterval < time.Second {
		add("POLICY_POLL_INTERVAL must be at least 1s (got %s)", c.PolicyPollInterval)
	}
	if c.DrainDelay < 0 {
		add("DRAIN_DELAY must not be negative (got %s)", c.DrainDelay)
	}

	return errors.Join(errs...)
}
