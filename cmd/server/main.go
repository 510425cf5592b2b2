package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/ratelimitd/internal/cfg"
	"github.com/keithlinneman/ratelimitd/internal/health"
	"github.com/keithlinneman/ratelimitd/internal/httpmw"
	"github.com/keithlinneman/ratelimitd/internal/httpserver"
	"github.com/keithlinneman/ratelimitd/internal/log"
	"github.com/keithlinneman/ratelimitd/internal/metrics"
	"github.com/keithlinneman/ratelimitd/internal/opshttp"
	"github.com/keithlinneman/ratelimitd/internal/otelx"
	"github.com/keithlinneman/ratelimitd/internal/policy"
	"github.com/keithlinneman/ratelimitd/internal/prof"
	"github.com/keithlinneman/ratelimitd/internal/ratelimit"
	"github.com/keithlinneman/ratelimitd/internal/ratelimithttp"
	v "github.com/keithlinneman/ratelimitd/internal/version"
)

const appName = "ratelimitd"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	var envFile string

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment, missing is fine")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildID, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	if err := cfg.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "dotenv error:", err)
		os.Exit(1)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	hostname, _ := os.Hostname()
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.ShortCommit(),
		Instance:          hostname,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"storage_backend", conf.Backend,
		"key_prefix", conf.KeyPrefix,
		"default_max_requests", conf.DefaultMaxRequests,
		"default_window", conf.DefaultWindow,
		"cleanup_interval", conf.CleanupInterval,
		"policy_ssm_param", conf.PolicySSMParam,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trace_sample", conf.TraceSample,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.ShortCommit(),
			"backend":   conf.Backend,
		},
		ProfileMutexFraction: 5,
		BlockProfileRate:     int(time.Millisecond),
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer func() { stopProf() }()

	// collector runs on localhost, hence Insecure
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// AWS config is only loaded when a component needs it
	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return aws.Config{}, err
		}
		awsCfg = &c
		return c, nil
	}

	provider, err := openBackend(ctx, conf, loadAWS)
	if err != nil {
		L.Error(ctx, err, "failed to open storage backend", "backend", conf.Backend)
		os.Exit(1)
	}

	policyMgr, err := policy.NewManager(policy.Policy{
		MaxRequests: conf.DefaultMaxRequests,
		WindowMs:    conf.DefaultWindow.Milliseconds(),
		Version:     "flags",
	})
	if err != nil {
		L.Error(ctx, err, "invalid default policy")
		os.Exit(1)
	}

	var watcher *policy.Watcher
	if conf.PolicySSMParam != "" {
		ac, err := loadAWS()
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		src, err := policy.NewSSMSource(ssm.NewFromConfig(ac), conf.PolicySSMParam)
		if err != nil {
			L.Error(ctx, err, "failed to create policy source")
			os.Exit(1)
		}
		watcher = policy.NewWatcher(&policy.WatcherOptions{
			Logger:       L.With("component", "policy"),
			Source:       src,
			Manager:      policyMgr,
			PollInterval: conf.PolicyPollInterval,
			Metrics:      m,
			OnSwap: func(old, cur policy.Policy) {
				L.Info(ctx, "default rate limit policy changed",
					"old_max_requests", old.MaxRequests,
					"old_window_ms", old.WindowMs,
					"max_requests", cur.MaxRequests,
					"window_ms", cur.WindowMs,
					"policy_version", cur.Version,
				)
			},
		})
		// keep the flag defaults if the first fetch fails, the watcher retries
		if err := watcher.Sync(ctx); err != nil {
			L.Error(ctx, err, "initial policy sync failed, serving flag defaults", "param", conf.PolicySSMParam)
		}
	}

	client, err := ratelimit.NewClient(ratelimit.ClientOptions{
		Provider: provider,
		Prefix:   conf.KeyPrefix,
		Defaults: policyMgr,
		Logger:   L.With("component", "ratelimit"),
		Limiter: ratelimit.LimiterOptions{
			Metrics:         m,
			CleanupInterval: conf.CleanupInterval,
		},
		ActorMetrics:     m,
		IdleTimeout:      conf.ActorIdleTimeout,
		AlarmConcurrency: conf.AlarmConcurrency,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create rate limit client")
		os.Exit(1)
	}

	// actors and the watcher outlive the signal context so in-flight
	// requests still reach them while the listeners drain
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return client.Run(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	runDone := make(chan error, 1)
	go func() { runDone <- g.Wait() }()

	var gate health.ShutdownGate
	readiness := health.All(
		gate.Probe(),
		health.Ping("storage", client, time.Second),
	)

	api := ratelimithttp.NewAPI(client, L, m)

	apiHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:        L,
		Port:          conf.HTTPPort,
		UseRecoverMW:  true,
		OnPanic:       m.IncHTTPPanic,
		MetricsMW:     m.Middleware,
		Health:        health.Fixed(true, ""),
		Readiness:     readiness,
		ClientIPOpts:  httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		PolicyInfo:    policyMgr,
		APIRoutes:     api.RegisterRoutes,
		LimitedRoutes: api.RegisterPolicyRoutes,
		RateLimitMW: ratelimithttp.Middleware(ratelimithttp.MiddlewareOptions{
			Limiter: client,
			Logger:  L,
			Metrics: m,
		}),
	})
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// the ops listener rejects forwarded and public-peer requests in case the
	// security group ever lets load balancer traffic through
	opsHTTPStop, err := opshttp.Start(ctx, &opshttp.Options{
		Logger:       L,
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Debug:        ratelimithttp.StateHandler(client),
		UseRecoverMW: true,
		OnPanic:      m.IncHTTPPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// systemd kills us after its start timeout if this mattered
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		L.Info(context.Background(), "shutdown signal received")
	case err := <-runDone:
		// client.Run only returns early when persisted alarms cannot be read
		L.Error(context.Background(), err, "background workers stopped")
		runDone <- err
		exitCode = 1
	}
	stop()

	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining", "drain_delay", conf.DrainDelay)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainDelay):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "api http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	cancelRun()
	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) && exitCode == 0 {
		L.Error(context.Background(), err, "background worker error")
	}
	if err := client.Close(); err != nil {
		L.Error(context.Background(), err, "rate limit actors shutdown")
	}
	if err := provider.Close(); err != nil {
		L.Error(context.Background(), err, "storage backend close")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(exitCode)
}
