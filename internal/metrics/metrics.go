// Package metrics owns the Prometheus registry for ratelimitd and implements
// the small metrics interfaces declared by the actor, ratelimit and policy
// packages.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/ratelimitd/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	deniedTotal    prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// limiter
	checksTotal        *prometheus.CounterVec
	storageErrorsTotal *prometheus.CounterVec
	sweepsTotal        prometheus.Counter
	sweepDeletedTotal  prometheus.Counter
	sweepDuration      prometheus.Histogram

	// actor runtime
	actorsActive         prometheus.Gauge
	actorBootstrapErrors prometheus.Counter
	alarmsPending        prometheus.Gauge
	alarmsFiredTotal     prometheus.Counter
	alarmErrorsTotal     prometheus.Counter

	// policy watcher
	policyPollsTotal    prometheus.Counter
	policySwapsTotal    prometheus.Counter
	policyErrorsTotal   *prometheus.CounterVec
	policyLastSuccessTs prometheus.Gauge
	policyStale         prometheus.Gauge
}

// New returns a fresh registry with the Go and process collectors.
// Labels are bounded: no keys or identifiers ever become label values.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 128, 256, 512, 1024, 4096, 16384},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		deniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the rate limit middleware",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		checksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_checks_total",
			Help: "Rate limit checks by result (allowed, denied, invalid, error)",
		}, []string{"result"}),
		storageErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_storage_errors_total",
			Help: "Storage failures by limiter operation",
		}, []string{"op"}),
		sweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_sweeps_total",
			Help: "Completed expiry sweeps",
		}),
		sweepDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_sweep_deleted_entries_total",
			Help: "Expired entries deleted by sweeps",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratelimit_sweep_duration_seconds",
			Help:    "Time to scan and delete one actor's expired entries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		actorsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_actors_active",
			Help: "Limiter actors currently resident in memory",
		}),
		actorBootstrapErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_actor_bootstrap_errors_total",
			Help: "Actor activations that failed to bootstrap",
		}),
		alarmsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_alarms_pending",
			Help: "Sweep alarms waiting in the scheduler",
		}),
		alarmsFiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_alarms_fired_total",
			Help: "Sweep alarms delivered to actors",
		}),
		alarmErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_alarm_errors_total",
			Help: "Sweep alarm deliveries that failed and were retried",
		}),
		policyPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_watcher_polls_total",
			Help: "Total number of policy watcher poll cycles",
		}),
		policySwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_watcher_swaps_total",
			Help: "Total number of applied policy changes",
		}),
		policyErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_watcher_errors_total",
			Help: "Total policy watcher errors by type",
		}, []string{"type"}),
		policyLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policy_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful SSM poll",
		}),
		policyStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policy_watcher_stale",
			Help: "Whether the policy watcher is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.deniedTotal,
		m.buildInfo,
		m.profilingActive,
		m.checksTotal,
		m.storageErrorsTotal,
		m.sweepsTotal,
		m.sweepDeletedTotal,
		m.sweepDuration,
		m.actorsActive,
		m.actorBootstrapErrors,
		m.alarmsPending,
		m.alarmsFiredTotal,
		m.alarmErrorsTotal,
		m.policyPollsTotal,
		m.policySwapsTotal,
		m.policyErrorsTotal,
		m.policyLastSuccessTs,
		m.policyStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

// set once at startup
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncHTTPPanic() { m.httpPanicTotal.Inc() }

func (m *ServerMetrics) IncRateLimitDenied() { m.deniedTotal.Inc() }

func (m *ServerMetrics) SetProfilingActive(active bool) { m.profilingActive.Set(boolGauge(active)) }

// ratelimit.Metrics

func (m *ServerMetrics) IncCheck(result string) { m.checksTotal.WithLabelValues(result).Inc() }

func (m *ServerMetrics) IncStorageError(op string) { m.storageErrorsTotal.WithLabelValues(op).Inc() }

func (m *ServerMetrics) ObserveSweep(deleted int, d time.Duration) {
	m.sweepsTotal.Inc()
	m.sweepDeletedTotal.Add(float64(deleted))
	m.sweepDuration.Observe(d.Seconds())
}

// actor.Metrics

func (m *ServerMetrics) SetActorsActive(n int)    { m.actorsActive.Set(float64(n)) }
func (m *ServerMetrics) IncActorBootstrapErrors() { m.actorBootstrapErrors.Inc() }
func (m *ServerMetrics) IncAlarmsFired()          { m.alarmsFiredTotal.Inc() }
func (m *ServerMetrics) IncAlarmErrors()          { m.alarmErrorsTotal.Inc() }
func (m *ServerMetrics) SetAlarmsPending(n int)   { m.alarmsPending.Set(float64(n)) }

// policy.Metrics

func (m *ServerMetrics) IncPolicyPolls() { m.policyPollsTotal.Inc() }
func (m *ServerMetrics) IncPolicySwaps() { m.policySwapsTotal.Inc() }

func (m *ServerMetrics) IncPolicyError(errType string) {
	m.policyErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) SetPolicyLastSuccess(t time.Time) {
	m.policyLastSuccessTs.Set(float64(t.Unix()))
}

func (m *ServerMetrics) SetPolicyStale(stale bool) { m.policyStale.Set(boolGauge(stale)) }

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
