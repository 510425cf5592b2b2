package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/ratelimitd/internal/health"
	"github.com/keithlinneman/ratelimitd/internal/httpmw"
	"github.com/keithlinneman/ratelimitd/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	ClientIPOpts httpmw.ClientIPOptions
	PolicyInfo   httpmw.PolicyInfo

	// APIRoutes are mounted as is
	APIRoutes func(chi.Router)

	// LimitedRoutes are mounted behind RateLimitMW
	LimitedRoutes func(chi.Router)
	RateLimitMW   func(http.Handler) http.Handler

	// MaxBodyBytes caps request bodies, zero uses DefaultMaxBodyBytes
	MaxBodyBytes int64
}
