package opshttp

import (
	"net/http"

	"github.com/keithlinneman/ratelimitd/internal/health"
	"github.com/keithlinneman/ratelimitd/internal/log"
)

type Options struct {
	Logger      log.Logger
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// Debug is mounted at /debug/ratelimit, for runtime state dumps
	Debug        http.Handler
	UseRecoverMW bool
	OnPanic      func()
}
