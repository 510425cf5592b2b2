package ratelimit

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/ratelimitd/internal/actor"
	"github.com/keithlinneman/ratelimitd/internal/log"
)

const tracerName = "ratelimitd/ratelimit"

// Metrics is implemented by the metrics package
type Metrics interface {
	IncCheck(result string)
	IncStorageError(op string)
	ObserveSweep(deleted int, d time.Duration)
}

type LimiterOptions struct {
	Logger  log.Logger
	Metrics Metrics

	// CleanupInterval overrides the time between sweeps, zero uses CleanupInterval
	CleanupInterval time.Duration

	// Now is the clock, defaults to time.Now
	Now func() time.Time
}

// Limiter is the actor behaviour for one identifier. It holds no per-actor
// state, so a single Limiter serves every actor in a registry.
type Limiter struct {
	logger   log.Logger
	metrics  Metrics
	interval time.Duration
	now      func() time.Time
	tracer   trace.Tracer
}

var _ actor.Actor = (*Limiter)(nil)

func NewLimiter(opts LimiterOptions) *Limiter {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = CleanupInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		interval: opts.CleanupInterval,
		now:      opts.Now,
		tracer:   otel.Tracer(tracerName),
	}
}

// Bootstrap runs before the actor serves its first call
func (l *Limiter) Bootstrap(ctx context.Context, st *actor.State) error {
	at, created, err := Bootstrap(ctx, st, l.now(), l.interval)
	if err != nil {
		l.metrics.IncStorageError("bootstrap")
		return err
	}
	l.logger.Debug(ctx, "limiter activated",
		"actor", st.ID(),
		"next_sweep", at,
		"alarm_created", created,
	)
	return nil
}

// Alarm runs the expiry sweep
func (l *Limiter) Alarm(ctx context.Context, st *actor.State) error {
	ctx, span := l.tracer.Start(ctx, "ratelimit.sweep",
		trace.WithAttributes(attribute.String("ratelimit.actor", st.ID())),
	)
	defer span.End()

	start := time.Now()
	rep, err := Sweep(ctx, st, l.now(), l.interval)
	if err != nil {
		l.metrics.IncStorageError("sweep")
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep failed")
		return err
	}
	l.metrics.ObserveSweep(rep.Deleted, time.Since(start))
	span.SetAttributes(
		attribute.Int("ratelimit.sweep.scanned", rep.Scanned),
		attribute.Int("ratelimit.sweep.deleted", rep.Deleted),
	)
	if rep.Deleted > 0 {
		l.logger.Info(ctx, "expired entries swept",
			"actor", st.ID(),
			"scanned", rep.Scanned,
			"deleted", rep.Deleted,
			"next_sweep", rep.Next,
		)
	}
	return nil
}

// Check counts one request. It must run on the identifier's actor.
func (l *Limiter) Check(ctx context.Context, st *actor.State, identifier string, max, windowMs int64) (Result, error) {
	ctx, span := l.tracer.Start(ctx, "ratelimit.check",
		trace.WithAttributes(
			attribute.Int64("ratelimit.max", max),
			attribute.Int64("ratelimit.window_ms", windowMs),
		),
	)
	defer span.End()

	res, err := CheckLimit(ctx, st, l.now(), identifier, max, windowMs)
	if errors.Is(err, ErrInvalidRequest) {
		l.metrics.IncCheck("invalid")
		return Result{}, err
	}
	if err != nil {
		l.metrics.IncCheck("error")
		l.metrics.IncStorageError("check")
		span.RecordError(err)
		span.SetStatus(codes.Error, "check failed")
		return Result{}, err
	}

	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", res.Success),
		attribute.Int64("ratelimit.remaining", res.Remaining),
	)
	if res.Success {
		l.metrics.IncCheck("allowed")
	} else {
		l.metrics.IncCheck("denied")
	}
	return res, nil
}

type nopMetrics struct{}

func (nopMetrics) IncCheck(string)                {}
func (nopMetrics) IncStorageError(string)         {}
func (nopMetrics) ObserveSweep(int, time.Duration) {}
