// Watcher polls the policy parameter and swaps new values into the Manager.
package policy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/keithlinneman/ratelimitd/internal/log"
	"github.com/keithlinneman/ratelimitd/internal/xerrors"
)

const (
	DefaultPollInterval = time.Minute

	// maxBackoff caps exponential backoff on consecutive SSM errors
	maxBackoff = 5 * time.Minute
)

type pollResult int

const (
	pollNoChange pollResult = iota
	pollSwapped
	pollFetchError
	pollInvalid
)

// Fetcher returns the raw policy document. *SSMSource implements it.
type Fetcher interface {
	FetchRaw(ctx context.Context) (string, error)
}

// Metrics is implemented by the metrics package
type Metrics interface {
	IncPolicyPolls()
	IncPolicySwaps()
	IncPolicyError(errType string)
	SetPolicyLastSuccess(t time.Time)
	SetPolicyStale(stale bool)
}

type WatcherOptions struct {
	Logger       log.Logger
	Source       Fetcher
	Manager      *Manager
	PollInterval time.Duration
	Metrics      Metrics

	// OnSwap runs on the poll goroutine after a new policy is active
	OnSwap func(old, cur Policy)

	// StaleThreshold is how long without a successful poll before the
	// watcher reports staleness. Zero defaults to 30 minutes.
	StaleThreshold time.Duration
}

type Watcher struct {
	source   Fetcher
	manager  *Manager
	logger   log.Logger
	interval time.Duration
	metrics  Metrics
	onSwap   func(old, cur Policy)

	lastRaw string

	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	pollCount int64
	swapCount int64
}

func NewWatcher(opts *WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}
	return &Watcher{
		source:         opts.Source,
		manager:        opts.Manager,
		logger:         opts.Logger,
		interval:       interval,
		metrics:        opts.Metrics,
		onSwap:         opts.OnSwap,
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Sync runs one poll immediately. Startup calls it so the first
// request does not wait a full interval for the configured policy.
func (w *Watcher) Sync(ctx context.Context) error {
	switch w.checkOnce(ctx) {
	case pollFetchError:
		return xerrors.New("policy fetch failed")
	case pollInvalid:
		return xerrors.New("policy document rejected")
	}
	return nil
}

// Run blocks until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	cur := w.manager.Get()
	w.logger.Info(ctx, "policy watcher starting",
		"poll_interval", w.interval.String(),
		"max_requests", cur.MaxRequests,
		"window_ms", cur.WindowMs,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "policy watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)

			if result == pollFetchError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "policy watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "policy watcher: recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
			w.trackStaleness(ctx, result)
		}
	}
}

// trackStaleness logs once on entering and once on leaving the stale state
func (w *Watcher) trackStaleness(ctx context.Context, result pollResult) {
	if result != pollFetchError {
		if w.staleLogged {
			w.logger.Info(ctx, "policy watcher: staleness recovered")
			w.staleLogged = false
			if w.metrics != nil {
				w.metrics.SetPolicyStale(false)
			}
		}
		return
	}
	since := time.Since(w.lastSuccessAt)
	if since <= w.staleThreshold || w.staleLogged {
		return
	}
	w.logger.Error(ctx, fmt.Errorf("last successful SSM poll was %s ago", since.Truncate(time.Second)),
		"policy watcher: policy is stale, serving last known limits",
	)
	w.staleLogged = true
	if w.metrics != nil {
		w.metrics.SetPolicyStale(true)
	}
}

func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncPolicyPolls()
	}

	raw, err := w.source.FetchRaw(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: SSM poll failed")
		if w.metrics != nil {
			w.metrics.IncPolicyError("ssm")
		}
		return pollFetchError
	}

	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetPolicyLastSuccess(now)
	}

	if raw == w.lastRaw {
		return pollNoChange
	}

	next, err := Parse([]byte(raw))
	if err != nil {
		// remember the rejected value so it is logged once, not every poll
		w.lastRaw = raw
		w.logger.Error(ctx, err, "policy watcher: rejected policy, keeping current limits")
		if w.metrics != nil {
			w.metrics.IncPolicyError("validation")
		}
		return pollInvalid
	}
	w.lastRaw = raw

	old := w.manager.Get()
	if next.Equal(old) {
		return pollNoChange
	}
	w.manager.Set(next)
	w.swapCount++
	if w.metrics != nil {
		w.metrics.IncPolicySwaps()
	}
	w.logger.Info(ctx, "policy watcher: policy swapped",
		"old_max_requests", old.MaxRequests,
		"old_window_ms", old.WindowMs,
		"max_requests", next.MaxRequests,
		"window_ms", next.WindowMs,
		"version", next.Version,
		"total_swaps", w.swapCount,
	)

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
						"policy watcher: OnSwap callback panicked, continuing")
				}
			}()
			w.onSwap(old, next)
		}()
	}
	return pollSwapped
}

// backoffDuration doubles the interval per consecutive error, capped at maxBackoff
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
