package ratelimit

import (
	"context"
	"time"

	"github.com/keithlinneman/ratelimitd/internal/actor"
	"github.com/keithlinneman/ratelimitd/internal/log"
	"github.com/keithlinneman/ratelimitd/internal/storage"
	"github.com/keithlinneman/ratelimitd/internal/xerrors"
)

const (
	// DefaultPrefix namespaces logical keys before they become actor ids
	DefaultPrefix = "orpc:ratelimit:"

	DefaultMaxRequests = 10
	DefaultWindow      = time.Minute
)

// Defaults supplies the limits used by Client.Limit
type Defaults interface {
	Limits() (maxRequests, windowMs int64)
}

// StaticDefaults is a fixed Defaults
type StaticDefaults struct {
	MaxRequests int64
	Window      time.Duration
}

func (d StaticDefaults) Limits() (int64, int64) {
	return d.MaxRequests, d.Window.Milliseconds()
}

type ClientOptions struct {
	Provider storage.Provider
	Prefix   string
	Defaults Defaults

	Logger       log.Logger
	Limiter      LimiterOptions
	ActorMetrics actor.Metrics

	IdleTimeout      time.Duration
	AlarmConcurrency int
}

// Client maps logical keys to limiter actors. Key "user-1" becomes actor and
// identifier "orpc:ratelimit:user-1" with the default prefix.
type Client struct {
	reg      *actor.Registry[*Limiter]
	provider storage.Provider
	prefix   string
	defaults Defaults
	logger   log.Logger
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Provider == nil {
		return nil, xerrors.New("ratelimit client: storage provider is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Defaults == nil {
		opts.Defaults = StaticDefaults{MaxRequests: DefaultMaxRequests, Window: DefaultWindow}
	}
	if opts.Limiter.Logger == nil {
		opts.Limiter.Logger = opts.Logger
	}

	limiter := NewLimiter(opts.Limiter)
	reg, err := actor.NewRegistry(actor.RegistryOptions[*Limiter]{
		Provider:         opts.Provider,
		New:              func(string) *Limiter { return limiter },
		Logger:           opts.Logger,
		Metrics:          opts.ActorMetrics,
		IdleTimeout:      opts.IdleTimeout,
		AlarmConcurrency: opts.AlarmConcurrency,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		reg:      reg,
		provider: opts.Provider,
		prefix:   opts.Prefix,
		defaults: opts.Defaults,
		logger:   opts.Logger,
	}, nil
}

// Key returns the actor id and stored identifier for a logical key
func (c *Client) Key(key string) string { return c.prefix + key }

// CheckLimit counts one request for key. Invalid arguments fail with
// ErrInvalidRequest before any actor is activated.
func (c *Client) CheckLimit(ctx context.Context, key string, max, windowMs int64) (Result, error) {
	if err := Validate(key, max, windowMs); err != nil {
		return Result{}, err
	}
	id := c.Key(key)

	var res Result
	err := c.reg.Do(ctx, id, func(ctx context.Context, l *Limiter, st *actor.State) error {
		var err error
		res, err = l.Check(ctx, st, id, max, windowMs)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Limit is CheckLimit with the current default limits
func (c *Client) Limit(ctx context.Context, key string) (Result, error) {
	max, windowMs := c.defaults.Limits()
	return c.CheckLimit(ctx, key, max, windowMs)
}

// Limits returns the current default limits
func (c *Client) Limits() (maxRequests, windowMs int64) { return c.defaults.Limits() }

// Run re-arms persisted sweeps and delivers alarms until ctx is cancelled
func (c *Client) Run(ctx context.Context) error {
	n, err := c.reg.Resume(ctx)
	if err != nil {
		return err
	}
	c.logger.Info(ctx, "sweep alarms resumed", "alarms", n)
	return c.reg.RunAlarms(ctx)
}

// Ping checks the storage backend
func (c *Client) Ping(ctx context.Context) error { return c.provider.Ping(ctx) }

func (c *Client) ActiveActors() int  { return c.reg.Active() }
func (c *Client) PendingAlarms() int { return c.reg.Scheduler().Pending() }

// Close stops every actor. It does not close the storage provider.
func (c *Client) Close() error { return c.reg.Close() }
