package actor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/keithlinneman/ratelimitd/internal/log"
	"github.com/keithlinneman/ratelimitd/internal/storage"
	"github.com/keithlinneman/ratelimitd/internal/xerrors"
)

// DefaultIdleTimeout is how long an actor with no callers stays resident
const DefaultIdleTimeout = 5 * time.Minute

var ErrClosed = errors.New("actor registry closed")

// Actor is the behaviour a Registry hosts. Both methods run on the actor's
// own goroutine and never concurrently with each other or with Do callbacks.
type Actor interface {
	// Bootstrap runs once per activation, before the first job is handled.
	// A failed bootstrap fails that job and is retried on the next one.
	Bootstrap(ctx context.Context, st *State) error

	// Alarm runs when the alarm set through State.SetAlarm comes due
	Alarm(ctx context.Context, st *State) error
}

// Metrics is implemented by the metrics package to observe the runtime
type Metrics interface {
	SetActorsActive(n int)
	IncActorBootstrapErrors()
	IncAlarmsFired()
	IncAlarmErrors()
	SetAlarmsPending(n int)
}

type RegistryOptions[A Actor] struct {
	Provider storage.Provider
	// New builds the behaviour for an id on activation
	New     func(id string) A
	Logger  log.Logger
	Metrics Metrics

	// IdleTimeout is how long an idle actor stays resident. Negative disables
	// retirement, zero uses DefaultIdleTimeout.
	IdleTimeout time.Duration

	// AlarmConcurrency bounds alarm handlers running at once
	AlarmConcurrency  int
	AlarmRetryInitial time.Duration
	AlarmRetryMax     time.Duration
}

// Registry owns the live actors for one storage provider
type Registry[A Actor] struct {
	provider storage.Provider
	newActor func(id string) A
	logger   log.Logger
	metrics  Metrics
	idle     time.Duration
	sched    *Scheduler

	mu     sync.Mutex
	actors map[string]*instance[A]
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

type job[A Actor] struct {
	ctx  context.Context
	fn   func(ctx context.Context, a A, st *State) error
	done chan error
}

type instance[A Actor] struct {
	id      string
	actor   A
	state   *State
	mailbox chan job[A]

	// refs counts callers between acquire and release, guarded by Registry.mu
	refs int

	// ready is only touched by the worker goroutine
	ready bool
}

func NewRegistry[A Actor](opts RegistryOptions[A]) (*Registry[A], error) {
	if opts.Provider == nil {
		return nil, xerrors.New("actor registry: storage provider is required")
	}
	if opts.New == nil {
		return nil, xerrors.New("actor registry: constructor is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	idle := opts.IdleTimeout
	if idle == 0 {
		idle = DefaultIdleTimeout
	}

	r := &Registry[A]{
		provider: opts.Provider,
		newActor: opts.New,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		idle:     idle,
		actors:   make(map[string]*instance[A]),
		stop:     make(chan struct{}),
	}
	r.sched = NewScheduler(SchedulerOptions{
		Handler:      r.deliverAlarm,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
		Concurrency:  opts.AlarmConcurrency,
		RetryInitial: opts.AlarmRetryInitial,
		RetryMax:     opts.AlarmRetryMax,
	})
	return r, nil
}

func (r *Registry[A]) Scheduler() *Scheduler { return r.sched }

// RunAlarms delivers alarms until ctx is cancelled
func (r *Registry[A]) RunAlarms(ctx context.Context) error { return r.sched.Run(ctx) }

// Resume arms the scheduler with every alarm persisted by the provider, so
// sweeps scheduled before a restart still fire. Returns how many were armed.
func (r *Registry[A]) Resume(ctx context.Context) (int, error) {
	alarms, err := r.provider.Alarms(ctx)
	if err != nil {
		return 0, xerrors.Wrap(err, "read persisted alarms")
	}
	for id, at := range alarms {
		r.sched.Arm(id, at)
	}
	return len(alarms), nil
}

// Do runs fn on the actor for id, activating it if needed. Calls for the
// same id run one at a time in arrival order.
//
// ctx bounds the wait for the actor to accept the job. Once accepted, Do
// waits for fn to finish and fn receives ctx.
func (r *Registry[A]) Do(ctx context.Context, id string, fn func(ctx context.Context, a A, st *State) error) error {
	if id == "" {
		return xerrors.New("actor id is required")
	}
	inst, err := r.acquire(id)
	if err != nil {
		return err
	}
	defer r.release(inst)

	j := job[A]{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case inst.mailbox <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stop:
		return ErrClosed
	}
	return <-j.done
}

// Active returns the number of resident actors
func (r *Registry[A]) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Close stops every worker after its current job. Pending callers get ErrClosed.
func (r *Registry[A]) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

func (r *Registry[A]) deliverAlarm(ctx context.Context, id string) error {
	return r.Do(ctx, id, func(ctx context.Context, a A, st *State) error {
		return a.Alarm(ctx, st)
	})
}

func (r *Registry[A]) acquire(id string) (*instance[A], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	inst, ok := r.actors[id]
	if !ok {
		inst = &instance[A]{
			id:      id,
			actor:   r.newActor(id),
			state:   newState(id, r.provider.Open(id), r.sched),
			mailbox: make(chan job[A]),
		}
		r.actors[id] = inst
		r.wg.Add(1)
		go r.run(inst)
		r.metrics.SetActorsActive(len(r.actors))
	}
	inst.refs++
	return inst, nil
}

func (r *Registry[A]) release(inst *instance[A]) {
	r.mu.Lock()
	inst.refs--
	r.mu.Unlock()
}

// tryRetire removes inst unless a caller holds it
func (r *Registry[A]) tryRetire(inst *instance[A]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst.refs > 0 {
		return false
	}
	delete(r.actors, inst.id)
	r.metrics.SetActorsActive(len(r.actors))
	return true
}

func (r *Registry[A]) run(inst *instance[A]) {
	defer r.wg.Done()

	var idleC <-chan time.Time
	var timer *time.Timer
	if r.idle > 0 {
		timer = time.NewTimer(r.idle)
		defer timer.Stop()
		idleC = timer.C
	}

	for {
		select {
		case j := <-inst.mailbox:
			j.done <- r.exec(inst, j)
			if timer != nil {
				timer.Reset(r.idle)
			}
		case <-idleC:
			if r.tryRetire(inst) {
				r.logger.Debug(context.Background(), "actor retired", "actor", inst.id)
				return
			}
			timer.Reset(r.idle)
		case <-r.stop:
			return
		}
	}
}

func (r *Registry[A]) exec(inst *instance[A], j job[A]) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = xerrors.Newf("actor %s panicked: %v", inst.id, p)
			r.logger.Error(j.ctx, err, "actor handler panicked", "actor", inst.id)
		}
	}()

	if !inst.ready {
		if err := inst.actor.Bootstrap(j.ctx, inst.state); err != nil {
			r.metrics.IncActorBootstrapErrors()
			return xerrors.Wrapf(err, "bootstrap actor %s", inst.id)
		}
		inst.ready = true
	}
	return j.fn(j.ctx, inst.actor, inst.state)
}

type nopMetrics struct{}

func (nopMetrics) SetActorsActive(int)      {}
func (nopMetrics) IncActorBootstrapErrors() {}
func (nopMetrics) IncAlarmsFired()          {}
func (nopMetrics) IncAlarmErrors()          {}
func (nopMetrics) SetAlarmsPending(int)     {}
