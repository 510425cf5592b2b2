package actor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/ratelimitd/internal/log"
)

const (
	DefaultAlarmConcurrency  = 16
	DefaultAlarmRetryInitial = time.Second
	DefaultAlarmRetryMax     = 5 * time.Minute
)

type SchedulerOptions struct {
	// Handler delivers the alarm for id
	Handler func(ctx context.Context, id string) error
	Logger  log.Logger
	Metrics Metrics

	Concurrency  int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Scheduler holds at most one pending deadline per id and calls the handler
// when it comes due. A failed delivery is retried with exponential backoff
// unless the handler armed a new deadline before failing.
type Scheduler struct {
	handler      func(ctx context.Context, id string) error
	logger       log.Logger
	metrics      Metrics
	concurrency  int
	retryInitial time.Duration
	retryMax     time.Duration

	mu       sync.Mutex
	queue    alarmQueue
	byID     map[string]*alarm
	failures map[string]int

	// delivering holds ids popped from the queue whose handler has not returned
	delivering map[string]bool

	wake chan struct{}
}

func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultAlarmConcurrency
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = DefaultAlarmRetryInitial
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultAlarmRetryMax
	}
	return &Scheduler{
		handler:      opts.Handler,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		concurrency:  opts.Concurrency,
		retryInitial: opts.RetryInitial,
		retryMax:     opts.RetryMax,
		byID:         make(map[string]*alarm),
		failures:     make(map[string]int),
		delivering:   make(map[string]bool),
		wake:         make(chan struct{}, 1),
	}
}

// Arm sets the deadline for id, replacing any pending one
func (s *Scheduler) Arm(id string, at time.Time) {
	s.mu.Lock()
	s.armLocked(id, at)
	s.mu.Unlock()
	s.signal()
}

// Rearm arms a deadline read back from storage. A deadline already due at
// now is dropped while id is being delivered, since that delivery is the one
// it describes. It reports whether the deadline was armed.
func (s *Scheduler) Rearm(id string, at, now time.Time) bool {
	s.mu.Lock()
	if s.delivering[id] && !at.After(now) {
		s.mu.Unlock()
		return false
	}
	s.armLocked(id, at)
	s.mu.Unlock()
	s.signal()
	return true
}

// Disarm drops the pending deadline for id, if any
func (s *Scheduler) Disarm(id string) {
	s.mu.Lock()
	if a, ok := s.byID[id]; ok {
		heap.Remove(&s.queue, a.index)
		delete(s.byID, id)
		s.metrics.SetAlarmsPending(len(s.queue))
	}
	s.mu.Unlock()
	s.signal()
}

// Deadline returns the pending deadline for id
func (s *Scheduler) Deadline(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.byID[id]; ok {
		return a.at, true
	}
	return time.Time{}, false
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run delivers due alarms until ctx is cancelled, then waits for in-flight
// deliveries. Alarms still pending at that point stay persisted and are
// picked up again by Registry.Resume.
func (s *Scheduler) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, next := s.popDue(time.Now())
		for _, id := range due {
			g.Go(func() error {
				s.deliver(ctx, id)
				return nil
			})
		}

		var timerC <-chan time.Time
		if !next.IsZero() {
			timer.Reset(time.Until(next))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case <-s.wake:
		case <-timerC:
		}
		timer.Stop()
	}
}

func (s *Scheduler) deliver(ctx context.Context, id string) {
	s.metrics.IncAlarmsFired()
	err := s.handler(ctx, id)

	s.mu.Lock()
	delete(s.delivering, id)
	if err == nil {
		delete(s.failures, id)
		s.mu.Unlock()
		return
	}
	if ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	n := s.failures[id] + 1
	s.failures[id] = n
	delay := s.backoff(n)
	_, rearmed := s.byID[id]
	if !rearmed {
		s.armLocked(id, time.Now().Add(delay))
	}
	s.mu.Unlock()

	s.metrics.IncAlarmErrors()
	if rearmed {
		s.logger.Error(ctx, err, "alarm handler failed after rescheduling", "actor", id)
		return
	}
	s.logger.Error(ctx, err, "alarm handler failed, retrying",
		"actor", id,
		"consecutive_errors", n,
		"retry_in", delay.String(),
	)
	s.signal()
}

func (s *Scheduler) backoff(failures int) time.Duration {
	d := s.retryInitial
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= s.retryMax {
			return s.retryMax
		}
	}
	return min(d, s.retryMax)
}

func (s *Scheduler) armLocked(id string, at time.Time) {
	if a, ok := s.byID[id]; ok {
		a.at = at
		heap.Fix(&s.queue, a.index)
	} else {
		a := &alarm{id: id, at: at}
		heap.Push(&s.queue, a)
		s.byID[id] = a
	}
	s.metrics.SetAlarmsPending(len(s.queue))
}

// popDue removes every alarm at or before now and returns the next deadline
func (s *Scheduler) popDue(now time.Time) ([]string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	for len(s.queue) > 0 && !s.queue[0].at.After(now) {
		a := heap.Pop(&s.queue).(*alarm)
		delete(s.byID, a.id)
		s.delivering[a.id] = true
		due = append(due, a.id)
	}
	if len(due) > 0 {
		s.metrics.SetAlarmsPending(len(s.queue))
	}
	if len(s.queue) == 0 {
		return due, time.Time{}
	}
	return due, s.queue[0].at
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type alarm struct {
	id    string
	at    time.Time
	index int
}

type alarmQueue []*alarm

func (q alarmQueue) Len() int           { return len(q) }
func (q alarmQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }

func (q alarmQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *alarmQueue) Push(x any) {
	a := x.(*alarm)
	a.index = len(*q)
	*q = append(*q, a)
}

func (q *alarmQueue) Pop() any {
	old := *q
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return a
}
