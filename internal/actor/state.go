package actor

import (
	"context"
	"time"

	"github.com/keithlinneman/ratelimitd/internal/storage"
)

// State is an actor's view of its durable namespace.
//
// SetAlarm persists the deadline and arms the scheduler in one step, so the
// persisted alarm and the in-process timer never disagree after a successful
// call.
type State struct {
	storage.Storage
	id    string
	sched *Scheduler
}

func newState(id string, st storage.Storage, sched *Scheduler) *State {
	return &State{Storage: st, id: id, sched: sched}
}

// ID returns the actor id, which is also its storage namespace
func (s *State) ID() string { return s.id }

func (s *State) SetAlarm(ctx context.Context, at time.Time) error {
	if err := s.Storage.SetAlarm(ctx, at); err != nil {
		return err
	}
	if s.sched != nil {
		s.sched.Arm(s.id, at)
	}
	return nil
}

// RearmFromStorage arms the scheduler with the persisted alarm without
// rewriting it. It reports whether an alarm was found. A due alarm is not
// re-armed while its own delivery is running.
func (s *State) RearmFromStorage(ctx context.Context) (time.Time, bool, error) {
	at, ok, err := s.Storage.GetAlarm(ctx)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	if s.sched != nil {
		s.sched.Rearm(s.id, at, time.Now())
	}
	return at, true, nil
}
