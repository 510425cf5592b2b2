package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/keithlinneman/ratelimitd/internal/storage"
	"github.com/keithlinneman/ratelimitd/internal/xerrors"
)

// CleanupInterval is the time between expiry sweeps of one actor's entries
const CleanupInterval = 12 * time.Hour

// MaxWindow caps windowMs. Longer windows would push Timestamp+WindowMs
// toward int64 overflow and pin entries past any useful horizon.
const MaxWindow = 30 * 24 * time.Hour

// ErrInvalidRequest marks requests rejected before any storage access
var ErrInvalidRequest = errors.New("invalid rate limit request")

// Result is the outcome of one check. Reset is epoch milliseconds.
type Result struct {
	Success   bool  `json:"success"`
	Remaining int64 `json:"remaining"`
	Reset     int64 `json:"reset"`
	Limit     int64 `json:"limit"`
}

// RetryAfter is how long a rejected caller should wait, rounded up to whole seconds
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Success {
		return 0
	}
	d := time.UnixMilli(r.Reset).Sub(now)
	if d <= 0 {
		return 0
	}
	return (d + time.Second - 1).Truncate(time.Second)
}

func Validate(identifier string, max, windowMs int64) error {
	switch {
	case identifier == "":
		return xerrors.Mark(xerrors.New("identifier is required"), ErrInvalidRequest)
	case max <= 0:
		return xerrors.Mark(xerrors.Newf("max must be positive, got %d", max), ErrInvalidRequest)
	case windowMs <= 0:
		return xerrors.Mark(xerrors.Newf("window must be positive, got %dms", windowMs), ErrInvalidRequest)
	case windowMs > MaxWindow.Milliseconds():
		return xerrors.Mark(xerrors.Newf("window %dms exceeds %s", windowMs, MaxWindow), ErrInvalidRequest)
	}
	return nil
}

// CheckLimit counts one request for identifier against max per windowMs.
//
// It reads the entry once and writes at most once. A rejected request leaves
// storage untouched. An accepted request in an open window also stores the
// caller's windowMs, so a changed window length shows up in reset from the
// next accepted request on but never reopens or closes the current window
// on its own.
func CheckLimit(ctx context.Context, st storage.Storage, now time.Time, identifier string, max, windowMs int64) (Result, error) {
	if err := Validate(identifier, max, windowMs); err != nil {
		return Result{}, err
	}
	nowMs := now.UnixMilli()

	entry, found, err := st.Get(ctx, identifier)
	if err != nil {
		return Result{}, xerrors.Wrapf(err, "read entry %s", identifier)
	}

	if !found || entry.ExpiresAt() <= nowMs {
		fresh := storage.Entry{Count: 1, Timestamp: nowMs, WindowMs: windowMs}
		if err := st.Put(ctx, identifier, fresh); err != nil {
			return Result{}, xerrors.Wrapf(err, "write entry %s", identifier)
		}
		return Result{Success: true, Remaining: max - 1, Reset: fresh.ExpiresAt(), Limit: max}, nil
	}

	if entry.Count >= max {
		return Result{Success: false, Remaining: 0, Reset: entry.ExpiresAt(), Limit: max}, nil
	}

	entry.Count++
	entry.WindowMs = windowMs
	if err := st.Put(ctx, identifier, entry); err != nil {
		return Result{}, xerrors.Wrapf(err, "write entry %s", identifier)
	}
	return Result{Success: true, Remaining: max - entry.Count, Reset: entry.ExpiresAt(), Limit: max}, nil
}

// SweepReport describes one sweep
type SweepReport struct {
	Scanned int
	Deleted int
	Next    time.Time
}

// Sweep deletes every entry whose window ended before now in a single batch
// and sets the next alarm interval from now. The alarm is set even when
// nothing was deleted. Deletion is skipped when nothing expired.
func Sweep(ctx context.Context, st storage.Storage, now time.Time, interval time.Duration) (SweepReport, error) {
	if interval <= 0 {
		interval = CleanupInterval
	}
	nowMs := now.UnixMilli()

	entries, err := st.List(ctx)
	if err != nil {
		return SweepReport{}, xerrors.Wrap(err, "list entries")
	}
	rep := SweepReport{Scanned: len(entries)}

	var expired []string
	for key, e := range entries {
		if e.ExpiresAt() < nowMs {
			expired = append(expired, key)
		}
	}
	if len(expired) > 0 {
		if err := st.Delete(ctx, expired); err != nil {
			return rep, xerrors.Wrapf(err, "delete %d expired entries", len(expired))
		}
		rep.Deleted = len(expired)
	}

	rep.Next = now.Add(interval)
	if err := st.SetAlarm(ctx, rep.Next); err != nil {
		return rep, xerrors.Wrap(err, "schedule next sweep")
	}
	return rep, nil
}

// rearmer is implemented by actor.State, where reading the persisted alarm
// also hands it to the in-process scheduler
type rearmer interface {
	RearmFromStorage(ctx context.Context) (time.Time, bool, error)
}

// Bootstrap makes sure st has a pending alarm, setting one interval from now
// when none is persisted. It returns the pending deadline and whether this
// call created it.
func Bootstrap(ctx context.Context, st storage.Storage, now time.Time, interval time.Duration) (time.Time, bool, error) {
	if interval <= 0 {
		interval = CleanupInterval
	}

	var (
		at    time.Time
		found bool
		err   error
	)
	if r, ok := st.(rearmer); ok {
		at, found, err = r.RearmFromStorage(ctx)
	} else {
		at, found, err = st.GetAlarm(ctx)
	}
	if err != nil {
		return time.Time{}, false, xerrors.Wrap(err, "read alarm")
	}
	if found {
		return at, false, nil
	}

	next := now.Add(interval)
	if err := st.SetAlarm(ctx, next); err != nil {
		return time.Time{}, false, xerrors.Wrap(err, "set initial alarm")
	}
	return next, true, nil
}
