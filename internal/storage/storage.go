package storage

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/keithlinneman/ratelimitd/internal/xerrors"
)

// Entry is the persisted counter state for one identifier.
// Timestamp marks the start of the current window, both Timestamp and WindowMs are milliseconds.
type Entry struct {
	Count     int64 `json:"count"`
	Timestamp int64 `json:"timestamp"`
	WindowMs  int64 `json:"window_ms"`
}

// ExpiresAt returns the epoch millisecond at which the entry's window ends.
// It saturates at math.MaxInt64 instead of wrapping.
func (e Entry) ExpiresAt() int64 {
	if e.WindowMs > 0 && e.Timestamp > math.MaxInt64-e.WindowMs {
		return math.MaxInt64
	}
	return e.Timestamp + e.WindowMs
}

// Storage is the keyed durable storage owned by exactly one actor.
// Implementations do not retry, errors are returned to the caller as-is.
type Storage interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, e Entry) error
	// Delete removes all keys in a single backend operation where the backend allows it
	Delete(ctx context.Context, keys []string) error
	// List is a full scan of the namespace
	List(ctx context.Context) (map[string]Entry, error)

	GetAlarm(ctx context.Context) (time.Time, bool, error)
	SetAlarm(ctx context.Context, at time.Time) error
}

// Provider hands out per-namespace Storage views over one backend.
type Provider interface {
	// Open returns the storage for a namespace. It does no I/O.
	Open(namespace string) Storage
	// Alarms returns every persisted alarm keyed by namespace, used to re-arm after restart
	Alarms(ctx context.Context) (map[string]time.Time, error)
	Ping(ctx context.Context) error
	Close() error
}

// EncodeEntry is the wire form shared by the remote backends
func EncodeEntry(e Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, xerrors.Wrap(err, "encode entry")
	}
	return b, nil
}

func DecodeEntry(b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, xerrors.Wrap(err, "decode entry")
	}
	return e, nil
}
