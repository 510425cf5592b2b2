// Package policy holds the default rate limit applied when callers do not
// pass their own, and keeps it in sync with an SSM parameter.
//
// The parameter value is JSON:
//
//	{"max_requests": 100, "window_ms": 60000, "version": "2024-06-01"}
//
// A new value is validated before it replaces the active policy. Invalid
// values and SSM outages keep the last good policy in place.
package policy

import (
	"bytes"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/ratelimitd/internal/ratelimit"
	"github.com/keithlinneman/ratelimitd/internal/xerrors"
)

// MaxWindow bounds window_ms to what the limiter accepts per request
const MaxWindow = ratelimit.MaxWindow

type Policy struct {
	MaxRequests int64  `json:"max_requests"`
	WindowMs    int64  `json:"window_ms"`
	Version     string `json:"version,omitempty"`
}

func (p Policy) Validate() error {
	if p.MaxRequests <= 0 {
		return xerrors.Newf("max_requests must be positive, got %d", p.MaxRequests)
	}
	if p.WindowMs <= 0 {
		return xerrors.Newf("window_ms must be positive, got %d", p.WindowMs)
	}
	if p.WindowMs > MaxWindow.Milliseconds() {
		return xerrors.Newf("window_ms %d exceeds %s", p.WindowMs, MaxWindow)
	}
	return nil
}

func (p Policy) Equal(o Policy) bool {
	return p.MaxRequests == o.MaxRequests && p.WindowMs == o.WindowMs && p.Version == o.Version
}

// Parse decodes and validates a policy document
func Parse(raw []byte) (Policy, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var p Policy
	if err := dec.Decode(&p); err != nil {
		return Policy{}, xerrors.Wrap(err, "decode policy")
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Manager serves the active policy to concurrent readers
type Manager struct {
	active   atomic.Pointer[Policy]
	loadedAt atomic.Int64
}

// NewManager starts with initial, which must be valid
func NewManager(initial Policy) (*Manager, error) {
	if err := initial.Validate(); err != nil {
		return nil, xerrors.Wrap(err, "initial policy")
	}
	m := &Manager{}
	m.Set(initial)
	return m, nil
}

func (m *Manager) Set(p Policy) {
	cp := p
	m.active.Store(&cp)
	m.loadedAt.Store(time.Now().Unix())
}

func (m *Manager) Get() Policy { return *m.active.Load() }

// Limits implements ratelimit.Defaults
func (m *Manager) Limits() (maxRequests, windowMs int64) {
	p := m.active.Load()
	return p.MaxRequests, p.WindowMs
}

// LoadedAt is when the active policy was set
func (m *Manager) LoadedAt() time.Time { return time.Unix(m.loadedAt.Load(), 0) }
