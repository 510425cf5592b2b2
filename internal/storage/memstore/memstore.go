// Package memstore is an in-process storage.Provider.
//
// State lives in the process and is lost on restart, so it only satisfies the
// durability contract for tests and single-node development.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/ratelimitd/internal/storage"
)

type namespace struct {
	entries  map[string]storage.Entry
	alarm    time.Time
	hasAlarm bool
}

// Provider holds every namespace behind one mutex. Actors already serialize
// access per namespace, the mutex only protects the outer map.
type Provider struct {
	mu sync.Mutex
	ns map[string]*namespace
}

func New() *Provider {
	return &Provider{ns: make(map[string]*namespace)}
}

func (p *Provider) Open(ns string) storage.Storage {
	return &Store{p: p, name: ns}
}

func (p *Provider) Alarms(_ context.Context) (map[string]time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]time.Time)
	for name, n := range p.ns {
		if n.hasAlarm {
			out[name] = n.alarm
		}
	}
	return out, nil
}

func (p *Provider) Ping(context.Context) error { return nil }
func (p *Provider) Close() error             { return nil }

// must be called with p.mu held
func (p *Provider) get(name string) *namespace {
	n, ok := p.ns[name]
	if !ok {
		n = &namespace{entries: make(map[string]storage.Entry)}
		p.ns[name] = n
	}
	return n
}

// Store is one namespace view
type Store struct {
	p    *Provider
	name string
}

var _ storage.Storage = (*Store)(nil)

func (s *Store) Get(_ context.Context, key string) (storage.Entry, bool, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	e, ok := s.p.get(s.name).entries[key]
	return e, ok, nil
}

func (s *Store) Put(_ context.Context, key string, e storage.Entry) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.get(s.name).entries[key] = e
	return nil
}

func (s *Store) Delete(_ context.Context, keys []string) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	n := s.p.get(s.name)
	for _, k := range keys {
		delete(n.entries, k)
	}
	return nil
}

func (s *Store) List(_ context.Context) (map[string]storage.Entry, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	n := s.p.get(s.name)
	out := make(map[string]storage.Entry, len(n.entries))
	for k, e := range n.entries {
		out[k] = e
	}
	return out, nil
}

func (s *Store) GetAlarm(_ context.Context) (time.Time, bool, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	n := s.p.get(s.name)
	return n.alarm, n.hasAlarm, nil
}

func (s *Store) SetAlarm(_ context.Context, at time.Time) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	n := s.p.get(s.name)
	n.alarm = at
	n.hasAlarm = true
	return nil
}
