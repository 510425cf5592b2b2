// Package redisstore is a storage.Provider backed by Redis.
//
// Layout:
//
//	{prefix}{namespace}:entries   hash, field = identifier, value = JSON entry
//	{prefix}alarms                sorted set, member = namespace, score = alarm epoch ms
//
// Keeping alarms in one sorted set lets a restarted process find every pending
// sweep with a single read instead of scanning the keyspace.
package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/ratelimitd/internal/storage"
	"github.com/keithlinneman/ratelimitd/internal/xerrors"
)

const DefaultPrefix = "ratelimitd:"

type Provider struct {
	client redis.UniversalClient
	prefix string
	// closeClient is false when the caller passed in a client it still owns
	closeClient bool
}

type Option func(*Provider)

// WithPrefix sets the prefix for every key the provider writes
func WithPrefix(prefix string) Option {
	return func(p *Provider) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithOwnedClient makes Close also close the redis client
func WithOwnedClient() Option {
	return func(p *Provider) {
		p.closeClient = true
	}
}

func New(client redis.UniversalClient, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, xerrors.New("redis client is required")
	}
	p := &Provider{client: client, prefix: DefaultPrefix}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Dial connects to addr and verifies the connection with a PING
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Provider, error) {
	if addr == "" {
		return nil, xerrors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrapf(err, "redis ping %s", addr)
	}

	return New(client, append(opts, WithOwnedClient())...)
}

func (p *Provider) alarmsKey() string {
	return p.prefix + "alarms"
}

func (p *Provider) entriesKey(ns string) string {
	return p.prefix + ns + ":entries"
}

func (p *Provider) Open(ns string) storage.Storage {
	return &Store{p: p, ns: ns, key: p.entriesKey(ns)}
}

func (p *Provider) Alarms(ctx context.Context) (map[string]time.Time, error) {
	zs, err := p.client.ZRangeWithScores(ctx, p.alarmsKey(), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(err, "redis read alarms")
	}
	out := make(map[string]time.Time, len(zs))
	for _, z := range zs {
		ns, ok := z.Member.(string)
		if !ok {
			continue
		}
		out[ns] = time.UnixMilli(int64(z.Score))
	}
	return out, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(err, "redis ping")
	}
	return nil
}

func (p *Provider) Close() error {
	if !p.closeClient {
		return nil
	}
	return p.client.Close()
}

// Store is the view of one namespace
type Store struct {
	p   *Provider
	ns  string
	key string
}

var _ storage.Storage = (*Store)(nil)

func (s *Store) Get(ctx context.Context, key string) (storage.Entry, bool, error) {
	raw, err := s.p.client.HGet(ctx, s.key, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return storage.Entry{}, false, nil
		}
		return storage.Entry{}, false, xerrors.Wrapf(err, "redis get %s", key)
	}
	e, err := storage.DecodeEntry(raw)
	if err != nil {
		return storage.Entry{}, false, err
	}
	return e, true, nil
}

func (s *Store) Put(ctx context.Context, key string, e storage.Entry) error {
	raw, err := storage.EncodeEntry(e)
	if err != nil {
		return err
	}
	if err := s.p.client.HSet(ctx, s.key, key, raw).Err(); err != nil {
		return xerrors.Wrapf(err, "redis put %s", key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.p.client.HDel(ctx, s.key, keys...).Err(); err != nil {
		return xerrors.Wrapf(err, "redis delete %d keys", len(keys))
	}
	return nil
}

func (s *Store) List(ctx context.Context) (map[string]storage.Entry, error) {
	all, err := s.p.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, xerrors.Wrap(err, "redis list")
	}
	out := make(map[string]storage.Entry, len(all))
	for k, v := range all {
		e, err := storage.DecodeEntry([]byte(v))
		if err != nil {
			return nil, xerrors.Wrapf(err, "redis list field %s", k)
		}
		out[k] = e
	}
	return out, nil
}

func (s *Store) GetAlarm(ctx context.Context) (time.Time, bool, error) {
	score, err := s.p.client.ZScore(ctx, s.p.alarmsKey(), s.ns).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, xerrors.Wrap(err, "redis get alarm")
	}
	return time.UnixMilli(int64(score)), true, nil
}

func (s *Store) SetAlarm(ctx context.Context, at time.Time) error {
	err := s.p.client.ZAdd(ctx, s.p.alarmsKey(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: s.ns,
	}).Err()
	if err != nil {
		return xerrors.Wrap(err, "redis set alarm")
	}
	return nil
}
