// Package lock keeps a single ledger process writing at a time. The core is
// single-threaded per process; the lease extends that to the deployment.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrLeaseHeld is returned when another process owns the lease.
var ErrLeaseHeld = errors.New("lease held by another writer")

// Compare-and-extend / compare-and-delete so one holder never touches
// another holder's lease.
const (
	extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
	releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
)

// store is the part of Redis the lease needs.
type store interface {
	SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

type redisStore struct {
	rdb     *redis.Client
	extend  *redis.Script
	release *redis.Script
}

func (s *redisStore) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, token, ttl).Result()
}

func (s *redisStore) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := s.extend.Run(ctx, s.rdb, []string{key}, token, ttl.Milliseconds()).Int()
	return n == 1, err
}

func (s *redisStore) Release(ctx context.Context, key, token string) error {
	return s.release.Run(ctx, s.rdb, []string{key}, token).Err()
}

// Options configures the Redis connection and lease.
type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// Lease is a renewable writer lease.
type Lease struct {
	store  store
	closer func() error
	key    string
	token  string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisLease connects to Redis and pings it.
func NewRedisLease(ctx context.Context, opts Options, logger zerolog.Logger) (*Lease, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	l := newLease(&redisStore{
		rdb:     rdb,
		extend:  redis.NewScript(extendLua),
		release: redis.NewScript(releaseLua),
	}, opts.Key, opts.TTL, logger)
	l.closer = rdb.Close
	return l, nil
}

func newLease(s store, key string, ttl time.Duration, logger zerolog.Logger) *Lease {
	return &Lease{
		store:  s,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire takes the lease, retrying every ttl/3 until ctx ends.
func (l *Lease) Acquire(ctx context.Context) error {
	retry := l.ttl / 3
	for {
		ok, err := l.store.SetNX(ctx, l.key, l.token, l.ttl)
		if err != nil {
			return fmt.Errorf("redis: acquire lease %s: %w", l.key, err)
		}
		if ok {
			l.logger.Info().Str("key", l.key).Dur("ttl", l.ttl).Msg("writer lease acquired")
			return nil
		}

		l.logger.Info().Str("key", l.key).Msg("writer lease held elsewhere, waiting")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrLeaseHeld, ctx.Err())
		case <-time.After(retry):
		}
	}
}

// Keep renews the lease every ttl/3 until ctx ends. It returns an error as
// soon as the lease is lost; the caller must stop writing.
func (l *Lease) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ok, err := l.store.Extend(ctx, l.key, l.token, l.ttl)
			if err != nil {
				// Transient; the next tick retries before the TTL runs out.
				l.logger.Warn().Err(err).Str("key", l.key).Msg("lease renewal failed")
				continue
			}
			if !ok {
				return fmt.Errorf("writer lease %s lost", l.key)
			}
		}
	}
}

// Release gives the lease up and closes the connection.
func (l *Lease) Release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.store.Release(ctx, l.key, l.token); err != nil {
		l.logger.Warn().Err(err).Str("key", l.key).Msg("lease release failed")
	}
	if l.closer != nil {
		_ = l.closer()
	}
}
