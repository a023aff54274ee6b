// Package kvstore implements the KVStore plugin capability trait: a
// key/value service rule stages can reach for greylisting counters,
// rate-limit windows, or any other small mutable fact a directive needs
// to remember between connections.
//
// The trait is grounded on the Redis plugin in the original vsmtp
// sources (connect with pooled parameters, then get/set/delete/keys/
// append/increment/decrement against a single keyspace) and is backed
// here by redis/go-redis/v9, the same client the teacher already wires
// for its task queue.
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KVStore is the capability trait a rule directive programs against.
// Implementations must be safe for concurrent use.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Increment(ctx context.Context, key string) (int64, error)
	Decrement(ctx context.Context, key string) (int64, error)
	Append(ctx context.Context, key, value string) error
	Close() error
}

// Parameters mirrors the connect() parameter map of the original Redis
// plugin: a URL plus pool sizing knobs, all optional but for the URL.
type Parameters struct {
	URL         string
	Timeout     time.Duration
	Connections int
}

func (p Parameters) withDefaults() Parameters {
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	if p.Connections <= 0 {
		p.Connections = 4
	}
	return p
}

// RedisStore is the concrete KVStore backend.
type RedisStore struct {
	client *redis.Client
}

// Connect opens a pooled connection to a Redis instance, following the
// same pool-size/timeout shape as the original plugin's r2d2 manager.
func Connect(params Parameters) (*RedisStore, error) {
	params = params.withDefaults()
	opt, err := redis.ParseURL(params.URL)
	if err != nil {
		return nil, fmt.Errorf("kvstore: parsing redis url: %w", err)
	}
	opt.PoolSize = params.Connections
	opt.DialTimeout = params.Timeout
	opt.ReadTimeout = params.Timeout
	opt.WriteTimeout = params.Timeout

	client := redis.NewClient(opt)
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("kvstore: set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kvstore: delete %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore: keys %q: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore: expire %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Increment(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore: increment %q: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Decrement(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore: decrement %q: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Append(ctx context.Context, key, value string) error {
	if err := s.client.Append(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("kvstore: append %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
