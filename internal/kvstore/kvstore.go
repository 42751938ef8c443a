// Package kvstore is the typed K/V Store Adapter (spec.md §4.1): get/set/del,
// set-with-TTL, atomic set-if-absent-with-TTL, hash access, and a queue
// namespace used by internal/queue. It owns connection pooling and retries
// on transient network faults only — application-level errors (e.g. a
// losing SetNX) are returned to the caller, never retried here.
package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/govisually/webhookd/core/infra/redisutil"
)

// ErrNotFound is returned by Get/HGetAll when the key does not exist.
var ErrNotFound = errors.New("kvstore: not found")

// Store is the interface consumed by every stateful component. A Redis
// implementation backs production; tests use miniredis through the same
// constructor, grounded on core/infra/locks/redis_store.go's Lua-script
// atomic-operation idiom.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets key=value with ttl only if key is absent. Returns true if
	// this call won the race (spec.md §4.3's "atomic set-if-absent").
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HSetTTL(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// ZAdd/ZRange back the Queue's delayed-retry set and failure-sink index (grounded
	// on core/infra/memory/job_store.go's per-state sorted-set indices).
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error)

	// RPush/BLPop back the Queue's ready-to-run FIFO list.
	RPush(ctx context.Context, key string, value string) error
	BLPop(ctx context.Context, timeout time.Duration, key string) (string, error)

	Ping(ctx context.Context) error
	Close() error
}

type redisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to the given Redis URL via redisutil.NewClient,
// the teacher's TLS/cluster-aware connection builder. minPoolSize should be
// at least the number of concurrent BLPop-holding Queue workers (spec.md
// §4.4) so draining the queue never starves the HTTP-path operations that
// share this same client; pass 0 to accept go-redis's own default.
func NewRedisStore(url string, minPoolSize int) (Store, error) {
	client, err := redisutil.NewClient(url, minPoolSize)
	if err != nil {
		return nil, err
	}
	return &redisStore{client: client}, nil
}

// NewFromClient wraps an already-constructed client (used by tests with
// miniredis).
func NewFromClient(client redis.UniversalClient) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *redisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return m, nil
}

func (s *redisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.client.HSet(ctx, key, args...).Err()
}

func (s *redisStore) HSetTTL(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	pipe.HSet(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *redisStore) ZRem(ctx context.Context, key string, member string) error {
	return s.client.ZRem(ctx, key, member).Err()
}

func (s *redisStore) ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error) {
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
}

func (s *redisStore) RPush(ctx context.Context, key string, value string) error {
	return s.client.RPush(ctx, key, value).Err()
}

func (s *redisStore) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	res, err := s.client.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	// BLPop returns [key, value].
	if len(res) < 2 {
		return "", ErrNotFound
	}
	return res[1], nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
