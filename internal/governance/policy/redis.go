package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore shares fixed-window counters across replicas.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore creates a CounterStore on the given client.
func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: "cadenza:ratelimit:"}
}

// Incr implements CounterStore. INCR and EXPIRE NX run in one pipeline so
// the window TTL is set exactly once, by whichever replica lands first.
func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	full := s.prefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, full)
	pipe.ExpireNX(ctx, full, window)
	ttl := pipe.TTL(ctx, full)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("redis rate limit incr: %w", err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}
	return incr.Val(), time.Now().UTC().Add(remaining), nil
}

// Peek implements CounterStore without touching the counter. A missing key
// reads as zero.
func (s *RedisCounterStore) Peek(ctx context.Context, key string) (int64, time.Time, error) {
	full := s.prefix + key

	pipe := s.client.TxPipeline()
	get := pipe.Get(ctx, full)
	ttl := pipe.TTL(ctx, full)
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, time.Time{}, nil
		}
		return 0, time.Time{}, fmt.Errorf("redis rate limit peek: %w", err)
	}
	count, err := get.Int64()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis rate limit peek: %w", err)
	}
	return count, time.Now().UTC().Add(ttl.Val()), nil
}

// RedisReplayStore shares consumed token IDs across replicas so single-use
// semantics hold behind a load balancer.
type RedisReplayStore struct {
	client *redis.Client
	prefix string
}

// NewRedisReplayStore creates a ReplayStore on the given client.
func NewRedisReplayStore(client *redis.Client) *RedisReplayStore {
	return &RedisReplayStore{client: client, prefix: "cadenza:token:"}
}

// Consume implements ReplayStore via SET NX with the token's remaining
// lifetime as TTL; exactly one caller observes the insert.
func (s *RedisReplayStore) Consume(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return false, nil
	}
	ok, err := s.client.SetNX(ctx, s.prefix+tokenID, "used", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis token consume: %w", err)
	}
	return ok, nil
}
