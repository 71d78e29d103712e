package ratelimit

import (
	"context"
	"fmt"
	"time"

	"apigate/internal/models"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "apigate:"

// NewRedisClient creates a go-redis client from configuration and verifies
// the connection.
func NewRedisClient(ctx context.Context, cfg models.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisStore keeps buckets in Redis so several gate instances share limits.
// redis_rate runs GCRA in a single Lua script, which is a token bucket with
// burst equal to the per-interval rate.
type RedisStore struct {
	client  *redis.Client
	limiter *redis_rate.Limiter
	now     func() time.Time
}

// NewRedisStore wraps an existing client. Close closes the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:  client,
		limiter: redis_rate.NewLimiter(client),
		now:     time.Now,
	}
}

// Take consumes one token from the shared bucket for key.
func (s *RedisStore) Take(ctx context.Context, key string, policy Policy) (Decision, error) {
	res, err := s.limiter.Allow(ctx, redisKeyPrefix+key, redis_rate.Limit{
		Rate:   policy.Limit,
		Burst:  policy.Limit,
		Period: policy.Interval,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("redis take: %w", err)
	}

	now := s.now()
	d := Decision{
		Allowed:   res.Allowed > 0,
		Limit:     policy.Limit,
		Remaining: max(res.Remaining, 0),
		ResetAt:   now,
	}

	switch {
	case !d.Allowed:
		d.RetryAfter = max(res.RetryAfter, 0)
		d.ResetAt = now.Add(d.RetryAfter)
	case d.Remaining == 0 && policy.Limit > 0:
		// ResetAfter is the time to a full bucket; the next single token
		// arrives Limit-1 emission intervals earlier.
		emission := policy.Interval / time.Duration(policy.Limit)
		wait := res.ResetAfter - time.Duration(policy.Limit-1)*emission
		d.ResetAt = now.Add(max(wait, 0))
	}
	return d, nil
}

// Ping verifies the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying client for pool statistics.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
