package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"apigate/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set, skipping Redis tests")
	}
	client, err := NewRedisClient(context.Background(), models.RedisConfig{Addr: addr, DialTimeout: time.Second})
	require.NoError(t, err)
	store := NewRedisStore(client)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStore_CapacityThenReject(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()
	key := "test-" + uuid.NewString()
	policy := perMinute(3)

	for i := 0; i < 3; i++ {
		d, err := store.Take(ctx, key, policy)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := store.Take(ctx, key, policy)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 20*time.Second)
	assert.NoError(t, store.Ping(ctx))
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisClient(ctx, models.RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	assert.Error(t, err)
}
