package authcache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "Failed to start Redis container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	s, err := NewRedisStore(ctx, RedisConfig{Addr: endpoint}, "test:auth:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := newRedisStore(t)
	ctx := context.Background()

	first, err := s.Remember(ctx, "tok", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.Remember(ctx, "tok", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	ok, err := s.Recall(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := s.client.TTL(ctx, "test:auth:tok").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, s.Forget(ctx, "tok"))
	ok, err = s.Recall(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedisStore(ctx, RedisConfig{Addr: "127.0.0.1:1"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestNewRedisStoreWithClient_DefaultPrefix(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	s := NewRedisStoreWithClient(client, "")
	defer s.Close()
	assert.Equal(t, DefaultKeyPrefix, s.keyPrefix)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.Recall(ctx, "tok")
	assert.Error(t, err)
}
