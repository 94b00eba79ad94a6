package reputation

import (
	"context"
	"flag"
	"log"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var redisURL string

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("error starting redis container: %v", err)
	}
	redisURL, err = container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		log.Fatalf("error getting redis connection string: %v", err)
	}

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		log.Printf("error terminating redis container: %v", err)
	}
	os.Exit(code)
}

type countingChecker struct {
	checker Checker
	calls   atomic.Int32
}

func (c *countingChecker) IsNotable(ctx context.Context, value string, iocType model.IOCType) (bool, error) {
	c.calls.Add(1)
	return c.checker.IsNotable(ctx, value, iocType)
}

func TestNewCachedChecker(t *testing.T) {
	_, err := NewCachedChecker(nil, redis.NewClient(&redis.Options{}))
	assert.Error(t, err)

	_, err = NewCachedChecker(NewStaticChecker(nil), nil)
	assert.ErrorIs(t, err, helper.ErrNotConfigured)

	_, err = NewRedisClient(context.Background(), "")
	assert.ErrorIs(t, err, helper.ErrNotConfigured)
}

func TestCachedCheckerUnavailableRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	next := &countingChecker{checker: NewStaticChecker(map[model.IOCType][]string{model.IOCTypeIP: {"8.8.8.8"}})}
	checker, err := NewCachedChecker(next, client)
	require.NoError(t, err)

	notable, err := checker.IsNotable(context.Background(), "8.8.8.8", model.IOCTypeIP)
	require.NoError(t, err)
	assert.False(t, notable)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestCachedChecker(t *testing.T) {
	if redisURL == "" {
		t.Skip("redis container not running")
	}
	ctx := context.Background()

	client, err := NewRedisClient(ctx, redisURL)
	require.NoError(t, err)
	defer client.Close()

	next := &countingChecker{checker: NewStaticChecker(map[model.IOCType][]string{model.IOCTypeDomain: {"microsoft.com"}})}
	checker, err := NewCachedChecker(next, client, WithCachePrefix("test:"+t.Name()+":"), WithCacheTTL(time.Minute))
	require.NoError(t, err)

	t.Run("Verdicts are cached", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			notable, err := checker.IsNotable(ctx, "evil.ru", model.IOCTypeDomain)
			require.NoError(t, err)
			assert.True(t, notable)

			notable, err = checker.IsNotable(ctx, "Microsoft.com", model.IOCTypeDomain)
			require.NoError(t, err)
			assert.False(t, notable)
		}
		assert.Equal(t, int32(2), next.calls.Load())
	})

	t.Run("Keys carry the ttl", func(t *testing.T) {
		ttl, err := client.TTL(ctx, checker.key("evil.ru", model.IOCTypeDomain)).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, time.Minute)
	})

	t.Run("Errors are not cached", func(t *testing.T) {
		failing, err := NewCachedChecker(failingChecker{}, client, WithCachePrefix("test:failing:"))
		require.NoError(t, err)

		_, err = failing.IsNotable(ctx, "evil.ru", model.IOCTypeDomain)
		assert.Error(t, err)
		exists, err := client.Exists(ctx, failing.key("evil.ru", model.IOCTypeDomain)).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(0), exists)
	})
}
