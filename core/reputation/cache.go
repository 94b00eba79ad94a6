package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
)

const (
	defaultCacheTTL    = 24 * time.Hour
	defaultCachePrefix = "tipper:reputation:"
)

// CachedChecker caches the verdicts of another checker in Redis.
// Redis failures fall through to the wrapped checker.
type CachedChecker struct {
	next   Checker
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// CachedCheckerOption configures a CachedChecker
type CachedCheckerOption func(*CachedChecker)

// WithCacheTTL sets how long a verdict is cached
func WithCacheTTL(ttl time.Duration) CachedCheckerOption {
	return func(c *CachedChecker) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCachePrefix sets the key prefix
func WithCachePrefix(prefix string) CachedCheckerOption {
	return func(c *CachedChecker) { c.prefix = prefix }
}

// WithCacheLogger sets the logger
func WithCacheLogger(logger *slog.Logger) CachedCheckerOption {
	return func(c *CachedChecker) { c.logger = logger }
}

// NewCachedChecker wraps next with a Redis cache
func NewCachedChecker(next Checker, client redis.UniversalClient, opts ...CachedCheckerOption) (*CachedChecker, error) {
	if next == nil {
		return nil, helper.NewError("cached checker", fmt.Errorf("checker is nil"))
	}
	if client == nil {
		return nil, helper.NewError("cached checker", fmt.Errorf("%w: redis client is nil", helper.ErrNotConfigured))
	}
	c := &CachedChecker{
		next:   next,
		client: client,
		ttl:    defaultCacheTTL,
		prefix: defaultCachePrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewRedisClient connects to Redis from a redis:// url and pings it
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, helper.NewError("redis client", fmt.Errorf("%w: no url", helper.ErrNotConfigured))
	}
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, helper.NewError("parse redis url", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, helper.NewError("ping redis", helper.Classify(helper.ErrTransient, err))
	}
	return client, nil
}

func (c *CachedChecker) key(value string, iocType model.IOCType) string {
	return c.prefix + string(iocType) + ":" + normalize(value)
}

func (c *CachedChecker) IsNotable(ctx context.Context, value string, iocType model.IOCType) (bool, error) {
	key := c.key(value, iocType)

	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return cached == "1", nil
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("Reputation cache unavailable", slog.String("key", key), slog.Any("error", err))
	}

	notable, err := c.next.IsNotable(ctx, value, iocType)
	if err != nil {
		return false, err
	}

	verdict := "0"
	if notable {
		verdict = "1"
	}
	if err := c.client.Set(ctx, key, verdict, c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to cache reputation verdict", slog.String("key", key), slog.Any("error", err))
	}
	return notable, nil
}
