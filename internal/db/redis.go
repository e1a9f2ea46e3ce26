package db

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notifyhub/fanout-dispatch/internal/config"
)

var (
	ErrRedisURL      = errors.New("db: invalid redis connection URL")
	ErrRedisNotReady = errors.New("db: redis not ready")
)

// ConnectRedis parses REDIS_URL and pings the server, retrying up to
// RedisRetryAttempts times with RedisRetryInterval between attempts.
func ConnectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.RedisConnectTimeout)
	defer cancel()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, errors.Join(ErrRedisURL, err)
	}

	attempts := max(cfg.RedisRetryAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RedisRetryInterval):
		}
	}
	return nil, errors.Join(ErrRedisNotReady, lastErr)
}
