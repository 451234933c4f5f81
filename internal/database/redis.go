package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisDialTimeout = 5 * time.Second

// ErrRedisURLMissing is returned when a component that needs Redis has no URL configured.
var ErrRedisURLMissing = errors.New("redis url is not configured")

// ConnectRedis opens the Redis client used for auto-save throttling, the entry rate window
// and pipeline event fan-out. The connection name shows up in CLIENT LIST so API and worker
// replicas can be told apart.
func ConnectRedis(ctx context.Context, url, name string) (*redis.Client, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, ErrRedisURLMissing
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if name != "" {
		opts.ClientName = strings.ReplaceAll(name, " ", "-")
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = redisDialTimeout
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}
