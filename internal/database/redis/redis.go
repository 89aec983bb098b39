package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/meepleai/meeple-backend/internal/config"

	"github.com/go-redis/redis/v8"
)

var (
	client  *redis.Client
	once    sync.Once
	initErr error
)

// GetClient initializes and returns the Redis client. The connection is
// established once per process.
func GetClient(cfg *config.RedisConfig) (*redis.Client, error) {
	once.Do(func() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		})

		if err := rdb.Ping(context.Background()).Err(); err != nil {
			initErr = fmt.Errorf("cannot connect to Redis: %w", err)
			return
		}

		client = rdb
	})

	return client, initErr
}

// Close shuts down the singleton Redis connection.
func Close() error {
	if client != nil {
		return client.Close()
	}
	return nil
}

// HealthCheck pings Redis.
func HealthCheck(ctx context.Context) error {
	if client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	return client.Ping(ctx).Err()
}
