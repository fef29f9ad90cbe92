package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/danghamo/busline/pkg/logger"
)

// Client wraps redis.Client with logging helpers
type Client struct {
	*redis.Client
	logger *logger.Logger
}

// NewClient creates a new Redis client from URL and checks the connection
func NewClient(redisURL string, log *logger.Logger) (*Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL cannot be empty")
	}

	if log == nil {
		log = logger.GetGlobalLogger()
	}

	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := &Client{
		Client: redis.NewClient(redisOptions),
		logger: log.WithComponent("redisx"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	client.logger.Info("Redis client connected successfully",
		zap.String("addr", redisOptions.Addr),
		zap.Int("db", redisOptions.DB),
		zap.Int("pool_size", redisOptions.PoolSize),
	)

	return client, nil
}

// Close closes the Redis client connection
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")
	return c.Client.Close()
}

// HealthCheck performs a health check on the Redis connection
func (c *Client) HealthCheck(ctx context.Context) error {
	start := time.Now()
	err := c.Ping(ctx).Err()
	duration := time.Since(start)

	if err != nil {
		c.logger.Error("Redis health check failed",
			zap.Error(err),
			zap.Duration("duration", duration),
		)
		return err
	}

	c.logger.Debug("Redis health check passed", zap.Duration("duration", duration))
	return nil
}

// SetJSON stores v as JSON under key with expiration. Zero expiration keeps the key forever.
func (c *Client) SetJSON(ctx context.Context, key string, v any, expiration time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}

	start := time.Now()
	if err := c.Set(ctx, key, data, expiration).Err(); err != nil {
		c.logger.Error("Failed to set key",
			zap.String("key", key),
			zap.Duration("expiration", expiration),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return err
	}

	c.logger.Debug("Set key",
		zap.String("key", key),
		zap.Duration("expiration", expiration),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// GetJSON loads the JSON value under key into v. It reports false when the key
// does not exist.
func (c *Client) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	start := time.Now()
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.logger.Debug("Key not found",
			zap.String("key", key),
			zap.Duration("duration", time.Since(start)),
		)
		return false, nil
	}
	if err != nil {
		c.logger.Error("Failed to get key",
			zap.String("key", key),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return false, err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal value for %s: %w", key, err)
	}
	return true, nil
}

// DelWithLogging deletes keys with logging
func (c *Client) DelWithLogging(ctx context.Context, keys ...string) (int64, error) {
	result := c.Del(ctx, keys...)
	if result.Err() != nil {
		c.logger.Error("Failed to delete keys",
			zap.Strings("keys", keys),
			zap.Error(result.Err()),
		)
		return 0, result.Err()
	}

	c.logger.Debug("Deleted keys",
		zap.Strings("keys", keys),
		zap.Int64("deleted_count", result.Val()),
	)
	return result.Val(), nil
}
