// Package redis provides the Redis client used by the GOMP settlement service.
// It caches the merged miner balances and the last cycle summary of each track.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for settlement caching
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Settlement balances

// BalancesKey returns the hash key holding the merged balances of a track
func BalancesKey(pool, track string) string {
	return fmt.Sprintf("settlement:%s:%s:balances", pool, track)
}

// LastCycleKey returns the key holding the last cycle summary of a track
func LastCycleKey(pool, track string) string {
	return fmt.Sprintf("settlement:%s:%s:last", pool, track)
}

// CyclesKey returns the counter key of cycles ending with outcome
func CyclesKey(pool, track, outcome string) string {
	return fmt.Sprintf("settlement:%s:%s:cycles:%s", pool, track, outcome)
}

// SetBalances replaces the cached balances snapshot of a track
func (c *Client) SetBalances(ctx context.Context, pool, track string, balances map[string]float64, expiration time.Duration) error {
	key := BalancesKey(pool, track)

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(balances) == 0 {
			return nil
		}

		values := make(map[string]any, len(balances))
		for identity, amount := range balances {
			values[identity] = strconv.FormatFloat(amount, 'f', -1, 64)
		}
		pipe.HSet(ctx, key, values)
		pipe.Expire(ctx, key, expiration)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set balances: %w", err)
	}

	return nil
}

// Counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incr.Val(), nil
}

// General caching

// SetCache stores arbitrary data with expiration
func (c *Client) SetCache(ctx context.Context, key string, data any, expiration time.Duration) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	if err := c.rdb.Set(ctx, key, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}
